// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kdf-project/kdf/internal/virtiofsd"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDaemon struct {
	tag        string
	socketPath string
	done       chan struct{}
	err        error
}

func newFakeDaemon(tag string, idx int) *fakeDaemon {
	return &fakeDaemon{
		tag:        tag,
		socketPath: fmt.Sprintf("/run/fs%d.sock", idx),
		done:       make(chan struct{}),
	}
}

func (d *fakeDaemon) Tag() string          { return d.tag }
func (d *fakeDaemon) SocketPath() string   { return d.socketPath }
func (d *fakeDaemon) Done() <-chan struct{} { return d.done }
func (d *fakeDaemon) Err() error           { return d.err }

type fakeSupervisor struct {
	mu      sync.Mutex
	started []string
	stopped []string
	daemons map[string]*fakeDaemon

	// failTag makes Start fail for the share with this tag.
	failTag string

	// daemonsExited makes every started daemon's done channel closed
	// right away, like a daemon whose guest already disconnected.
	daemonsExited bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{daemons: make(map[string]*fakeDaemon)}
}

func (s *fakeSupervisor) Start(
	_ context.Context,
	share virtiofsd.ShareSpec,
	idx int,
) (DaemonHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if share.Tag == s.failTag {
		return nil, errors.New("daemon died on startup")
	}

	daemon := newFakeDaemon(share.Tag, idx)
	if s.daemonsExited {
		close(daemon.done)
	}

	s.daemons[share.Tag] = daemon
	s.started = append(s.started, share.Tag)

	return daemon, nil
}

func (s *fakeSupervisor) Stop(daemon DaemonHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = append(s.stopped, daemon.Tag())

	return nil
}

// assertAllStopped verifies every started daemon was stopped exactly
// once, in reverse start order.
func (s *fakeSupervisor) assertAllStopped(t *testing.T) {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	require.Len(t, s.stopped, len(s.started))

	for idx, tag := range s.started {
		assert.Equal(t, tag, s.stopped[len(s.stopped)-1-idx])
	}
}

type fakeGuest struct {
	mu       sync.Mutex
	done     chan struct{}
	doneOnce sync.Once

	exitCode  int
	resultErr error

	signals []os.Signal
	killed  bool

	// exitOnSignal simulates a guest that terminates once signaled.
	exitOnSignal bool
}

func newFakeGuest(exitCode int) *fakeGuest {
	return &fakeGuest{exitCode: exitCode, done: make(chan struct{})}
}

func (g *fakeGuest) exit() {
	g.doneOnce.Do(func() { close(g.done) })
}

func (g *fakeGuest) Done() <-chan struct{} { return g.done }

func (g *fakeGuest) Result() (int, error) {
	return g.exitCode, g.resultErr
}

func (g *fakeGuest) Signal(sig os.Signal) error {
	g.mu.Lock()
	g.signals = append(g.signals, sig)
	exitNow := g.exitOnSignal
	g.mu.Unlock()

	if exitNow {
		g.exit()
	}

	return nil
}

func (g *fakeGuest) Kill() error {
	g.mu.Lock()
	g.killed = true
	g.mu.Unlock()

	g.exit()

	return nil
}

func (g *fakeGuest) signalCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.signals)
}

func testSession(t *testing.T, tags ...string) Session {
	t.Helper()

	session := Session{
		Kernel:    "/boot/vmlinuz",
		Initramfs: "/tmp/initramfs",
	}

	for _, tag := range tags {
		session.Shares = append(session.Shares, virtiofsd.ShareSpec{
			Tag:       tag,
			HostPath:  t.TempDir(),
			GuestPath: "/mnt/" + tag,
		})
	}

	return session
}

func testOrchestrator(
	session Session,
	supervisor *fakeSupervisor,
	guest *fakeGuest,
	spawnErr error,
) (*Orchestrator, *[]int) {
	daemonsAtSpawn := new([]int)

	return &Orchestrator{
		session:    session,
		supervisor: supervisor,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		startGuest: func(_ *Session, daemons []DaemonHandle) (Guest, error) {
			*daemonsAtSpawn = append(*daemonsAtSpawn, len(daemons))

			if spawnErr != nil {
				return nil, spawnErr
			}

			return guest, nil
		},
	}, daemonsAtSpawn
}

func TestOrchestratorRun(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		supervisor := newFakeSupervisor()
		guest := newFakeGuest(3)
		guest.exit()

		o, daemonsAtSpawn := testOrchestrator(
			testSession(t, "src", "out"), supervisor, guest, nil)

		exitCode, err := o.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, exitCode)

		// The guest is spawned only once both daemons are up.
		assert.Equal(t, []int{2}, *daemonsAtSpawn)
		assert.Equal(t, []string{"src", "out"}, supervisor.started)
		supervisor.assertAllStopped(t)
	})

	t.Run("daemon startup failure", func(t *testing.T) {
		supervisor := newFakeSupervisor()
		supervisor.failTag = "out"
		guest := newFakeGuest(0)

		o, daemonsAtSpawn := testOrchestrator(
			testSession(t, "src", "out"), supervisor, guest, nil)

		_, err := o.Run(context.Background())
		require.ErrorIs(t, err, ErrDaemonStartup)

		// The guest must never spawn and the daemon started before the
		// failed one must be stopped again.
		assert.Empty(t, *daemonsAtSpawn)
		assert.Equal(t, []string{"src"}, supervisor.started)
		supervisor.assertAllStopped(t)
	})

	t.Run("guest spawn failure", func(t *testing.T) {
		supervisor := newFakeSupervisor()

		o, _ := testOrchestrator(
			testSession(t, "src", "out"), supervisor, nil,
			errors.New("qemu not found"))

		_, err := o.Run(context.Background())
		require.ErrorIs(t, err, ErrGuestSpawn)

		supervisor.assertAllStopped(t)
	})

	t.Run("abnormal guest exit", func(t *testing.T) {
		supervisor := newFakeSupervisor()
		guest := newFakeGuest(-1)
		guest.resultErr = errors.New("guest system panicked")
		guest.exit()

		o, _ := testOrchestrator(
			testSession(t, "src"), supervisor, guest, nil)

		_, err := o.Run(context.Background())
		require.ErrorIs(t, err, ErrGuestAbnormalExit)

		supervisor.assertAllStopped(t)
	})

	t.Run("context cancellation terminates guest", func(t *testing.T) {
		supervisor := newFakeSupervisor()
		guest := newFakeGuest(143)
		guest.exitOnSignal = true

		session := testSession(t, "src")
		session.GracePeriod = time.Second

		o, _ := testOrchestrator(session, supervisor, guest, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		exitCode, err := o.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 143, exitCode)

		assert.NotZero(t, guest.signalCount())
		assert.False(t, guest.killed)
		supervisor.assertAllStopped(t)
	})

	t.Run("daemon death terminates guest", func(t *testing.T) {
		supervisor := newFakeSupervisor()
		guest := newFakeGuest(0)
		guest.exitOnSignal = true

		o, _ := testOrchestrator(
			testSession(t, "src", "out"), supervisor, guest, nil)

		go func() {
			// Let the session come up, then kill one daemon behind the
			// orchestrator's back.
			var daemon *fakeDaemon

			for daemon == nil {
				time.Sleep(10 * time.Millisecond)

				supervisor.mu.Lock()
				daemon = supervisor.daemons["out"]
				supervisor.mu.Unlock()
			}

			daemon.err = errors.New("signal: killed")
			close(daemon.done)
		}()

		_, err := o.Run(context.Background())
		require.ErrorIs(t, err, virtiofsd.ErrUnexpectedExit)

		var daemonErr *virtiofsd.DaemonError

		require.ErrorAs(t, err, &daemonErr)
		assert.Equal(t, "out", daemonErr.Tag)

		assert.NotZero(t, guest.signalCount())
		supervisor.assertAllStopped(t)
	})

	t.Run("daemon exit after guest exit is clean", func(t *testing.T) {
		// On a normal session end virtiofsd terminates on its own as soon
		// as the guest disconnects, so the watcher may see the daemon's
		// and the guest's done channels closed at the same time. That must
		// never be reported as a daemon failure. Looped because the
		// watcher's select picks between ready channels at random.
		session := testSession(t, "src", "out")

		for range 200 {
			supervisor := newFakeSupervisor()
			supervisor.daemonsExited = true

			guest := newFakeGuest(5)
			guest.exit()

			o, _ := testOrchestrator(session, supervisor, guest, nil)

			exitCode, err := o.Run(context.Background())
			require.NoError(t, err)
			require.Equal(t, 5, exitCode)
			require.Zero(t, guest.signalCount())

			supervisor.assertAllStopped(t)
		}
	})

	t.Run("without shares", func(t *testing.T) {
		supervisor := newFakeSupervisor()
		guest := newFakeGuest(0)
		guest.exit()

		o, daemonsAtSpawn := testOrchestrator(
			testSession(t), supervisor, guest, nil)

		exitCode, err := o.Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, exitCode)
		assert.Equal(t, []int{0}, *daemonsAtSpawn)
	})
}
