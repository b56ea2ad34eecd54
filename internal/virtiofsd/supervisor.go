// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtiofsd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultBinary is the daemon binary looked up in PATH if none is
	// configured.
	DefaultBinary = "virtiofsd"

	// DefaultStartupTimeout is how long [Supervisor.Start] waits for the
	// daemon's socket to appear.
	DefaultStartupTimeout = 5 * time.Second

	// DefaultGracePeriod is how long [Supervisor.Stop] waits after
	// SIGTERM before escalating to SIGKILL.
	DefaultGracePeriod = 3 * time.Second

	socketPollInterval = 50 * time.Millisecond
)

// Supervisor starts and stops share daemons, one process per share.
//
// All sockets of a session share a unique session ID in their file name,
// so concurrent sessions in the same runtime directory cannot collide.
type Supervisor struct {
	// Binary is the virtiofsd executable. Defaults to [DefaultBinary].
	Binary string

	// RuntimeDir is where the vhost-user sockets are created.
	RuntimeDir string

	// StartupTimeout limits how long a starting daemon may take to
	// create its socket. Defaults to [DefaultStartupTimeout].
	StartupTimeout time.Duration

	// GracePeriod is the time between SIGTERM and SIGKILL on stop.
	// Defaults to [DefaultGracePeriod].
	GracePeriod time.Duration

	// Stderr receives the daemons' diagnostic output. Defaults to
	// discarding it.
	Stderr io.Writer

	sessionID string
}

// NewSupervisor creates a [Supervisor] with a fresh session ID, placing
// its sockets in the given directory.
func NewSupervisor(runtimeDir string) *Supervisor {
	return &Supervisor{
		RuntimeDir: runtimeDir,
		sessionID:  newSessionID(),
	}
}

func newSessionID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)

	return fmt.Sprintf("%d-%s", os.Getpid(), hex.EncodeToString(buf))
}

// SocketPath returns the socket path for the share with the given index.
func (s *Supervisor) SocketPath(idx int) string {
	name := fmt.Sprintf("kdf-%s-fs%d.sock", s.sessionID, idx)

	return filepath.Join(s.RuntimeDir, name)
}

// Start runs the daemon for the given share and waits until it is ready
// to accept the guest connection, which is the case once its socket
// exists.
//
// It returns a [DaemonError] wrapping [ErrStartupTimeout] if the socket
// does not appear in time and one wrapping [ErrUnexpectedExit] if the
// daemon terminates while starting up.
func (s *Supervisor) Start(
	ctx context.Context,
	share ShareSpec,
	idx int,
) (*Daemon, error) {
	if err := share.Validate(); err != nil {
		return nil, err
	}

	socketPath := s.SocketPath(idx)

	cmd := exec.Command(s.binary(), daemonArgs(share, socketPath)...)
	cmd.Stderr = s.stderr()

	if err := cmd.Start(); err != nil {
		return nil, &DaemonError{
			Tag: share.Tag,
			Err: fmt.Errorf("start: %w", err),
		}
	}

	daemon := &Daemon{
		tag:        share.Tag,
		socketPath: socketPath,
		cmd:        cmd,
		done:       make(chan struct{}),
	}

	go func() {
		daemon.waitErr = cmd.Wait()
		close(daemon.done)
	}()

	if err := s.waitForSocket(ctx, daemon); err != nil {
		_ = s.Stop(daemon)

		return nil, &DaemonError{Tag: share.Tag, Err: err}
	}

	return daemon, nil
}

// waitForSocket polls for the daemon's socket file.
//
// The socket is not dialed. virtiofsd accepts a single connection and
// that one belongs to the guest.
func (s *Supervisor) waitForSocket(ctx context.Context, daemon *Daemon) error {
	ticker := time.NewTicker(socketPollInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(s.startupTimeout())
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-daemon.done:
			return fmt.Errorf("%w: %v", ErrUnexpectedExit, daemon.waitErr)
		case <-timeout.C:
			return ErrStartupTimeout
		case <-ticker.C:
			if _, err := os.Stat(daemon.socketPath); err == nil {
				return nil
			}
		}
	}
}

// Stop terminates the daemon and removes its socket.
//
// It sends SIGTERM first and escalates to SIGKILL after the grace
// period. It is idempotent; subsequent calls return the first result. A
// daemon that already exited is considered stopped. The daemon usually
// beats Stop to it: virtiofsd terminates once the guest disconnects.
func (s *Supervisor) Stop(daemon *Daemon) error {
	daemon.stopOnce.Do(func() {
		daemon.stopErr = s.terminate(daemon)

		_ = os.Remove(daemon.socketPath)
	})

	return daemon.stopErr
}

func (s *Supervisor) terminate(daemon *Daemon) error {
	if daemon.exited() {
		return nil
	}

	_ = daemon.cmd.Process.Signal(unix.SIGTERM)

	grace := time.NewTimer(s.gracePeriod())
	defer grace.Stop()

	select {
	case <-daemon.done:
		return nil
	case <-grace.C:
	}

	_ = daemon.cmd.Process.Kill()

	kill := time.NewTimer(s.gracePeriod())
	defer kill.Stop()

	select {
	case <-daemon.done:
		return nil
	case <-kill.C:
		return &DaemonError{Tag: daemon.tag, Err: ErrTerminationFailed}
	}
}

// StartAll starts a daemon per share, in order.
//
// If any daemon fails to start, the already started ones are stopped in
// reverse order and the error of the failed one is returned.
func (s *Supervisor) StartAll(
	ctx context.Context,
	shares []ShareSpec,
) ([]*Daemon, error) {
	daemons := make([]*Daemon, 0, len(shares))

	for idx, share := range shares {
		daemon, err := s.Start(ctx, share, idx)
		if err != nil {
			_ = s.StopAll(daemons)

			return nil, err
		}

		daemons = append(daemons, daemon)
	}

	return daemons, nil
}

// StopAll stops the given daemons in reverse order. All daemons are
// attempted; the errors are joined.
func (s *Supervisor) StopAll(daemons []*Daemon) error {
	var errs []error

	for _, daemon := range slices.Backward(daemons) {
		if err := s.Stop(daemon); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Supervisor) binary() string {
	if s.Binary != "" {
		return s.Binary
	}

	return DefaultBinary
}

func (s *Supervisor) startupTimeout() time.Duration {
	if s.StartupTimeout != 0 {
		return s.StartupTimeout
	}

	return DefaultStartupTimeout
}

func (s *Supervisor) gracePeriod() time.Duration {
	if s.GracePeriod != 0 {
		return s.GracePeriod
	}

	return DefaultGracePeriod
}

func (s *Supervisor) stderr() io.Writer {
	if s.Stderr != nil {
		return s.Stderr
	}

	return io.Discard
}

// daemonArgs compiles the virtiofsd arguments for the given share.
func daemonArgs(share ShareSpec, socketPath string) []string {
	args := []string{
		"--socket-path", socketPath,
		"--shared-dir", share.HostPath,
		"--sandbox", "none",
		"--announce-submounts",
	}

	if share.readOnlyExport() {
		args = append(args, "--readonly")
	}

	return args
}
