// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/kdf-project/kdf/internal/qemu"
	"github.com/kdf-project/kdf/internal/virtiofsd"
)

// DaemonHandle is a running share daemon as the orchestrator sees it.
//
// Implemented by [virtiofsd.Daemon].
type DaemonHandle interface {
	Tag() string
	SocketPath() string
	Done() <-chan struct{}
	Err() error
}

// DaemonSupervisor starts and stops share daemons.
//
// Implemented by [virtiofsd.Supervisor] via [NewOrchestrator].
type DaemonSupervisor interface {
	Start(ctx context.Context, share virtiofsd.ShareSpec, idx int) (
		DaemonHandle, error)
	Stop(daemon DaemonHandle) error
}

// Guest is a running guest process.
//
// Implemented by [qemu.Command].
type Guest interface {
	Done() <-chan struct{}
	Result() (int, error)
	Signal(sig os.Signal) error
	Kill() error
}

// Orchestrator runs a [Session]: it starts one share daemon per share,
// spawns the guest only once all daemons are ready, keeps watch over
// both and tears everything down again in reverse order.
type Orchestrator struct {
	session    Session
	supervisor DaemonSupervisor
	log        *slog.Logger

	// startGuest is replaceable for tests.
	startGuest func(*Session, []DaemonHandle) (Guest, error)
}

// NewOrchestrator creates an [Orchestrator] for the given session, using
// the given supervisor for the share daemons.
func NewOrchestrator(
	session Session,
	supervisor *virtiofsd.Supervisor,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		session:    session,
		supervisor: supervisorAdapter{supervisor},
		log:        logger,
		startGuest: startQemuGuest,
	}
}

// Run executes the session and returns the exit code of the guest
// command.
//
// Every started daemon is stopped again on all paths out of Run,
// including daemon startup failures, guest spawn failures and context
// cancellation. A canceled context terminates the guest with SIGTERM
// first and SIGKILL after the grace period; teardown still runs to
// completion.
func (o *Orchestrator) Run(ctx context.Context) (exitCode int, err error) {
	if err := o.session.Validate(); err != nil {
		return -1, err
	}

	daemons, err := o.startDaemons(ctx)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrDaemonStartup, err)
	}

	defer func() {
		err = errors.Join(err, o.stopDaemons(daemons))
	}()

	guest, err := o.startGuest(&o.session, daemons)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrGuestSpawn, err)
	}

	watchErr := o.watch(ctx, guest, daemons)

	exitCode, guestErr := guest.Result()
	if guestErr != nil {
		guestErr = fmt.Errorf("%w: %w", ErrGuestAbnormalExit, guestErr)
	}

	return exitCode, errors.Join(guestErr, watchErr)
}

// startDaemons starts one daemon per share, in share order. On failure,
// the daemons started so far are stopped again before returning.
func (o *Orchestrator) startDaemons(
	ctx context.Context,
) ([]DaemonHandle, error) {
	daemons := make([]DaemonHandle, 0, len(o.session.Shares))

	for idx, share := range o.session.Shares {
		daemon, err := o.supervisor.Start(ctx, share, idx)
		if err != nil {
			_ = o.stopDaemons(daemons)

			return nil, err
		}

		o.log.Debug("share daemon ready",
			slog.String("tag", daemon.Tag()),
			slog.String("socket", daemon.SocketPath()),
		)

		daemons = append(daemons, daemon)
	}

	return daemons, nil
}

// stopDaemons stops the given daemons in reverse start order. All of
// them are attempted, the errors are joined.
func (o *Orchestrator) stopDaemons(daemons []DaemonHandle) error {
	var errs []error

	for idx := len(daemons) - 1; idx >= 0; idx-- {
		daemon := daemons[idx]

		if err := o.supervisor.Stop(daemon); err != nil {
			o.log.Error("stopping share daemon failed",
				slog.String("tag", daemon.Tag()),
				slog.Any("error", err),
			)
			errs = append(errs, err)

			continue
		}

		o.log.Debug("share daemon stopped", slog.String("tag", daemon.Tag()))
	}

	return errors.Join(errs...)
}

// watch blocks until the guest terminated.
//
// While waiting it watches the share daemons, terminating the guest if
// one of them dies, and the context, terminating the guest gracefully on
// cancellation.
func (o *Orchestrator) watch(
	ctx context.Context,
	guest Guest,
	daemons []DaemonHandle,
) error {
	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eg := errgroup.Group{}

	for _, daemon := range daemons {
		eg.Go(func() error {
			select {
			case <-watchCtx.Done():
				return nil
			case <-daemon.Done():
			}

			// The daemon exits on its own once the guest disconnects. A
			// death observed when the guest is already gone is the normal
			// end of a session, not a failure.
			select {
			case <-guest.Done():
				return nil
			default:
			}

			o.log.Error("share daemon died, terminating guest",
				slog.String("tag", daemon.Tag()),
				slog.Any("error", daemon.Err()),
			)

			_ = guest.Signal(unix.SIGTERM)

			return &virtiofsd.DaemonError{
				Tag: daemon.Tag(),
				Err: virtiofsd.ErrUnexpectedExit,
			}
		})
	}

	eg.Go(func() error {
		select {
		case <-watchCtx.Done():
			return nil
		case <-ctx.Done():
		}

		o.log.Info("terminating guest", slog.Any("cause", ctx.Err()))

		_ = guest.Signal(unix.SIGTERM)

		select {
		case <-watchCtx.Done():
		case <-time.After(o.session.gracePeriod()):
			o.log.Warn("guest did not terminate in time, killing it")

			_ = guest.Kill()
		}

		return nil
	})

	<-guest.Done()
	cancel()

	return eg.Wait()
}

// supervisorAdapter lifts the concrete [virtiofsd.Supervisor] to the
// [DaemonSupervisor] interface.
type supervisorAdapter struct {
	supervisor *virtiofsd.Supervisor
}

func (a supervisorAdapter) Start(
	ctx context.Context,
	share virtiofsd.ShareSpec,
	idx int,
) (DaemonHandle, error) {
	daemon, err := a.supervisor.Start(ctx, share, idx)
	if err != nil {
		return nil, err
	}

	return daemon, nil
}

func (a supervisorAdapter) Stop(daemon DaemonHandle) error {
	concrete, ok := daemon.(*virtiofsd.Daemon)
	if !ok {
		return fmt.Errorf("unexpected daemon handle type %T", daemon)
	}

	return a.supervisor.Stop(concrete)
}

// startQemuGuest compiles the QEMU command for the session and starts
// it.
func startQemuGuest(
	session *Session,
	daemons []DaemonHandle,
) (Guest, error) {
	spec := qemu.CommandSpec{
		Executable: session.QemuBinary,
		Kernel:     session.Kernel,
		Initramfs:  session.Initramfs,
		Machine:    session.Machine,
		CPU:        session.CPU,
		SMP:        session.SMP,
		Memory:     session.Memory,
		NoKVM:      session.NoKVM,
		Append:     session.cmdlineArgs(),
		Verbose:    session.Verbose,
	}

	if err := spec.AddDefaultsFor(runtime.GOARCH); err != nil {
		return nil, err
	}

	for idx, daemon := range daemons {
		spec.Shares = append(spec.Shares, qemu.ShareDevice{
			Tag:        daemon.Tag(),
			SocketPath: daemon.SocketPath(),
			DAX:        session.Shares[idx].DAX,
		})
	}

	cmd, err := qemu.NewCommand(spec)
	if err != nil {
		return nil, err
	}

	err = cmd.Start(session.stdin(), session.stdout(), session.stderr())
	if err != nil {
		return nil, err
	}

	return cmd, nil
}
