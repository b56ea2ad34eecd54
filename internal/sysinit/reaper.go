// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Reaper collects the exit status of all children of PID 1.
//
// As init, this process inherits every orphaned process in the guest, so
// reaping is a persistent background responsibility for the machine's
// whole lifetime, not a one-shot boot step. Exactly one Reaper must run;
// it is the only caller of wait4(2) in the process, so waiting on a child
// happens via [Reaper.Watch] instead of [os/exec.Cmd.Wait].
type Reaper struct {
	mu       sync.Mutex
	watchers map[int]chan int
	reaped   map[int]int

	signals chan os.Signal
	done    chan struct{}
	stopped chan struct{}
}

// NewReaper creates a new [Reaper]. Call [Reaper.Start] to run it.
func NewReaper() *Reaper {
	return &Reaper{
		watchers: make(map[int]chan int),
		reaped:   make(map[int]int),
		signals:  make(chan os.Signal, 16),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the reap loop in the background until [Reaper.Stop] is
// called.
func (r *Reaper) Start() {
	signal.Notify(r.signals, unix.SIGCHLD)

	go r.loop()
}

// Stop terminates the reap loop. It is safe to call once only.
func (r *Reaper) Stop() {
	signal.Stop(r.signals)
	close(r.done)
	<-r.stopped
}

// Watch returns a channel that delivers the exit code of the process with
// the given PID once it terminated. The channel has capacity one, the
// reap loop never blocks on it.
//
// The child may already have been reaped by the time Watch is called; the
// recorded status is delivered in that case.
func (r *Reaper) Watch(pid int) <-chan int {
	exitCode := make(chan int, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if code, ok := r.reaped[pid]; ok {
		exitCode <- code
		delete(r.reaped, pid)

		return exitCode
	}

	r.watchers[pid] = exitCode

	return exitCode
}

func (r *Reaper) loop() {
	defer close(r.stopped)

	// The ticker backstops lost signals. SIGCHLD is not queued per child,
	// so a burst of exits can collapse into a single delivery.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			r.reap()
			return
		case <-r.signals:
			r.reap()
		case <-ticker.C:
			r.reap()
		}
	}
}

// reap collects all currently waitable children without blocking.
func (r *Reaper) reap() {
	for {
		var status unix.WaitStatus

		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}

		if err != nil || pid <= 0 {
			return
		}

		if !status.Exited() && !status.Signaled() {
			// Stopped or continued, not terminated.
			continue
		}

		r.deliver(pid, exitCodeFor(status))
	}
}

func (r *Reaper) deliver(pid, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if watcher, ok := r.watchers[pid]; ok {
		watcher <- code
		delete(r.watchers, pid)

		return
	}

	r.reaped[pid] = code
}

func exitCodeFor(status unix.WaitStatus) int {
	if status.Signaled() {
		return 128 + int(status.Signal())
	}

	return status.ExitStatus()
}
