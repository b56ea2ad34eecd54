// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtiofsd

import (
	"os/exec"
	"sync"
)

// Daemon is a handle to one running share daemon process.
//
// It is created by [Supervisor.Start] and terminated by
// [Supervisor.Stop].
type Daemon struct {
	tag        string
	socketPath string
	cmd        *exec.Cmd

	// done is closed once the process terminated, after waitErr is set.
	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Tag returns the share tag the daemon serves.
func (d *Daemon) Tag() string {
	return d.tag
}

// SocketPath returns the path of the daemon's vhost-user socket.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}

// Done returns a channel that is closed once the daemon process
// terminated, no matter why.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Err returns the wait result of the terminated process. It must be read
// only after [Daemon.Done] is closed.
func (d *Daemon) Err() error {
	return d.waitErr
}

// exited reports whether the process already terminated.
func (d *Daemon) exited() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
