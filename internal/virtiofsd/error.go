// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtiofsd

import "errors"

var (
	// ErrStartupTimeout is returned if a daemon did not create its
	// vhost-user socket within the startup timeout.
	ErrStartupTimeout = errors.New("daemon did not create socket in time")

	// ErrUnexpectedExit is returned if a daemon terminated on its own,
	// without [Supervisor.Stop] being called.
	ErrUnexpectedExit = errors.New("daemon exited unexpectedly")

	// ErrTerminationFailed is returned if a daemon survived both SIGTERM
	// and SIGKILL.
	ErrTerminationFailed = errors.New("daemon did not terminate")
)

// DaemonError wraps an error of a single share daemon and carries the
// share tag it belongs to.
type DaemonError struct {
	Tag string
	Err error
}

// Error implements the [error] interface.
func (e *DaemonError) Error() string {
	return "share daemon " + e.Tag + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*DaemonError) Is(other error) bool {
	_, ok := other.(*DaemonError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *DaemonError) Unwrap() error {
	return e.Err
}
