// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import "errors"

var (
	// ErrDaemonStartup is returned if a share daemon could not be
	// started. No guest is spawned in that case.
	ErrDaemonStartup = errors.New("share daemon startup failed")

	// ErrGuestSpawn is returned if the guest process could not be
	// started.
	ErrGuestSpawn = errors.New("guest spawn failed")

	// ErrGuestAbnormalExit is returned if the guest terminated without
	// communicating an exit code.
	ErrGuestAbnormalExit = errors.New("guest terminated abnormally")
)
