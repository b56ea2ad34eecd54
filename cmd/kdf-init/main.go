// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Init program for kdf guests.
//
// It is supposed to be run as the init program (PID 1) in a virtual
// machine. It mounts the kernel file systems, reads its configuration
// from the kernel command line, sets the system up, runs the configured
// command and powers off.
package main

import (
	"github.com/kdf-project/kdf/internal/sysinit"
)

func main() {
	sysinit.Main()
}
