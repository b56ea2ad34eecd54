// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sysinit implements the guest side of kdf: a minimal init program
// that runs as PID 1, mounts the system and virtiofs share file systems,
// loads kernel modules in dependency order, runs the user's command and
// shuts the machine down when done.
//
// The boot sequence is driven by [Orchestrator]. Its configuration is
// decoded from the kernel command line with [ReadConfig] and is read-only
// from boot start on.
package sysinit
