// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package virtiofsd supervises virtiofsd share daemon processes.
//
// Each host directory shared into the guest is served by its own daemon
// process, exposing a vhost-user socket that QEMU attaches a
// vhost-user-fs device to. The [Supervisor] owns the full life cycle:
// it starts the daemons, waits for their sockets, watches for premature
// exits and tears the processes down again.
package virtiofsd
