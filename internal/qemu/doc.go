// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package qemu provides a configurable QEMU command for booting kdf
// guests.
//
// Create a [CommandSpec] and compile it into a [Command] with
// [NewCommand]. Virtiofs shares are attached as vhost-user-fs devices,
// backed by the share daemons' vhost-user sockets.
package qemu
