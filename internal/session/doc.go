// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session orchestrates one guest run end to end.
//
// A [Session] names the kernel, the initramfs, the shared host
// directories and the command to run inside the guest. The
// [Orchestrator] starts the share daemons, boots the guest once all of
// them are ready and guarantees that every started daemon is stopped
// again, no matter how the run ends.
package session
