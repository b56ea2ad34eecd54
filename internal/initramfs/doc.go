// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package initramfs builds CPIO archives the Linux kernel accepts as
// initramfs.
//
// A [Builder] collects entries in insertion order, creating missing
// parent directories implicitly. [BuildImage] assembles the standard
// layout for kdf guests: the init binary at /init and the kernel
// modules with their dependency manifest in the modules directory.
package initramfs
