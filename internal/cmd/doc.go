// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cmd implements the kdf command line interface.
package cmd
