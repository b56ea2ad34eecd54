// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtiofsd

import (
	"fmt"
	"os"
)

// ShareSpec describes one host directory exported to the guest.
type ShareSpec struct {
	// Tag identifies the share. It is used as virtiofs mount tag and must
	// be unique per session.
	Tag string

	// HostPath is the directory on the host to export.
	HostPath string

	// GuestPath is the mount point inside the guest.
	GuestPath string

	// ReadOnly exports the share read-only.
	ReadOnly bool

	// Overlay exports the share read-only and lets the guest put a
	// writable overlay on top, keeping guest writes out of the host tree.
	Overlay bool

	// DAX requests direct host page mapping for the share.
	DAX bool
}

// Validate checks the spec for completeness and verifies the host path
// exists and is a directory.
func (s ShareSpec) Validate() error {
	if s.Tag == "" {
		return fmt.Errorf("share tag must not be empty")
	}

	if s.GuestPath == "" {
		return fmt.Errorf("share %s: guest path must not be empty", s.Tag)
	}

	info, err := os.Stat(s.HostPath)
	if err != nil {
		return fmt.Errorf("share %s: %w", s.Tag, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("share %s: %s is not a directory", s.Tag, s.HostPath)
	}

	return nil
}

// readOnlyExport reports whether the daemon must export the share
// read-only. Overlay shares are always exported read-only, the guest
// writes to the overlay upper layer instead.
func (s ShareSpec) readOnlyExport() bool {
	return s.ReadOnly || s.Overlay
}
