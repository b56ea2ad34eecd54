// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

const overlayBaseDir = "/run/overlayfs"

// Share is a host directory shared into the guest via virtiofs.
type Share struct {
	// Tag is the virtiofs mount tag the host exposes the directory under.
	Tag string

	// Target is the path the share is mounted at in the guest.
	Target string

	// Overlay mounts the share read-only with a tmpfs-backed writable
	// overlay on top, so the user can scribble over a read-only share.
	Overlay bool

	// DAX requests direct access to the host page cache. Requires the
	// kernel to be built with virtiofs DAX support and the host device to
	// provide a DAX window.
	DAX bool

	// Required determines if a mount failure of this share aborts boot.
	Required bool
}

// ParseShare parses a share from its kernel command line form
// "tag:target[:flag...]" with flags "overlay", "dax" and "optional".
func ParseShare(s string) (Share, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Share{}, fmt.Errorf("invalid share spec: %q", s)
	}

	share := Share{
		Tag:      parts[0],
		Target:   parts[1],
		Required: true,
	}

	for _, flag := range parts[2:] {
		switch flag {
		case "overlay":
			share.Overlay = true
		case "dax":
			share.DAX = true
		case "optional":
			share.Required = false
		default:
			return Share{}, fmt.Errorf("invalid share flag %q in %q", flag, s)
		}
	}

	return share, nil
}

// EnvName returns the name of the environment variable that carries the
// share's mount path in the user command's environment.
func (s Share) EnvName() string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s.Tag)

	return "KDF_SHARE_" + name
}

// mountSpecs returns the ordered mounts for the share. A plain share is a
// single virtiofs mount. An overlay share mounts the virtiofs read-only as
// lower layer under /run/overlayfs and an overlay on the target.
func (s Share) mountSpecs() []MountSpec {
	data := ""
	if s.DAX {
		data = "dax"
	}

	if !s.Overlay {
		return []MountSpec{{
			Source:   s.Tag,
			Target:   s.Target,
			FSType:   FSTypeVirtiofs,
			Data:     data,
			Required: s.Required,
		}}
	}

	base := path.Join(overlayBaseDir, s.Tag)
	lower := path.Join(base, "lower")
	upper := path.Join(base, "upper")
	work := path.Join(base, "work")

	overlayData := fmt.Sprintf(
		"lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work,
	)

	return []MountSpec{
		{
			Source:   s.Tag,
			Target:   lower,
			FSType:   FSTypeVirtiofs,
			Flags:    unix.MS_RDONLY,
			Data:     data,
			Required: s.Required,
		},
		{
			Source:   "overlay",
			Target:   s.Target,
			FSType:   FSTypeOverlay,
			Data:     overlayData,
			Required: s.Required,
		},
	}
}

// overlayDirs returns the directories that must exist before the share's
// overlay mount is attempted.
func (s Share) overlayDirs() []string {
	if !s.Overlay {
		return nil
	}

	base := path.Join(overlayBaseDir, s.Tag)

	return []string{
		path.Join(base, "upper"),
		path.Join(base, "work"),
	}
}

// MountShares mounts all given shares in the order supplied.
//
// Like [Mounter.MountAll], non-required failures are collected as
// warnings, the first required failure aborts.
func (m *Mounter) MountShares(shares []Share) (MountWarnings, error) {
	var warnings MountWarnings

	for _, share := range shares {
		for _, dir := range share.overlayDirs() {
			if err := m.mkdirFunc(dir); err != nil {
				mountErr := &MountError{
					Target:   share.Target,
					Required: share.Required,
					Err:      fmt.Errorf("overlay dir %s: %w", dir, err),
				}
				if share.Required {
					return warnings, mountErr
				}

				warnings = append(warnings, mountErr)
			}
		}

		shareWarnings, err := m.MountAll(share.mountSpecs())
		warnings = append(warnings, shareWarnings...)

		if err != nil {
			return warnings, err
		}
	}

	return warnings, nil
}
