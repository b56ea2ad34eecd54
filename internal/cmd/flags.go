// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kdf-project/kdf/internal/initramfs"
	"github.com/kdf-project/kdf/internal/virtiofsd"
)

// parseShareFlag parses a --virtiofs flag value of the form
// "tag:hostdir:guestdir[:flag...]" with flags "ro", "overlay" and "dax".
func parseShareFlag(value string) (virtiofsd.ShareSpec, error) {
	parts := strings.Split(value, ":")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return virtiofsd.ShareSpec{}, fmt.Errorf(
			"invalid share %q, expected tag:hostdir:guestdir[:flag...]",
			value,
		)
	}

	share := virtiofsd.ShareSpec{
		Tag:       parts[0],
		HostPath:  parts[1],
		GuestPath: parts[2],
	}

	for _, flag := range parts[3:] {
		switch flag {
		case "ro":
			share.ReadOnly = true
		case "overlay":
			share.Overlay = true
		case "dax":
			share.DAX = true
		default:
			return virtiofsd.ShareSpec{}, fmt.Errorf(
				"invalid share flag %q in %q", flag, value)
		}
	}

	return share, nil
}

// parseModuleFlag parses a --module flag value of the form
// "path", "name:path" or "name:path:dep,dep".
func parseModuleFlag(value string) (initramfs.Module, error) {
	parts := strings.SplitN(value, ":", 3)

	var module initramfs.Module

	switch len(parts) {
	case 1:
		module.Path = parts[0]
		module.Name = moduleNameFromPath(parts[0])
	case 2:
		module.Name = parts[0]
		module.Path = parts[1]
	case 3:
		module.Name = parts[0]
		module.Path = parts[1]

		for _, dep := range strings.Split(parts[2], ",") {
			if dep != "" {
				module.Deps = append(module.Deps, dep)
			}
		}
	}

	if module.Name == "" || module.Path == "" {
		return initramfs.Module{}, fmt.Errorf(
			"invalid module %q, expected [name:]path[:dep,dep]", value)
	}

	return module, nil
}

// moduleNameFromPath derives the module name from its file name by
// stripping the .ko extension and a compression suffix, if any.
func moduleNameFromPath(path string) string {
	name := filepath.Base(path)

	for _, suffix := range []string{".gz", ".xz", ".zst"} {
		name = strings.TrimSuffix(name, suffix)
	}

	return strings.TrimSuffix(name, ".ko")
}

// parseEnvFlags parses --env flag values of the form "KEY=VALUE".
func parseEnvFlags(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}

	env := make(map[string]string, len(values))

	for _, value := range values {
		key, val, found := strings.Cut(value, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid env var %q, expected KEY=VALUE",
				value)
		}

		env[key] = val
	}

	return env, nil
}
