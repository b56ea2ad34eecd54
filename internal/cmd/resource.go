// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResourceDirEnv names a directory with default resources, so frequent
// invocations do not need to repeat the paths: the kernel image and the
// init binary are looked up there when the flags are not given.
const ResourceDirEnv = "KDF_RESOURCE_DIR"

const (
	resourceKernel = "bzImage"
	resourceInit   = "kdf-init"
)

// resolveResource returns the explicit path if set. Otherwise the named
// file from [ResourceDirEnv] is used.
func resolveResource(explicit, name string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	dir := os.Getenv(ResourceDirEnv)
	if dir == "" {
		return "", fmt.Errorf(
			"no %s given and %s is not set", name, ResourceDirEnv)
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("resource %s: %w", name, err)
	}

	return path, nil
}

// defaultRuntimeDir returns the directory for session runtime files
// like the vhost-user sockets.
func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}

	return os.TempDir()
}
