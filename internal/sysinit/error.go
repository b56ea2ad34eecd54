// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotPidOne is returned if the process is expected to be run as
	// PID 1 but is not.
	ErrNotPidOne = errors.New("process does not have ID 1")

	// ErrVirtiofsUnsupported is returned if the running kernel does not
	// list virtiofs in /proc/filesystems but shares are configured.
	ErrVirtiofsUnsupported = errors.New(
		"virtiofs not supported by kernel, CONFIG_VIRTIO_FS required")
)

// MountError is returned for a failed mount operation.
//
// Required reports whether the failed mount was required for boot. A
// required mount error aborts the boot sequence.
type MountError struct {
	Target   string
	Required bool
	Err      error
}

// Error implements the [error] interface.
func (e *MountError) Error() string {
	return "mount " + e.Target + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*MountError) Is(other error) bool {
	_, ok := other.(*MountError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *MountError) Unwrap() error {
	return e.Err
}

// MountWarnings is a collection of errors of mounts that are not required
// and so do not fail the boot sequence.
type MountWarnings []error

func (e MountWarnings) Error() string {
	return fmt.Sprintf("optional mount errors: %q", []error(e))
}

// Is implements the [errors.Is] interface.
func (MountWarnings) Is(other error) bool {
	_, ok := other.(MountWarnings)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e MountWarnings) Unwrap() []error {
	return e
}

// CyclicDependencyError is returned if the module dependency graph has a
// cycle. No module of the given set is loaded in that case.
type CyclicDependencyError struct {
	Modules []string
}

// Error implements the [error] interface.
func (e *CyclicDependencyError) Error() string {
	return "cyclic module dependencies: " + strings.Join(e.Modules, ", ")
}

// Is implements the [errors.Is] interface.
func (*CyclicDependencyError) Is(other error) bool {
	_, ok := other.(*CyclicDependencyError)
	return ok
}

// ModuleLoadError is returned if a single kernel module failed to load.
type ModuleLoadError struct {
	Name string
	Err  error
}

// Error implements the [error] interface.
func (e *ModuleLoadError) Error() string {
	return "load module " + e.Name + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*ModuleLoadError) Is(other error) bool {
	_, ok := other.(*ModuleLoadError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ModuleLoadError) Unwrap() error {
	return e.Err
}
