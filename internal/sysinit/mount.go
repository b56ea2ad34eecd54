// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"golang.org/x/sys/unix"
)

// FSType is a file system type.
type FSType string

// File system types the init mounts.
const (
	FSTypeDevTmp   FSType = "devtmpfs"
	FSTypeDevPts   FSType = "devpts"
	FSTypeProc     FSType = "proc"
	FSTypeSys      FSType = "sysfs"
	FSTypeTmp      FSType = "tmpfs"
	FSTypeVirtiofs FSType = "virtiofs"
	FSTypeOverlay  FSType = "overlay"

	defaultDirMode = 0o755
)

const procFilesystems = "/proc/filesystems"

// MountSpec describes a single mount operation.
type MountSpec struct {
	// Source is the source device, virtiofs tag or pseudo file system name.
	// If empty, the string of the FSType is used.
	Source string

	// Target is the mount point. It is created if it does not exist.
	Target string

	// FSType is the file system type.
	FSType FSType

	// Flags are mount flags as defined by mount(2).
	Flags uintptr

	// Data are additional parameters that depend on the FSType.
	Data string

	// Required determines if a failure of this mount aborts the boot
	// sequence. Failures of non-required mounts are collected as warnings
	// and boot continues.
	Required bool
}

// CoreMountPoints returns the ordered pseudo file system mounts that are
// applied before anything else. Share mounts depend on /dev and /proc, so
// these always come first.
func CoreMountPoints() []MountSpec {
	return []MountSpec{
		{Target: "/proc", FSType: FSTypeProc, Required: true},
		{Target: "/sys", FSType: FSTypeSys, Required: true},
		{Target: "/dev", FSType: FSTypeDevTmp, Required: true},
		{Target: "/dev/pts", FSType: FSTypeDevPts},
		{Target: "/run", FSType: FSTypeTmp, Data: "mode=0755", Required: true},
		{Target: "/tmp", FSType: FSTypeTmp},
	}
}

// Mounter applies [MountSpec]s in order and tracks what it mounted so
// shutdown can unmount in reverse order.
//
// Mounting the same target twice is a no-op success, so a retried boot
// step does not fail on an already mounted file system.
type Mounter struct {
	mountFunc   func(source, target, fsType string, flags uintptr, data string) error
	unmountFunc func(target string, flags int) error
	mkdirFunc   func(path string) error

	mounted []string
}

// NewMounter creates a [Mounter] using the real mount syscalls.
func NewMounter() *Mounter {
	return &Mounter{
		mountFunc:   sysMount,
		unmountFunc: sysUnmount,
		mkdirFunc: func(path string) error {
			return os.MkdirAll(path, defaultDirMode)
		},
	}
}

// Mount applies the given [MountSpec]. The target path is created if
// absent. On failure a [*MountError] carrying the spec's Required flag is
// returned.
func (m *Mounter) Mount(spec MountSpec) error {
	if slices.Contains(m.mounted, spec.Target) {
		return nil
	}

	if err := m.mkdirFunc(spec.Target); err != nil {
		return &MountError{
			Target:   spec.Target,
			Required: spec.Required,
			Err:      fmt.Errorf("mkdir: %w", err),
		}
	}

	source := spec.Source
	if source == "" {
		source = string(spec.FSType)
	}

	err := m.mountFunc(source, spec.Target, string(spec.FSType), spec.Flags, spec.Data)
	// EBUSY means something is mounted there already. Treated as success
	// for idempotence.
	if err != nil && !errors.Is(err, unix.EBUSY) {
		return &MountError{
			Target:   spec.Target,
			Required: spec.Required,
			Err:      err,
		}
	}

	m.mounted = append(m.mounted, spec.Target)

	return nil
}

// MountAll applies the given specs strictly in order.
//
// Failures of non-required mounts are collected in the returned
// [MountWarnings] and do not stop the sequence. The first required mount
// failure stops the sequence and is returned as error.
func (m *Mounter) MountAll(specs []MountSpec) (MountWarnings, error) {
	var warnings MountWarnings

	for _, spec := range specs {
		if err := m.Mount(spec); err != nil {
			if spec.Required {
				return warnings, err
			}

			warnings = append(warnings, err)
		}
	}

	return warnings, nil
}

// Unmount unmounts the given target if it was mounted by this Mounter.
func (m *Mounter) Unmount(target string) error {
	idx := slices.Index(m.mounted, target)
	if idx < 0 {
		return nil
	}

	if err := m.unmountFunc(target, 0); err != nil {
		// Fall back to a lazy unmount so shutdown is not blocked by busy
		// file systems.
		if err := m.unmountFunc(target, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("unmount %s: %w", target, err)
		}
	}

	m.mounted = slices.Delete(m.mounted, idx, idx+1)

	return nil
}

// UnmountTargets unmounts the given targets in reverse order, best effort.
// All errors are collected and returned joined.
func (m *Mounter) UnmountTargets(targets []string) error {
	var errs []error

	for _, target := range slices.Backward(targets) {
		if err := m.Unmount(target); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// UnmountTargetsTimeout runs [Mounter.UnmountTargets] bounded by the given
// timeout. Unmounting during shutdown must not hang the guest.
func (m *Mounter) UnmountTargetsTimeout(
	targets []string,
	timeout time.Duration,
) error {
	done := make(chan error, 1)

	go func() {
		done <- m.UnmountTargets(targets)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("unmount timed out after %s", timeout)
	}
}

// VirtiofsSupported reports whether the running kernel supports the
// virtiofs file system.
//
// This is checked before any share mount is attempted so a kernel built
// without CONFIG_VIRTIO_FS produces a clear boot error instead of a chain
// of mount failures.
func VirtiofsSupported() (bool, error) {
	filesystems, err := os.ReadFile(procFilesystems)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", procFilesystems, err)
	}

	return virtiofsListed(filesystems), nil
}

func virtiofsListed(filesystems []byte) bool {
	for line := range bytes.Lines(filesystems) {
		if bytes.Equal(bytes.TrimSpace(bytes.TrimPrefix(line, []byte("nodev"))),
			[]byte(FSTypeVirtiofs)) {
			return true
		}
	}

	return false
}
