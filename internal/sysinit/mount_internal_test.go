// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeMounter records mount and unmount calls instead of touching the
// system.
type fakeMounter struct {
	*Mounter

	mountCalls   []string
	unmountCalls []string

	mountErrs   map[string]error
	unmountErrs map[string]error
}

func newFakeMounter() *fakeMounter {
	fake := &fakeMounter{
		mountErrs:   map[string]error{},
		unmountErrs: map[string]error{},
	}

	fake.Mounter = &Mounter{
		mountFunc: func(_, target, _ string, _ uintptr, _ string) error {
			fake.mountCalls = append(fake.mountCalls, target)
			return fake.mountErrs[target]
		},
		unmountFunc: func(target string, flags int) error {
			fake.unmountCalls = append(fake.unmountCalls, target)
			return fake.unmountErrs[target]
		},
		mkdirFunc: func(string) error { return nil },
	}

	return fake
}

func TestMounterMountAllOrder(t *testing.T) {
	fake := newFakeMounter()

	warnings, err := fake.MountAll(CoreMountPoints())
	require.NoError(t, err)
	assert.Empty(t, warnings)

	expected := []string{"/proc", "/sys", "/dev", "/dev/pts", "/run", "/tmp"}
	assert.Equal(t, expected, fake.mountCalls)
}

func TestMounterMountAllRequiredFailure(t *testing.T) {
	fake := newFakeMounter()
	fake.mountErrs["/sys"] = errors.New("no such device")

	_, err := fake.MountAll(CoreMountPoints())
	require.Error(t, err)

	var mountErr *MountError

	require.ErrorAs(t, err, &mountErr)
	assert.Equal(t, "/sys", mountErr.Target)
	assert.True(t, mountErr.Required)

	// Nothing after the failed required mount is attempted.
	assert.Equal(t, []string{"/proc", "/sys"}, fake.mountCalls)
}

func TestMounterMountAllOptionalFailure(t *testing.T) {
	fake := newFakeMounter()
	fake.mountErrs["/dev/pts"] = errors.New("no such device")

	warnings, err := fake.MountAll(CoreMountPoints())
	require.NoError(t, err)

	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], &MountError{})

	// The sequence keeps going after a non-required failure.
	expected := []string{"/proc", "/sys", "/dev", "/dev/pts", "/run", "/tmp"}
	assert.Equal(t, expected, fake.mountCalls)
}

func TestMounterMountIdempotent(t *testing.T) {
	fake := newFakeMounter()
	spec := MountSpec{Target: "/proc", FSType: FSTypeProc, Required: true}

	require.NoError(t, fake.Mount(spec))
	require.NoError(t, fake.Mount(spec))

	assert.Equal(t, []string{"/proc"}, fake.mountCalls)
}

func TestMounterMountBusy(t *testing.T) {
	fake := newFakeMounter()
	fake.mountErrs["/proc"] = unix.EBUSY

	err := fake.Mount(MountSpec{Target: "/proc", FSType: FSTypeProc})
	require.NoError(t, err)

	// The target counts as mounted and is unmounted on shutdown.
	require.NoError(t, fake.UnmountTargets([]string{"/proc"}))
	assert.Equal(t, []string{"/proc"}, fake.unmountCalls)
}

func TestMounterUnmountTargetsReverseOrder(t *testing.T) {
	fake := newFakeMounter()

	targets := []string{"/a", "/b", "/c"}
	for _, target := range targets {
		require.NoError(t, fake.Mount(MountSpec{
			Target: target,
			FSType: FSTypeTmp,
		}))
	}

	require.NoError(t, fake.UnmountTargets(targets))
	assert.Equal(t, []string{"/c", "/b", "/a"}, fake.unmountCalls)
}

func TestMounterUnmountSkipsUnmounted(t *testing.T) {
	fake := newFakeMounter()

	require.NoError(t, fake.Unmount("/never-mounted"))
	assert.Empty(t, fake.unmountCalls)
}

func TestMounterUnmountLazyFallback(t *testing.T) {
	calls := 0

	mounter := &Mounter{
		mountFunc: func(_, _, _ string, _ uintptr, _ string) error {
			return nil
		},
		unmountFunc: func(target string, flags int) error {
			calls++
			if flags == 0 {
				return unix.EBUSY
			}

			return nil
		},
		mkdirFunc: func(string) error { return nil },
	}

	require.NoError(t, mounter.Mount(MountSpec{
		Target: "/data",
		FSType: FSTypeVirtiofs,
	}))

	require.NoError(t, mounter.Unmount("/data"))
	assert.Equal(t, 2, calls)
}

func TestVirtiofsListed(t *testing.T) {
	tests := []struct {
		name        string
		filesystems string
		expected    bool
	}{
		{
			name:        "listed",
			filesystems: "nodev\tsysfs\nnodev\tvirtiofs\n\text4\n",
			expected:    true,
		},
		{
			name:        "not listed",
			filesystems: "nodev\tsysfs\n\text4\n",
			expected:    false,
		},
		{
			name:        "substring does not match",
			filesystems: "nodev\tvirtiofsd\n",
			expected:    false,
		},
		{
			name:     "empty",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, virtiofsListed([]byte(tt.filesystems)))
		})
	}
}
