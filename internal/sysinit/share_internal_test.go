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

func TestShareMountSpecs(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		share := Share{Tag: "src", Target: "/mnt/src", Required: true}

		specs := share.mountSpecs()
		require.Len(t, specs, 1)
		assert.Equal(t, MountSpec{
			Source:   "src",
			Target:   "/mnt/src",
			FSType:   FSTypeVirtiofs,
			Required: true,
		}, specs[0])
	})

	t.Run("dax", func(t *testing.T) {
		share := Share{Tag: "src", Target: "/mnt/src", DAX: true}

		specs := share.mountSpecs()
		require.Len(t, specs, 1)
		assert.Equal(t, "dax", specs[0].Data)
	})

	t.Run("overlay", func(t *testing.T) {
		share := Share{
			Tag:      "src",
			Target:   "/mnt/src",
			Overlay:  true,
			Required: true,
		}

		specs := share.mountSpecs()
		require.Len(t, specs, 2)

		lower := specs[0]
		assert.Equal(t, "src", lower.Source)
		assert.Equal(t, "/run/overlayfs/src/lower", lower.Target)
		assert.Equal(t, FSTypeVirtiofs, lower.FSType)
		assert.Equal(t, uintptr(unix.MS_RDONLY), lower.Flags)

		overlay := specs[1]
		assert.Equal(t, "overlay", overlay.Source)
		assert.Equal(t, "/mnt/src", overlay.Target)
		assert.Equal(t, FSTypeOverlay, overlay.FSType)
		assert.Equal(t,
			"lowerdir=/run/overlayfs/src/lower,"+
				"upperdir=/run/overlayfs/src/upper,"+
				"workdir=/run/overlayfs/src/work",
			overlay.Data,
		)
	})
}

func TestShareOverlayDirs(t *testing.T) {
	assert.Empty(t, Share{Tag: "src"}.overlayDirs())

	assert.Equal(t, []string{
		"/run/overlayfs/src/upper",
		"/run/overlayfs/src/work",
	}, Share{Tag: "src", Overlay: true}.overlayDirs())
}

func TestMountShares(t *testing.T) {
	shares := []Share{
		{Tag: "src", Target: "/mnt/src", Required: true},
		{Tag: "build", Target: "/mnt/build", Overlay: true, Required: true},
	}

	t.Run("order", func(t *testing.T) {
		fake := newFakeMounter()

		warnings, err := fake.MountShares(shares)
		require.NoError(t, err)
		assert.Empty(t, warnings)

		assert.Equal(t, []string{
			"/mnt/src",
			"/run/overlayfs/build/lower",
			"/mnt/build",
		}, fake.mountCalls)
	})

	t.Run("required failure aborts", func(t *testing.T) {
		fake := newFakeMounter()
		fake.mountErrs["/mnt/src"] = errors.New("virtiofs tag not found")

		_, err := fake.MountShares(shares)
		require.Error(t, err)
		assert.ErrorIs(t, err, &MountError{})
		assert.Equal(t, []string{"/mnt/src"}, fake.mountCalls)
	})

	t.Run("optional failure continues", func(t *testing.T) {
		fake := newFakeMounter()
		fake.mountErrs["/mnt/opt"] = errors.New("virtiofs tag not found")

		optional := []Share{
			{Tag: "opt", Target: "/mnt/opt"},
			{Tag: "src", Target: "/mnt/src", Required: true},
		}

		warnings, err := fake.MountShares(optional)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, fake.mountCalls, "/mnt/src")
	})
}
