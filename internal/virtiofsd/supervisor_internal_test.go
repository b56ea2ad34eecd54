// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtiofsd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDaemonArgs(t *testing.T) {
	tests := []struct {
		name     string
		share    ShareSpec
		expected []string
	}{
		{
			name:  "writable",
			share: ShareSpec{Tag: "src", HostPath: "/src"},
			expected: []string{
				"--socket-path", "/run/fs0.sock",
				"--shared-dir", "/src",
				"--sandbox", "none",
				"--announce-submounts",
			},
		},
		{
			name:  "read-only",
			share: ShareSpec{Tag: "src", HostPath: "/src", ReadOnly: true},
			expected: []string{
				"--socket-path", "/run/fs0.sock",
				"--shared-dir", "/src",
				"--sandbox", "none",
				"--announce-submounts",
				"--readonly",
			},
		},
		{
			name:  "overlay exports read-only",
			share: ShareSpec{Tag: "src", HostPath: "/src", Overlay: true},
			expected: []string{
				"--socket-path", "/run/fs0.sock",
				"--shared-dir", "/src",
				"--sandbox", "none",
				"--announce-submounts",
				"--readonly",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := daemonArgs(tt.share, "/run/fs0.sock")
			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestSocketPath(t *testing.T) {
	supervisor := NewSupervisor("/run/user/1000")
	other := NewSupervisor("/run/user/1000")

	first := supervisor.SocketPath(0)
	second := supervisor.SocketPath(1)

	assert.Equal(t, "/run/user/1000", filepath.Dir(first))
	assert.NotEqual(t, first, second)

	// Concurrent sessions in the same directory must not collide.
	assert.NotEqual(t, first, other.SocketPath(0))
}

func newTestDaemon(socketPath string) *Daemon {
	return &Daemon{
		tag:        "src",
		socketPath: socketPath,
		done:       make(chan struct{}),
	}
}

func TestWaitForSocket(t *testing.T) {
	t.Run("socket appears", func(t *testing.T) {
		socketPath := filepath.Join(t.TempDir(), "fs0.sock")
		require.NoError(t, os.WriteFile(socketPath, nil, 0o600))

		supervisor := &Supervisor{StartupTimeout: time.Second}
		daemon := newTestDaemon(socketPath)

		err := supervisor.waitForSocket(context.Background(), daemon)
		require.NoError(t, err)
	})

	t.Run("startup timeout", func(t *testing.T) {
		socketPath := filepath.Join(t.TempDir(), "fs0.sock")

		supervisor := &Supervisor{StartupTimeout: 150 * time.Millisecond}
		daemon := newTestDaemon(socketPath)

		err := supervisor.waitForSocket(context.Background(), daemon)
		require.ErrorIs(t, err, ErrStartupTimeout)
	})

	t.Run("daemon exits while starting", func(t *testing.T) {
		socketPath := filepath.Join(t.TempDir(), "fs0.sock")

		supervisor := &Supervisor{StartupTimeout: time.Second}
		daemon := newTestDaemon(socketPath)
		close(daemon.done)

		err := supervisor.waitForSocket(context.Background(), daemon)
		require.ErrorIs(t, err, ErrUnexpectedExit)
	})

	t.Run("context canceled", func(t *testing.T) {
		socketPath := filepath.Join(t.TempDir(), "fs0.sock")

		supervisor := &Supervisor{StartupTimeout: time.Second}
		daemon := newTestDaemon(socketPath)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := supervisor.waitForSocket(ctx, daemon)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestStopExitedDaemon(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "fs0.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0o600))

	supervisor := &Supervisor{}

	// The daemon terminates on its own once the guest disconnects, so an
	// already exited daemon counts as stopped.
	daemon := newTestDaemon(socketPath)
	close(daemon.done)

	require.NoError(t, supervisor.Stop(daemon))
	assert.NoFileExists(t, socketPath)

	// Idempotent.
	require.NoError(t, supervisor.Stop(daemon))
}
