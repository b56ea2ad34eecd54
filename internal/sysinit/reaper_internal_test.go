// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestReaperWatchBeforeExit(t *testing.T) {
	reaper := NewReaper()

	watch := reaper.Watch(123)
	reaper.deliver(123, 7)

	select {
	case code := <-watch:
		assert.Equal(t, 7, code)
	default:
		t.Fatal("exit code not delivered")
	}
}

func TestReaperWatchAfterExit(t *testing.T) {
	reaper := NewReaper()

	// The child was reaped before anyone watched for it.
	reaper.deliver(123, 9)

	watch := reaper.Watch(123)

	select {
	case code := <-watch:
		assert.Equal(t, 9, code)
	default:
		t.Fatal("recorded exit code not delivered")
	}
}

func TestReaperStartStop(t *testing.T) {
	reaper := NewReaper()
	reaper.Start()

	done := make(chan struct{})

	go func() {
		reaper.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name     string
		status   unix.WaitStatus
		expected int
	}{
		{
			name:     "exited zero",
			status:   unix.WaitStatus(0),
			expected: 0,
		},
		{
			name:     "exited non-zero",
			status:   unix.WaitStatus(7 << 8),
			expected: 7,
		},
		{
			name:     "killed by signal",
			status:   unix.WaitStatus(uint32(unix.SIGKILL)),
			expected: 137,
		},
		{
			name:     "terminated by sigterm",
			status:   unix.WaitStatus(uint32(unix.SIGTERM)),
			expected: 143,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, exitCodeFor(tt.status))
		})
	}
}
