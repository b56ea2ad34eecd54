// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleParser(t *testing.T) {
	tests := []struct {
		name             string
		input            []string
		expectedExitCode int
		expectedErr      error
	}{
		{
			name: "exit code found",
			input: []string{
				"some boot noise\n",
				"KDF_EXIT_CODE: 0\n",
			},
			expectedExitCode: 0,
		},
		{
			name: "non-zero exit code",
			input: []string{
				"KDF_EXIT_CODE: 42\n",
			},
			expectedExitCode: 42,
		},
		{
			name: "negative exit code",
			input: []string{
				"KDF_EXIT_CODE: -1\n",
			},
			expectedExitCode: -1,
		},
		{
			name: "carriage return stripped",
			input: []string{
				"KDF_EXIT_CODE: 3\r\n",
			},
			expectedExitCode: 3,
		},
		{
			name: "line split across writes",
			input: []string{
				"KDF_EXIT",
				"_CODE: 7",
				"\nrest\n",
			},
			expectedExitCode: 7,
		},
		{
			name: "first exit code wins",
			input: []string{
				"KDF_EXIT_CODE: 1\n",
				"KDF_EXIT_CODE: 2\n",
			},
			expectedExitCode: 1,
		},
		{
			name: "indented line does not match",
			input: []string{
				" KDF_EXIT_CODE: 1\n",
			},
			expectedErr: ErrGuestNoExitCodeFound,
		},
		{
			name: "no exit code",
			input: []string{
				"just noise\n",
				"more noise without newline",
			},
			expectedErr: ErrGuestNoExitCodeFound,
		},
		{
			name: "kernel panic",
			input: []string{
				"[    2.103802] Kernel panic - not syncing: Attempted to" +
					" kill init! exitcode=0x00000100\n",
			},
			expectedErr: ErrGuestPanic,
		},
		{
			name: "oom",
			input: []string{
				"[    3.000000] Out of memory: Killed process 42 (stress)\n",
			},
			expectedErr: ErrGuestOom,
		},
		{
			name: "panic after exit code still fatal",
			input: []string{
				"KDF_EXIT_CODE: 0\n",
				"[    4.000000] Kernel panic - not syncing: boom\n",
			},
			expectedErr: ErrGuestPanic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst bytes.Buffer

			parser := &consoleParser{dst: &dst}

			for _, chunk := range tt.input {
				n, err := parser.Write([]byte(chunk))
				require.NoError(t, err)
				require.Equal(t, len(chunk), n)
			}

			// All bytes pass through unmodified.
			assert.Equal(t, strings.Join(tt.input, ""), dst.String())

			exitCode, err := parser.result()

			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				assert.ErrorIs(t, err, &CommandError{})

				var cmdErr *CommandError

				require.ErrorAs(t, err, &cmdErr)
				assert.True(t, cmdErr.Guest)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedExitCode, exitCode)
		})
	}
}

func TestConsoleParserLongLine(t *testing.T) {
	var dst bytes.Buffer

	parser := &consoleParser{dst: &dst}

	// An overlong partial line is dropped, later lines still parse.
	_, err := parser.Write(bytes.Repeat([]byte("x"), maxLineLen+1))
	require.NoError(t, err)

	_, err = parser.Write([]byte("\nKDF_EXIT_CODE: 5\n"))
	require.NoError(t, err)

	exitCode, err := parser.result()
	require.NoError(t, err)
	assert.Equal(t, 5, exitCode)
}
