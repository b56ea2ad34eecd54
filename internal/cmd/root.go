// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// exitCodeError carries the exit code the guest command terminated
// with, so it can be propagated as the kdf exit code.
type exitCodeError struct {
	code int
}

// Error implements the [error] interface.
func (e *exitCodeError) Error() string {
	return fmt.Sprintf("guest command exited with code %d", e.code)
}

// Execute runs the kdf command line interface and returns the process
// exit code.
//
// A guest command that terminated with a non-zero exit code makes kdf
// exit with the same code.
func Execute(ctx context.Context) int {
	root := newRootCommand()

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}

	slog.Error("kdf failed", slog.Any("error", err))

	return 1
}

func newRootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:   "kdf",
		Short: "Fast kernel development VMs with host file sharing",
		Long: `kdf boots a minimal virtual machine around your kernel build in well
under a second and drops you into a shell with your host directories
shared into the guest via virtiofs. Edit on the host, test in the
guest, crash it, boot again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(os.Stderr, debug)
		},
	}

	root.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")

	root.AddCommand(
		newRunCommand(),
		newBuildCommand(),
	)

	return root
}
