// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// kdf boots fast, throwaway virtual machines for kernel and module
// development, sharing host directories into the guest via virtiofs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kdf-project/kdf/internal/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := cmd.Execute(ctx)

	stop()
	os.Exit(exitCode)
}
