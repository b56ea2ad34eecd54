// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kdf-project/kdf/internal/initramfs"
)

type buildOptions struct {
	initBinary string
	output     string
	modules    []string
	modulesDir string
}

func newBuildCommand() *cobra.Command {
	opts := buildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a reusable initramfs",
		Long: `Build assembles an initramfs with the init binary and the given
kernel modules. Passing the result to "kdf run --initramfs" skips the
per-run archive build.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return opts.run()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.initBinary, "init", "",
		"init binary to place at /init (default $"+
			ResourceDirEnv+"/"+resourceInit+")")
	flags.StringVarP(&opts.output, "output", "o", "initramfs.cpio",
		"output file")
	flags.StringArrayVarP(&opts.modules, "module", "m", nil,
		"kernel module to include, format [name:]path[:dep,dep]")
	flags.StringVar(&opts.modulesDir, "moddir", "",
		"module directory inside the archive")

	return cmd
}

func (o *buildOptions) run() error {
	initBinary, err := resolveResource(o.initBinary, resourceInit)
	if err != nil {
		return err
	}

	modules, err := parseModuleFlags(o.modules)
	if err != nil {
		return err
	}

	builder, err := initramfs.BuildImage(initBinary, modules, o.modulesDir)
	if err != nil {
		return err
	}

	file, err := os.Create(o.output)
	if err != nil {
		return fmt.Errorf("create %s: %w", o.output, err)
	}
	defer file.Close()

	if err := builder.WriteTo(file); err != nil {
		_ = os.Remove(o.output)

		return fmt.Errorf("write %s: %w", o.output, err)
	}

	slog.Info("initramfs written",
		slog.String("path", o.output),
		slog.Int("modules", len(modules)),
	)

	return nil
}
