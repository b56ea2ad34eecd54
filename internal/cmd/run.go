// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/kdf-project/kdf/internal/initramfs"
	"github.com/kdf-project/kdf/internal/session"
	"github.com/kdf-project/kdf/internal/sysinit"
	"github.com/kdf-project/kdf/internal/virtiofsd"
)

type runOptions struct {
	kernel        string
	initramfsPath string
	initBinary    string
	shares        []string
	modules       []string
	memory        string
	smp           uint64
	machine       string
	cpu           string
	qemuBinary    string
	noKVM         bool
	verbose       bool
	modulesDir    string
	modulePolicy  string
	workDir       string
	env           []string
	extraCmdline  []string
	runtimeDir    string
	virtiofsdBin  string
	gracePeriod   time.Duration
}

func newRunCommand() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] [-- command [args...]]",
		Short: "Boot a guest and run a command in it",
		Long: `Run boots the kernel in a fresh guest, mounts the given host
directories via virtiofs and runs the command, an interactive shell by
default. The guest powers off when the command exits; its exit code
becomes the kdf exit code.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.kernel, "kernel", "k", "",
		"kernel image to boot (default $"+ResourceDirEnv+"/"+resourceKernel+")")
	flags.StringVar(&opts.initramfsPath, "initramfs", "",
		"initramfs to boot with instead of building one")
	flags.StringVar(&opts.initBinary, "init", "",
		"init binary for the built initramfs (default $"+
			ResourceDirEnv+"/"+resourceInit+")")
	flags.StringArrayVarP(&opts.shares, "virtiofs", "v", nil,
		"share a host directory, format tag:hostdir:guestdir[:ro|:overlay|:dax]")
	flags.StringArrayVarP(&opts.modules, "module", "m", nil,
		"kernel module to load at boot, format [name:]path[:dep,dep]")
	flags.StringVar(&opts.memory, "memory", "1G", "guest memory size")
	flags.Uint64Var(&opts.smp, "smp", 2, "number of guest CPUs")
	flags.StringVar(&opts.machine, "machine", "", "QEMU machine type")
	flags.StringVar(&opts.cpu, "cpu", "", "QEMU CPU type")
	flags.StringVar(&opts.qemuBinary, "qemu", "", "QEMU binary to use")
	flags.BoolVar(&opts.noKVM, "no-kvm", false, "disable KVM acceleration")
	flags.BoolVar(&opts.verbose, "verbose", false,
		"increase guest kernel logging")
	flags.StringVar(&opts.modulesDir, "moddir", "",
		"module directory inside the guest")
	flags.StringVar(&opts.modulePolicy, "mod-policy", "",
		"module load failure policy: abort or collect")
	flags.StringVarP(&opts.workDir, "workdir", "w", "",
		"working directory for the guest command")
	flags.StringArrayVarP(&opts.env, "env", "e", nil,
		"environment variable for the guest command, format KEY=VALUE")
	flags.StringArrayVar(&opts.extraCmdline, "cmdline", nil,
		"additional kernel command line parameter")
	flags.StringVar(&opts.runtimeDir, "runtime-dir", defaultRuntimeDir(),
		"directory for session runtime files")
	flags.StringVar(&opts.virtiofsdBin, "virtiofsd", "",
		"virtiofsd binary to use")
	flags.DurationVar(&opts.gracePeriod, "grace-period",
		session.DefaultGracePeriod,
		"time between SIGTERM and SIGKILL for the guest")

	return cmd
}

func (o *runOptions) run(ctx context.Context, command []string) error {
	logger := slog.Default()

	sess, cleanup, err := o.buildSession(command)
	if err != nil {
		return err
	}
	defer cleanup()

	supervisor := virtiofsd.NewSupervisor(o.runtimeDir)
	supervisor.Binary = o.virtiofsdBin

	if o.verbose {
		supervisor.Stderr = os.Stderr
	}

	exitCode, err := session.NewOrchestrator(*sess, supervisor, logger).
		Run(ctx)
	if err != nil {
		return err
	}

	if exitCode != 0 {
		return &exitCodeError{exitCode}
	}

	return nil
}

func (o *runOptions) buildSession(command []string) (
	*session.Session, func(), error,
) {
	cleanup := func() {}

	kernel, err := resolveResource(o.kernel, resourceKernel)
	if err != nil {
		return nil, cleanup, err
	}

	shares := make([]virtiofsd.ShareSpec, 0, len(o.shares))

	for _, value := range o.shares {
		share, err := parseShareFlag(value)
		if err != nil {
			return nil, cleanup, err
		}

		shares = append(shares, share)
	}

	env, err := parseEnvFlags(o.env)
	if err != nil {
		return nil, cleanup, err
	}

	if o.modulePolicy != "" {
		if _, err := sysinit.ParseLoadPolicy(o.modulePolicy); err != nil {
			return nil, cleanup, err
		}
	}

	var memory datasize.ByteSize
	if err := memory.UnmarshalText([]byte(o.memory)); err != nil {
		return nil, cleanup, fmt.Errorf("parse memory size: %w", err)
	}

	initramfsPath := o.initramfsPath
	if initramfsPath == "" {
		initramfsPath, err = o.buildInitramfs()
		if err != nil {
			return nil, cleanup, err
		}

		cleanup = func() { _ = os.Remove(initramfsPath) }
	}

	return &session.Session{
		Kernel:       kernel,
		Initramfs:    initramfsPath,
		Shares:       shares,
		Memory:       memory,
		SMP:          o.smp,
		ModulesDir:   o.modulesDir,
		ModulePolicy: o.modulePolicy,
		Command:      command,
		Env:          env,
		WorkDir:      o.workDir,
		ExtraCmdline: o.extraCmdline,
		QemuBinary:   o.qemuBinary,
		Machine:      o.machine,
		CPU:          o.cpu,
		NoKVM:        o.noKVM,
		Verbose:      o.verbose,
		GracePeriod:  o.gracePeriod,
	}, cleanup, nil
}

// buildInitramfs assembles a temporary initramfs from the init binary
// and the requested kernel modules.
func (o *runOptions) buildInitramfs() (string, error) {
	initBinary, err := resolveResource(o.initBinary, resourceInit)
	if err != nil {
		return "", err
	}

	modules, err := parseModuleFlags(o.modules)
	if err != nil {
		return "", err
	}

	builder, err := initramfs.BuildImage(initBinary, modules, o.modulesDir)
	if err != nil {
		return "", err
	}

	path, err := builder.WriteToTempFile("")
	if err != nil {
		return "", err
	}

	slog.Debug("built initramfs", slog.String("path", path))

	return path, nil
}

func parseModuleFlags(values []string) ([]initramfs.Module, error) {
	modules := make([]initramfs.Module, 0, len(values))

	for _, value := range values {
		module, err := parseModuleFlag(value)
		if err != nil {
			return nil, err
		}

		modules = append(modules, module)
	}

	return modules, nil
}
