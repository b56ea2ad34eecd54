// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

// ExitCodeFmt is the format of the line communicating the boot result on
// the guest console. A failed required mount or a cyclic module set must
// be visible there, not end in a silent hang.
const ExitCodeFmt = "KDF_EXIT_CODE: %d"

const (
	// termGracePeriod is how long the user command gets to exit after a
	// termination signal before it is killed.
	termGracePeriod = 10 * time.Second

	// unmountTimeout bounds the best-effort share unmount during
	// shutdown.
	unmountTimeout = 2 * time.Second
)

// PrintExitCode prints the exit code line to the given writer, usually
// the console on [os.Stdout].
func PrintExitCode(dst io.Writer, exitCode int) {
	// Newlines before and after keep other console writes from mangling
	// the line.
	_, _ = fmt.Fprintf(dst, "\n"+ExitCodeFmt+"\n", exitCode)
}

// PrintError prints an error to the given writer.
func PrintError(dst io.Writer, err error) {
	_, _ = fmt.Fprintf(dst, "Error: %v\n", err)
}

// IsPidOne returns true if the running process has PID 1.
func IsPidOne() bool {
	return os.Getpid() == 1
}

// Poweroff shuts the system down. It only returns in case of error.
func Poweroff() error {
	// Silence the kernel so shutdown noise does not clutter the console.
	_ = sysctl("kernel/printk", "0")

	return reboot()
}

// Orchestrator sequences the guest boot: core mounts, config read,
// share mounts, module loading, user command, reaping and shutdown.
//
// The configuration lives on the kernel command line, which is only
// readable through /proc, so it is read as part of the boot sequence
// after the core mounts instead of being passed in up front.
type Orchestrator struct {
	cfg     Config
	mounter *Mounter
	loader  *Loader
	reaper  *Reaper
	state   State
	log     *log.Logger

	// The following hooks are replaceable for tests.
	readConfig    func() (Config, error)
	startCommand  func(Config) (*os.Process, error)
	setupDevLinks func() error
	setupNet      func() error
	virtiofsCheck func() (bool, error)

	termSignals chan os.Signal
}

// New creates an [Orchestrator].
func New() *Orchestrator {
	return &Orchestrator{
		mounter:      NewMounter(),
		loader:       NewLoader(LoadPolicyAbort),
		reaper:       NewReaper(),
		log:          log.New(os.Stdout, "kdf-init: ", 0),
		readConfig:   ReadConfig,
		startCommand: StartUserCommand,
		setupDevLinks: func() error {
			return CreateSymlinks(DevSymlinks())
		},
		setupNet:      ConfigureLoopback,
		virtiofsCheck: VirtiofsSupported,
		termSignals:   make(chan os.Signal, 1),
	}
}

// Run boots the system, runs the user command and returns its exit code.
//
// A non-nil error means the boot failed; the machine must still be shut
// down properly by the caller. Must run as PID 1.
func (o *Orchestrator) Run() (int, error) {
	o.enter(StateInit)
	signal.Notify(o.termSignals, unix.SIGTERM, unix.SIGINT)
	o.reaper.Start()

	defer o.shutdown()

	if err := o.boot(); err != nil {
		return -1, err
	}

	o.enter(StateRunningUserCommand)

	proc, err := o.startCommand(o.cfg)
	if err != nil {
		return -1, fmt.Errorf("user command: %w", err)
	}

	exitCode := o.reap(proc)

	return exitCode, nil
}

// boot advances through the setup states. Any returned error is fatal to
// the boot.
func (o *Orchestrator) boot() error {
	o.enter(StateMountingCore)

	warnings, err := o.mounter.MountAll(CoreMountPoints())
	o.warnAll(warnings)

	if err != nil {
		return err
	}

	// /proc is mounted now, the kernel command line is readable.
	cfg, err := o.readConfig()
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	o.cfg = cfg
	o.loader.Policy = cfg.ModulePolicy

	if err := o.setupDevLinks(); err != nil {
		o.log.Print("WARN ", err.Error())
	}

	if err := o.setupNet(); err != nil {
		o.log.Print("WARN loopback: ", err.Error())
	}

	o.enter(StateMountingShares)

	if err := o.mountShares(); err != nil {
		return err
	}

	o.enter(StateLoadingModules)

	if err := o.loadModules(); err != nil {
		return err
	}

	o.enter(StateReady)

	return nil
}

func (o *Orchestrator) mountShares() error {
	if len(o.cfg.Shares) == 0 {
		return nil
	}

	supported, err := o.virtiofsCheck()
	if err != nil {
		return err
	}

	if !supported {
		return ErrVirtiofsUnsupported
	}

	warnings, err := o.mounter.MountShares(o.cfg.Shares)
	o.warnAll(warnings)

	return err
}

func (o *Orchestrator) loadModules() error {
	specs, err := DiscoverModules(o.cfg.ModulesDir)
	if err != nil {
		return err
	}

	if len(specs) == 0 {
		return nil
	}

	err = o.loader.LoadAll(specs)
	if err == nil {
		return nil
	}

	// A cyclic set is always fatal: nothing was loaded and no policy can
	// make partial progress meaningful.
	if errors.Is(err, &CyclicDependencyError{}) {
		return err
	}

	if o.loader.Policy == LoadPolicyAbort {
		return err
	}

	o.log.Print("WARN ", err.Error())

	return nil
}

// reap is the steady state: wait for the user command to exit while the
// reaper collects orphans. A termination signal forwards to the command
// and escalates to SIGKILL after a grace period.
func (o *Orchestrator) reap(proc *os.Process) int {
	watch := o.reaper.Watch(proc.Pid)

	o.enter(StateReaping)

	select {
	case exitCode := <-watch:
		return exitCode
	case sig := <-o.termSignals:
		o.log.Print("INFO got signal ", sig.String())
		_ = proc.Signal(unix.SIGTERM)
	}

	select {
	case exitCode := <-watch:
		return exitCode
	case <-time.After(termGracePeriod):
		_ = proc.Kill()
	}

	return <-watch
}

// shutdown unmounts the shares best-effort and stops the background
// machinery. Errors are reported but never block the power-off path.
func (o *Orchestrator) shutdown() {
	o.enter(StateShuttingDown)

	targets := shareMountTargets(o.cfg.Shares)
	if len(targets) > 0 {
		err := o.mounter.UnmountTargetsTimeout(targets, unmountTimeout)
		if err != nil {
			o.log.Print("WARN unmount shares: ", err.Error())
		}
	}

	signal.Stop(o.termSignals)
	o.reaper.Stop()
}

func (o *Orchestrator) enter(state State) {
	o.state = state
	o.log.Print("INFO state ", state.String())
}

func (o *Orchestrator) warnAll(warnings MountWarnings) {
	for _, err := range warnings {
		o.log.Print("WARN optional mount failed: ", err.Error())
	}
}

// shareMountTargets returns all mount points the given shares produce, in
// mount order.
func shareMountTargets(shares []Share) []string {
	var targets []string

	for _, share := range shares {
		for _, spec := range share.mountSpecs() {
			targets = append(targets, spec.Target)
		}
	}

	return targets
}

// Main is the entry point of the init program. It never returns.
//
// It guards for PID 1, boots the system via [Orchestrator.Run], prints
// the exit code line for the host and powers the machine off. The
// configuration is read from the kernel command line during boot, after
// /proc is mounted. Boot failures are printed to the console before
// power-off, so a broken boot is visible instead of hanging.
func Main() {
	if !IsPidOne() {
		PrintError(os.Stderr, ErrNotPidOne)
		os.Exit(127)
	}

	exitCode, err := New().Run()
	if err != nil {
		PrintError(os.Stderr, err)

		if exitCode == 0 {
			exitCode = -1
		}
	}

	PrintExitCode(os.Stdout, exitCode)

	if err := Poweroff(); err != nil {
		PrintError(os.Stderr, err)
	}

	os.Exit(exitCode)
}
