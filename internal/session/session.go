// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/kdf-project/kdf/internal/sysinit"
	"github.com/kdf-project/kdf/internal/virtiofsd"
)

// DefaultGracePeriod is the time a terminating guest gets between
// SIGTERM and SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// Session describes one guest run: the machine, the shares and what to
// run inside.
type Session struct {
	// Kernel is the path of the kernel to boot.
	Kernel string

	// Initramfs is the path of the initramfs containing the init.
	Initramfs string

	// Shares are the host directories exported to the guest, in guest
	// mount order.
	Shares []virtiofsd.ShareSpec

	// Memory for the guest.
	Memory datasize.ByteSize

	// SMP is the number of guest CPUs.
	SMP uint64

	// ModulesDir overrides the module directory the init loads kernel
	// modules from.
	ModulesDir string

	// ModulePolicy is passed to the init. See [sysinit.LoadPolicy].
	ModulePolicy string

	// Command is the command the init runs once the guest is up. Empty
	// means the init's default shell.
	Command []string

	// Env are extra environment variables for the guest command.
	Env map[string]string

	// WorkDir is the working directory for the guest command.
	WorkDir string

	// ExtraCmdline are additional kernel command line parameters.
	ExtraCmdline []string

	// QemuBinary overrides the QEMU executable.
	QemuBinary string

	// Machine overrides the QEMU machine type.
	Machine string

	// CPU overrides the QEMU CPU type.
	CPU string

	// NoKVM disables KVM acceleration.
	NoKVM bool

	// Verbose increases guest kernel logging.
	Verbose bool

	// GracePeriod between SIGTERM and SIGKILL for the guest. Defaults to
	// [DefaultGracePeriod].
	GracePeriod time.Duration

	// Stdin, Stdout and Stderr are attached to the guest console. They
	// default to the process's standard streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// cmdlineArgs compiles the kdf.* kernel command line parameters the init
// in the guest consumes.
//
// Kernel command line parameters are space separated, so none of the
// composed values may contain spaces. Values that do are rejected by
// [Session.Validate].
func (s *Session) cmdlineArgs() []string {
	var args []string

	if len(s.Shares) > 0 {
		shares := make([]string, 0, len(s.Shares))
		for _, share := range s.Shares {
			shares = append(shares, shareCmdlineArg(share))
		}

		args = append(args,
			sysinit.CmdlineKeyShares+"="+strings.Join(shares, ","))
	}

	if s.ModulesDir != "" {
		args = append(args, sysinit.CmdlineKeyModDir+"="+s.ModulesDir)
	}

	if s.ModulePolicy != "" {
		args = append(args, sysinit.CmdlineKeyModPolicy+"="+s.ModulePolicy)
	}

	if len(s.Command) > 0 {
		args = append(args,
			sysinit.CmdlineKeyCommand+"="+strings.Join(s.Command, ","))
	}

	if s.WorkDir != "" {
		args = append(args, sysinit.CmdlineKeyWorkDir+"="+s.WorkDir)
	}

	for _, key := range slices.Sorted(maps.Keys(s.Env)) {
		args = append(args, sysinit.CmdlineKeyEnvPrefix+key+"="+s.Env[key])
	}

	args = append(args, s.ExtraCmdline...)

	return args
}

func shareCmdlineArg(share virtiofsd.ShareSpec) string {
	arg := share.Tag + ":" + share.GuestPath

	if share.Overlay {
		arg += ":overlay"
	}

	if share.DAX {
		arg += ":dax"
	}

	return arg
}

// Validate checks the session parameters that the later stages rely on.
func (s *Session) Validate() error {
	if s.Kernel == "" {
		return errors.New("kernel must be set")
	}

	if s.Initramfs == "" {
		return errors.New("initramfs must be set")
	}

	for _, share := range s.Shares {
		if err := share.Validate(); err != nil {
			return err
		}
	}

	for _, arg := range s.cmdlineArgs() {
		if strings.ContainsAny(arg, " \t") {
			return fmt.Errorf("cmdline parameter contains spaces: %q", arg)
		}
	}

	return nil
}

func (s *Session) gracePeriod() time.Duration {
	if s.GracePeriod != 0 {
		return s.GracePeriod
	}

	return DefaultGracePeriod
}

func (s *Session) stdin() io.Reader {
	if s.Stdin != nil {
		return s.Stdin
	}

	return os.Stdin
}

func (s *Session) stdout() io.Writer {
	if s.Stdout != nil {
		return s.Stdout
	}

	return os.Stdout
}

func (s *Session) stderr() io.Writer {
	if s.Stderr != nil {
		return s.Stderr
	}

	return os.Stderr
}
