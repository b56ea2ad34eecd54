// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
)

const (
	machineTypeQ35  = "q35"
	machineTypeVirt = "virt"

	// memBackendID is the id of the shared memory backend required by
	// vhost-user-fs devices.
	memBackendID = "kdf-mem"

	// daxCacheSize is the size of the DAX cache window mapped into the
	// guest for shares with DAX enabled.
	daxCacheSize = "2G"
)

// ShareDevice attaches one virtiofs share daemon to the guest.
type ShareDevice struct {
	// Tag is the mount tag the guest uses to identify the share.
	Tag string

	// SocketPath is the vhost-user socket of the share daemon.
	SocketPath string

	// DAX maps host file pages directly into the guest.
	DAX bool
}

// CommandSpec defines the parameters for a [Command].
type CommandSpec struct {
	// Path to the qemu-system binary.
	Executable string

	// Path to the kernel to boot. The kernel needs CONFIG_VIRTIO_FS for
	// shares to work.
	Kernel string

	// Path to the initramfs to boot with. This is supposed to be built
	// with the initramfs sub package with the init from the sysinit sub
	// package.
	Initramfs string

	// QEMU machine type to use. Depends on the QEMU binary used.
	Machine string

	// CPU type to use. Depends on machine type and QEMU binary used.
	CPU string

	// Number of CPUs for the guest.
	SMP uint64

	// Memory for the machine.
	Memory datasize.ByteSize

	// Disable KVM support.
	NoKVM bool

	// Shares are the virtiofs share devices to attach.
	Shares []ShareDevice

	// Append are additional kernel cmdline parameters. They are passed
	// verbatim after the fixed ones.
	Append []string

	// ExtraArgs are extra arguments that are passed to the QEMU command.
	// They must not interfere with the essential arguments set by the
	// command itself or an error will be returned on [Command.Run].
	ExtraArgs []Argument

	// Increase guest kernel logging.
	Verbose bool
}

// AddDefaultsFor adds architecture specific default values to the given
// spec if the fields are not set yet.
func (s *CommandSpec) AddDefaultsFor(arch string) error {
	var (
		executable string
		machine    string
	)

	switch arch {
	case "amd64":
		executable = "qemu-system-x86_64"
		machine = machineTypeQ35
	case "arm64":
		executable = "qemu-system-aarch64"
		machine = machineTypeVirt
	default:
		return &ArgumentError{"arch not supported: " + arch}
	}

	if s.Executable == "" {
		s.Executable = executable
	}

	if s.Machine == "" {
		s.Machine = machine
	}

	if !s.NoKVM {
		s.NoKVM = !KVMAvailableFor(arch)
	}

	return nil
}

// Validate checks for missing parameters and known incompatibilities.
func (s *CommandSpec) Validate() error {
	if s.Executable == "" {
		return &ArgumentError{"executable must be set"}
	}

	if s.Kernel == "" {
		return &ArgumentError{"kernel must be set"}
	}

	if s.Initramfs == "" {
		return &ArgumentError{"initramfs must be set"}
	}

	tags := make(map[string]bool, len(s.Shares))

	for _, share := range s.Shares {
		switch {
		case share.Tag == "":
			return &ArgumentError{"share tag must be set"}
		case share.SocketPath == "":
			return &ArgumentError{
				"share " + share.Tag + ": socket path must be set",
			}
		case tags[share.Tag]:
			return &ArgumentError{"duplicate share tag: " + share.Tag}
		}

		tags[share.Tag] = true
	}

	// The shared memory backend is sized from Memory; size=0 is not a
	// valid memfd backend.
	if len(s.Shares) > 0 && s.Memory == 0 {
		return &ArgumentError{"memory must be set when shares are attached"}
	}

	return nil
}

// arguments compiles the argument list for the QEMU command.
func (s *CommandSpec) arguments() []Argument {
	args := []Argument{
		UniqueArg("kernel", s.Kernel),
		UniqueArg("initrd", s.Initramfs),
		UniqueArg("machine", s.machineValue()),
	}

	if s.CPU != "" {
		args = append(args, UniqueArg("cpu", s.CPU))
	}

	if s.SMP != 0 {
		args = append(args, UniqueArg("smp", strconv.FormatUint(s.SMP, 10)))
	}

	if s.Memory != 0 {
		args = append(args, UniqueArg("m", s.memoryValue()))
	}

	if !s.NoKVM {
		args = append(args, UniqueArg("enable-kvm", ""))
	}

	// vhost-user-fs devices require guest memory the daemons can map, so
	// back all of it by a shared memfd.
	if len(s.Shares) > 0 {
		args = append(args, UniqueArg("object", strings.Join([]string{
			"memory-backend-memfd",
			"id=" + memBackendID,
			"size=" + s.memoryValue(),
			"share=on",
		}, ",")))
	}

	for idx, share := range s.Shares {
		args = append(args, share.arguments(idx)...)
	}

	args = append(args,
		// Serial console and QEMU monitor multiplexed on stdio.
		UniqueArg("serial", "mon:stdio"),
		// Disable video output.
		UniqueArg("display", "none"),
		// Guest must not reboot. The init uses reboot to power off, which
		// terminates QEMU this way.
		UniqueArg("no-reboot"),
		// Do not load any user config files.
		UniqueArg("no-user-config"),
	)

	args = append(args, s.ExtraArgs...)

	kernelCmdline := strings.Join(s.kernelCmdlineArgs(), " ")
	args = append(args, RepeatableArg("append", kernelCmdline))

	return args
}

func (s *CommandSpec) machineValue() string {
	if len(s.Shares) == 0 {
		return s.Machine
	}

	return s.Machine + ",memory-backend=" + memBackendID
}

func (s *CommandSpec) memoryValue() string {
	mb := uint64(s.Memory) / uint64(datasize.MB)

	return strconv.FormatUint(mb, 10) + "M"
}

// kernelCmdlineArgs returns the kernel cmdline arguments.
func (s *CommandSpec) kernelCmdlineArgs() []string {
	cmdline := []string{
		"console=" + s.consoleDeviceName(),
		"panic=-1",
	}

	if s.Verbose {
		cmdline = append(cmdline, "debug")
	} else {
		cmdline = append(cmdline, "quiet")
	}

	cmdline = append(cmdline, s.Append...)

	return cmdline
}

func (s *CommandSpec) consoleDeviceName() string {
	if s.Machine == machineTypeVirt ||
		strings.HasPrefix(s.Machine, machineTypeVirt+",") {
		return "ttyAMA0"
	}

	return "ttyS0"
}

// arguments returns the chardev and device arguments attaching the share
// to the guest.
func (d ShareDevice) arguments(idx int) []Argument {
	chardevID := fmt.Sprintf("charfs%d", idx)

	deviceOpts := []string{
		"vhost-user-fs-pci",
		"queue-size=1024",
		"chardev=" + chardevID,
		"tag=" + d.Tag,
	}

	if d.DAX {
		deviceOpts = append(deviceOpts, "cache-size="+daxCacheSize)
	}

	return []Argument{
		RepeatableArg("chardev",
			"socket", "id="+chardevID, "path="+d.SocketPath),
		RepeatableArg("device", deviceOpts...),
	}
}
