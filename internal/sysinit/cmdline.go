// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"fmt"
	"os"
	"strings"
)

const procCmdline = "/proc/cmdline"

// Kernel command line keys understood by the init. The host side composes
// these, see the session package.
const (
	CmdlineKeyShares    = "kdf.virtiofs"
	CmdlineKeyModDir    = "kdf.moddir"
	CmdlineKeyModPolicy = "kdf.modpolicy"
	CmdlineKeyCommand   = "kdf.cmd"
	CmdlineKeyWorkDir   = "kdf.wd"
	CmdlineKeyEnvPrefix = "kdf.env."
)

// DefaultModulesDir is the module directory used if the command line does
// not set one. It matches the initramfs builder's default.
const DefaultModulesDir = "/init-modules"

// DefaultCommand is run if the command line does not name a command.
var DefaultCommand = []string{"/bin/sh"}

// Config is the guest boot configuration.
//
// It is decoded once from the kernel command line and treated as
// read-only for the rest of the boot.
type Config struct {
	// Shares are the virtiofs shares to mount, in mount order.
	Shares []Share

	// ModulesDir is the directory containing kernel modules and the
	// dependency manifest.
	ModulesDir string

	// ModulePolicy determines whether a module load failure aborts boot.
	ModulePolicy LoadPolicy

	// Env are additional environment variables for the user command.
	Env map[string]string

	// Command is the user command to run once the system is up.
	Command []string

	// WorkDir is the working directory for the user command. If empty, the
	// first share's target is used, if any.
	WorkDir string
}

// ReadConfig reads and parses the kernel command line.
//
// Only /proc must be mounted for this to work.
func ReadConfig() (Config, error) {
	cmdline, err := os.ReadFile(procCmdline)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", procCmdline, err)
	}

	return ParseCmdline(strings.TrimSpace(string(cmdline)))
}

// ParseCmdline parses the kdf.* parameters from a kernel command line.
// Unknown parameters are ignored, they belong to the kernel.
func ParseCmdline(cmdline string) (Config, error) {
	cfg := Config{
		ModulesDir: DefaultModulesDir,
		Env:        map[string]string{},
		Command:    DefaultCommand,
	}

	for _, param := range strings.Fields(cmdline) {
		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}

		switch key {
		case CmdlineKeyShares:
			shares, err := parseShareList(value)
			if err != nil {
				return Config{}, err
			}

			cfg.Shares = shares
		case CmdlineKeyModDir:
			cfg.ModulesDir = value
		case CmdlineKeyModPolicy:
			policy, err := ParseLoadPolicy(value)
			if err != nil {
				return Config{}, err
			}

			cfg.ModulePolicy = policy
		case CmdlineKeyCommand:
			if value != "" {
				cfg.Command = strings.Split(value, ",")
			}
		case CmdlineKeyWorkDir:
			cfg.WorkDir = value
		default:
			if envKey, ok := strings.CutPrefix(key, CmdlineKeyEnvPrefix); ok {
				cfg.Env[envKey] = value
			}
		}
	}

	return cfg, nil
}

func parseShareList(value string) ([]Share, error) {
	var shares []Share

	for _, shareSpec := range strings.Split(value, ",") {
		if shareSpec == "" {
			continue
		}

		share, err := ParseShare(shareSpec)
		if err != nil {
			return nil, err
		}

		shares = append(shares, share)
	}

	return shares, nil
}
