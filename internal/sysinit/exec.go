// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"fmt"
	"os"
	"os/exec"
)

// StartUserCommand starts the configured user command as a child of
// PID 1.
//
// The init must not exec-replace itself: PID 1 has to stay around to reap
// orphans, so the command always runs as a forked child. Its exit status
// is delivered through the [Reaper], never via Wait on the returned
// process.
func StartUserCommand(cfg Config) (*os.Process, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("empty user command")
	}

	path := cfg.Command[0]
	if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	}

	cmd := exec.Command(path, cfg.Command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = userWorkDir(cfg)
	cmd.Env = userEnv(cfg)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command[0], err)
	}

	return cmd.Process, nil
}

// userWorkDir returns the working directory for the user command: the
// configured one, or the first share's mount point so a dev shell starts
// in the shared project directory.
func userWorkDir(cfg Config) string {
	if cfg.WorkDir != "" {
		return cfg.WorkDir
	}

	if len(cfg.Shares) > 0 {
		return cfg.Shares[0].Target
	}

	return "/"
}

// userEnv builds the environment for the user command: the init's own
// environment, one KDF_SHARE_* variable per mounted share and the
// configured extra variables.
func userEnv(cfg Config) []string {
	env := os.Environ()

	for _, share := range cfg.Shares {
		env = append(env, share.EnvName()+"="+share.Target)
	}

	for key, value := range sortedMap(cfg.Env) {
		env = append(env, key+"="+value)
	}

	return env
}
