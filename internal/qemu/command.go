// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Command is a single QEMU guest instance.
//
// Create it with [NewCommand], run it with [Command.Start] and wait for
// [Command.Done]. The guest process is deliberately not bound to a
// context: the caller terminates it gracefully via [Command.Signal] and
// escalates with [Command.Kill].
type Command struct {
	name string
	args []string

	cmd    *exec.Cmd
	parser *consoleParser
	done   chan struct{}

	waitErr error
}

// NewCommand validates the spec and compiles the QEMU command from it.
func NewCommand(spec CommandSpec) (*Command, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	args, err := BuildArgumentStrings(spec.arguments())
	if err != nil {
		return nil, err
	}

	return &Command{
		name: spec.Executable,
		args: args,
		done: make(chan struct{}),
	}, nil
}

// String implements [fmt.Stringer].
//
// It returns the complete command line for display purposes.
func (c *Command) String() string {
	return (&exec.Cmd{Path: c.name, Args: append([]string{c.name}, c.args...)}).String()
}

// Args returns the arguments the QEMU binary is invoked with.
func (c *Command) Args() []string {
	return c.args
}

// Start starts the guest with the given standard streams attached.
//
// The console output written to stdout passes through a parser that
// records the exit code line printed by the guest init. Start returns as
// soon as the process runs; termination is signaled via [Command.Done].
func (c *Command) Start(stdin io.Reader, stdout, stderr io.Writer) error {
	if c.cmd != nil {
		return fmt.Errorf("guest already started")
	}

	c.parser = &consoleParser{dst: stdout}

	cmd := exec.Command(c.name, c.args...)
	cmd.Stdin = stdin
	cmd.Stdout = c.parser
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.name, err)
	}

	c.cmd = cmd

	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()

	return nil
}

// Done returns a channel that is closed once the guest process
// terminated.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Result returns the exit code the guest communicated on its console.
//
// Must be called after [Command.Done] is closed. A guest that terminated
// without printing the exit code line yields a [CommandError]: with the
// Guest flag set if the console showed a panic or OOM, without it if the
// QEMU process itself failed.
func (c *Command) Result() (int, error) {
	exitCode, err := c.parser.result()
	if err == nil {
		return exitCode, nil
	}

	// A failed QEMU invocation explains a missing exit code line better
	// than the line's absence itself.
	if c.waitErr != nil && !isExitError(c.waitErr) {
		return -1, &CommandError{Err: c.waitErr}
	}

	return exitCode, err
}

// Signal sends the given signal to the guest process.
func (c *Command) Signal(sig os.Signal) error {
	return c.cmd.Process.Signal(sig)
}

// Kill terminates the guest process immediately.
func (c *Command) Kill() error {
	return c.cmd.Process.Kill()
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError

	return errors.As(err, &exitErr)
}
