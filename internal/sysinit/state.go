// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

// State is a phase of the boot sequence.
//
// The [Orchestrator] advances strictly forward through the states. Any
// fatal error short-circuits to [StateShuttingDown].
type State int

const (
	// StateInit is the initial state: signal handlers installed, reaper
	// running.
	StateInit State = iota

	// StateMountingCore mounts the pseudo file systems.
	StateMountingCore

	// StateMountingShares mounts the virtiofs shares, in the order
	// supplied.
	StateMountingShares

	// StateLoadingModules loads kernel modules in dependency order.
	StateLoadingModules

	// StateReady is reached once the system is fully set up.
	StateReady

	// StateRunningUserCommand covers starting the user command.
	StateRunningUserCommand

	// StateReaping is the steady state: the user command runs, PID 1
	// reaps orphans until the command exits or a termination signal
	// arrives.
	StateReaping

	// StateShuttingDown unmounts shares best-effort and powers off.
	StateShuttingDown
)

var stateNames = map[State]string{
	StateInit:               "init",
	StateMountingCore:       "mounting-core",
	StateMountingShares:     "mounting-shares",
	StateLoadingModules:     "loading-modules",
	StateReady:              "ready",
	StateRunningUserCommand: "running-user-command",
	StateReaping:            "reaping",
	StateShuttingDown:       "shutting-down",
}

// String implements [fmt.Stringer].
func (s State) String() string {
	name, ok := stateNames[s]
	if !ok {
		return "unknown"
	}

	return name
}
