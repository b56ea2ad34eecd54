// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"fmt"
	"strings"
)

// Argument is one QEMU command line argument, "-name" or "-name value".
//
// Most QEMU arguments may be given only once. Device-like arguments such
// as -chardev and -device repeat, one per attached resource; the share
// devices rely on that.
type Argument struct {
	name       string
	value      string
	repeatable bool
}

// UniqueArg returns an [Argument] that may appear only once in a
// command line. Multiple values are joined with commas.
func UniqueArg(name string, value ...string) Argument {
	return Argument{
		name:  name,
		value: strings.Join(value, ","),
	}
}

// RepeatableArg returns an [Argument] that may appear multiple times in
// a command line, as long as the values differ. Multiple values are
// joined with commas.
func RepeatableArg(name string, value ...string) Argument {
	return Argument{
		name:       name,
		value:      strings.Join(value, ","),
		repeatable: true,
	}
}

// String implements [fmt.Stringer].
func (a Argument) String() string {
	if a.value == "" {
		return "-" + a.name
	}

	return "-" + a.name + " " + a.value
}

// collidesWith reports whether the two arguments cannot coexist in one
// command line. Repeatable arguments collide only on identical values.
// If either argument is unique, the name alone collides: a caller
// passing extra arguments must not silently override an essential one.
func (a Argument) collidesWith(other Argument) bool {
	if a.name != other.name {
		return false
	}

	if a.repeatable && other.repeatable {
		return a.value == other.value
	}

	return true
}

// BuildArgumentStrings compiles the [Argument]s into the string slice
// form [os/exec.Command] takes.
//
// It returns an error wrapping [ErrArgumentCollision] if any two
// arguments collide.
func BuildArgumentStrings(args []Argument) ([]string, error) {
	argStrings := make([]string, 0, len(args))

	for idx, arg := range args {
		for _, prev := range args[:idx] {
			if arg.collidesWith(prev) {
				return nil, fmt.Errorf("%w: %s, %s",
					ErrArgumentCollision, arg, prev)
			}
		}

		argStrings = append(argStrings, "-"+arg.name)

		if arg.value != "" {
			argStrings = append(argStrings, arg.value)
		}
	}

	return argStrings, nil
}
