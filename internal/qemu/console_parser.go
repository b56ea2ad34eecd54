// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"sync"
)

var (
	exitCodeRE = regexp.MustCompile(`^KDF_EXIT_CODE: (-?[0-9]+)\r?$`)
	panicRE    = regexp.MustCompile(`^\[[0-9. ]+\] Kernel panic - not syncing: `)
	oomRE      = regexp.MustCompile(`^\[[0-9. ]+\] Out of memory: `)
)

// maxLineLen bounds the partial line buffer. All lines of interest are
// far shorter.
const maxLineLen = 4096

// consoleParser watches the guest console stream for the exit code line,
// kernel panics and OOM messages.
//
// It forwards all bytes to dst unmodified and immediately, so interactive
// sessions keep working. Line inspection happens on the side.
type consoleParser struct {
	dst io.Writer

	mu            sync.Mutex
	buf           []byte
	exitCode      int
	exitCodeFound bool
	err           error
}

// Write implements [io.Writer].
func (p *consoleParser) Write(data []byte) (int, error) {
	p.mu.Lock()

	p.buf = append(p.buf, data...)

	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}

		p.parseLine(p.buf[:idx])
		p.buf = p.buf[idx+1:]
	}

	if len(p.buf) > maxLineLen {
		p.buf = p.buf[:0]
	}

	p.mu.Unlock()

	return p.dst.Write(data)
}

func (p *consoleParser) parseLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))

	switch {
	case oomRE.Match(line):
		p.err = ErrGuestOom
	case panicRE.Match(line):
		p.err = ErrGuestPanic
	case !p.exitCodeFound:
		if m := exitCodeRE.FindSubmatch(line); m != nil {
			code, err := strconv.Atoi(string(m[1]))
			if err == nil {
				p.exitCode = code
				p.exitCodeFound = true
			}
		}
	}
}

// result returns the exit code communicated by the guest.
//
// If the guest hit a fatal condition or never printed the exit code line,
// a [CommandError] with the Guest flag set is returned.
func (p *consoleParser) result() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.err
	if err == nil && !p.exitCodeFound {
		err = ErrGuestNoExitCodeFound
	}

	if err != nil {
		return -1, &CommandError{
			Guest:    true,
			ExitCode: p.exitCode,
			Err:      err,
		}
	}

	return p.exitCode, nil
}
