// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package initramfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
)

// ErrEntryExists is returned if an archive path is added twice.
var ErrEntryExists = errors.New("entry already exists")

const (
	execFileMode = fs.FileMode(0o755)
	dataFileMode = fs.FileMode(0o644)
)

type entryType int

const (
	entryTypeDirectory entryType = iota
	entryTypeRegular
	entryTypeVirtual
	entryTypeLink
)

type entry struct {
	name string
	typ  entryType
	mode fs.FileMode

	// sourcePath is the host file to copy for regular entries and the
	// link target for link entries.
	sourcePath string

	// data is the content of virtual entries.
	data []byte
}

// Builder collects the entries of an initramfs archive.
//
// Entries are written in the order they were added. Parent directories
// are created implicitly. The zero value is ready to use.
type Builder struct {
	entries []entry
	names   map[string]bool
}

// AddRegular adds the host file sourcePath as name to the archive.
func (b *Builder) AddRegular(name, sourcePath string, mode fs.FileMode) error {
	return b.add(entry{
		name:       name,
		typ:        entryTypeRegular,
		mode:       mode,
		sourcePath: sourcePath,
	})
}

// AddVirtual adds a file with the given content to the archive.
func (b *Builder) AddVirtual(name string, data []byte, mode fs.FileMode) error {
	return b.add(entry{
		name: name,
		typ:  entryTypeVirtual,
		mode: mode,
		data: data,
	})
}

// AddSymlink adds a symbolic link pointing to target.
func (b *Builder) AddSymlink(name, target string) error {
	return b.add(entry{
		name:       name,
		typ:        entryTypeLink,
		sourcePath: target,
	})
}

// AddDirectory adds an empty directory to the archive.
func (b *Builder) AddDirectory(name string) error {
	name = normalize(name)
	if b.names[name] {
		return nil
	}

	return b.add(entry{
		name: name,
		typ:  entryTypeDirectory,
	})
}

func (b *Builder) add(e entry) error {
	e.name = normalize(e.name)
	if e.name == "" {
		return fmt.Errorf("empty entry name")
	}

	if b.names == nil {
		b.names = map[string]bool{}
	}

	if b.names[e.name] {
		return fmt.Errorf("%w: %s", ErrEntryExists, e.name)
	}

	if err := b.ensureParents(e.name); err != nil {
		return err
	}

	b.names[e.name] = true
	b.entries = append(b.entries, e)

	return nil
}

func (b *Builder) ensureParents(name string) error {
	dir := path.Dir(name)
	if dir == "." || b.names[dir] {
		return nil
	}

	if err := b.ensureParents(dir); err != nil {
		return err
	}

	b.names[dir] = true
	b.entries = append(b.entries, entry{
		name: dir,
		typ:  entryTypeDirectory,
	})

	return nil
}

// normalize strips the leading slash. CPIO archive paths are relative to
// the archive root.
func normalize(name string) string {
	return strings.TrimPrefix(path.Clean(name), "/")
}

// WriteTo writes the complete CPIO archive to the given writer.
func (b *Builder) WriteTo(dst io.Writer) error {
	writer := NewCPIOWriter(dst)

	for _, e := range b.entries {
		if err := b.writeEntry(writer, e); err != nil {
			_ = writer.Close()

			return err
		}
	}

	return writer.Close()
}

func (b *Builder) writeEntry(writer *CPIOWriter, e entry) error {
	switch e.typ {
	case entryTypeDirectory:
		return writer.WriteDirectory(e.name)
	case entryTypeRegular:
		source, err := os.Open(e.sourcePath)
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.name, err)
		}
		defer source.Close()

		info, err := source.Stat()
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.name, err)
		}

		if !info.Mode().IsRegular() {
			return fmt.Errorf("entry %s: %s is not a regular file",
				e.name, e.sourcePath)
		}

		return writer.WriteRegular(e.name, source, info.Size(), e.mode)
	case entryTypeVirtual:
		reader := bytes.NewReader(e.data)

		return writer.WriteRegular(e.name, reader, int64(len(e.data)), e.mode)
	case entryTypeLink:
		return writer.WriteLink(e.name, e.sourcePath)
	default:
		return fmt.Errorf("unknown entry type %d", e.typ)
	}
}

// WriteToTempFile writes the archive into a new file in the given
// directory and returns its name. If tmpDir is empty, the default
// directory is used as returned by [os.TempDir]. The caller is
// responsible for removing the file once it is not needed anymore.
func (b *Builder) WriteToTempFile(tmpDir string) (string, error) {
	file, err := os.CreateTemp(tmpDir, "kdf-initramfs-")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer file.Close()

	if err := b.WriteTo(file); err != nil {
		_ = os.Remove(file.Name())

		return "", fmt.Errorf("write archive: %w", err)
	}

	return file.Name(), nil
}
