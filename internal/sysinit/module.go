// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sysinit

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ModDepFile is the name of the module dependency manifest inside the
// module directory. Each line has the form "name: dep1 dep2".
const ModDepFile = "modules.dep"

const (
	moduleTypeUnknown moduleType = ""
	moduleTypePlain   moduleType = ".ko"
	moduleTypeGZIP    moduleType = ".ko.gz"
	moduleTypeXZ      moduleType = ".ko.xz"
	moduleTypeZSTD    moduleType = ".ko.zst"
)

type moduleType string

func parseModuleType(fileName string) moduleType {
	types := []moduleType{
		moduleTypePlain,
		moduleTypeGZIP,
		moduleTypeXZ,
		moduleTypeZSTD,
	}

	for _, typ := range types {
		if strings.HasSuffix(fileName, string(typ)) {
			return typ
		}
	}

	return moduleTypeUnknown
}

// ModuleSpec describes a kernel module to load.
type ModuleSpec struct {
	// Name is the module name without path, order prefix or extensions.
	Name string

	// Path is the absolute path of the module file in the initramfs.
	Path string

	// Deps are the names of modules that must be loaded before this one.
	// Dependencies that are not part of the loaded set are assumed to be
	// built into the kernel and are ignored.
	Deps []string
}

// LoadPolicy determines how the loader handles individual load failures.
type LoadPolicy int

const (
	// LoadPolicyAbort stops at the first failed module load.
	LoadPolicyAbort LoadPolicy = iota

	// LoadPolicyCollect continues loading and reports all failures at the
	// end, joined.
	LoadPolicyCollect
)

// ParseLoadPolicy parses the kernel command line form of a [LoadPolicy].
func ParseLoadPolicy(s string) (LoadPolicy, error) {
	switch s {
	case "", "abort":
		return LoadPolicyAbort, nil
	case "collect":
		return LoadPolicyCollect, nil
	default:
		return LoadPolicyAbort, fmt.Errorf("unknown module load policy: %q", s)
	}
}

// Loader loads kernel modules in dependency order.
type Loader struct {
	// Policy determines handling of individual load failures. Cyclic
	// dependencies always fail before any module is loaded, regardless of
	// policy.
	Policy LoadPolicy

	loadFunc func(path, params string) error
}

// NewLoader creates a [Loader] using the real module syscalls.
func NewLoader(policy LoadPolicy) *Loader {
	return &Loader{
		Policy:   policy,
		loadFunc: LoadModule,
	}
}

// LoadAll loads the given modules so that each module is loaded after all
// of its dependencies.
//
// Modules without ordering constraints between them keep their input
// order. If the dependency graph has a cycle, a [*CyclicDependencyError]
// is returned before any module is loaded.
func (l *Loader) LoadAll(specs []ModuleSpec) error {
	order, err := sortModules(specs)
	if err != nil {
		return err
	}

	var errs []error

	for _, spec := range order {
		if err := l.loadFunc(spec.Path, ""); err != nil {
			loadErr := &ModuleLoadError{Name: spec.Name, Err: err}
			if l.Policy == LoadPolicyAbort {
				return loadErr
			}

			errs = append(errs, loadErr)
		}
	}

	return errors.Join(errs...)
}

// sortModules orders the specs topologically by their dependencies.
// Ties are broken by input order, so the result is stable. Dependencies
// that do not name a spec in the set are ignored.
func sortModules(specs []ModuleSpec) ([]ModuleSpec, error) {
	inSet := make(map[string]bool, len(specs))
	for _, spec := range specs {
		inSet[spec.Name] = true
	}

	loaded := make(map[string]bool, len(specs))
	order := make([]ModuleSpec, 0, len(specs))

	// Repeatedly pick the first not-yet-ordered module whose in-set
	// dependencies are all ordered. Quadratic, but module sets are tiny.
	for len(order) < len(specs) {
		progress := false

		for _, spec := range specs {
			if loaded[spec.Name] {
				continue
			}

			ready := !slices.ContainsFunc(spec.Deps, func(dep string) bool {
				return inSet[dep] && !loaded[dep]
			})
			if !ready {
				continue
			}

			loaded[spec.Name] = true
			order = append(order, spec)
			progress = true
		}

		if !progress {
			var cycle []string

			for _, spec := range specs {
				if !loaded[spec.Name] {
					cycle = append(cycle, spec.Name)
				}
			}

			return nil, &CyclicDependencyError{Modules: cycle}
		}
	}

	return order, nil
}

// DiscoverModules builds the [ModuleSpec] set from a module directory as
// laid out by the initramfs builder: module files with stable order
// prefixes plus a [ModDepFile] manifest.
//
// A missing directory yields an empty set, not an error, so images
// without modules boot cleanly.
func DiscoverModules(dir string) ([]ModuleSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read module dir: %w", err)
	}

	depFile, err := os.Open(filepath.Join(dir, ModDepFile))
	deps := map[string][]string{}

	if err == nil {
		deps, err = parseModDeps(depFile)
		_ = depFile.Close()

		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", ModDepFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open %s: %w", ModDepFile, err)
	}

	var specs []ModuleSpec

	for _, entry := range entries {
		if !entry.Type().IsRegular() || entry.Name() == ModDepFile {
			continue
		}

		if parseModuleType(entry.Name()) == moduleTypeUnknown {
			continue
		}

		name := moduleName(entry.Name())
		specs = append(specs, ModuleSpec{
			Name: name,
			Path: filepath.Join(dir, entry.Name()),
			Deps: deps[name],
		})
	}

	return specs, nil
}

// moduleName strips the order prefix and all extensions from a module
// file name: "01-virtio_net.ko.gz" becomes "virtio_net".
func moduleName(fileName string) string {
	name := fileName

	if len(name) > 3 && name[2] == '-' &&
		name[0] >= '0' && name[0] <= '9' &&
		name[1] >= '0' && name[1] <= '9' {
		name = name[3:]
	}

	if idx := strings.Index(name, ".ko"); idx >= 0 {
		name = name[:idx]
	}

	return name
}

func parseModDeps(r io.Reader) (map[string][]string, error) {
	deps := make(map[string][]string)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, depList, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed line: %q", line)
		}

		deps[strings.TrimSpace(name)] = strings.Fields(depList)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	return deps, nil
}

// LoadModule loads the kernel module located at the given path with the
// given parameters.
//
// The file may be compressed. finit_module(2) is tried first, with
// init_module(2) as fallback for kernels without finit support.
func LoadModule(path string, params string) error {
	module, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer module.Close()

	return loadModule(module, params)
}

func loadModule(module *os.File, params string) error {
	typ := parseModuleType(module.Name())

	err := finitModule(int(module.Fd()), params, finitFlagsFor(typ))
	if !errors.Is(err, errors.ErrUnsupported) {
		return err
	}

	moduleReader, err := newModuleReader(module, typ)
	if err != nil {
		return fmt.Errorf("module reader: %w", err)
	}

	var data bytes.Buffer

	_, err = data.ReadFrom(moduleReader)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}

	return initModule(data.Bytes(), params)
}

func newModuleReader(fileReader io.Reader, typ moduleType) (io.Reader, error) {
	switch typ {
	case moduleTypePlain:
		return fileReader, nil
	case moduleTypeGZIP:
		gzipReader, err := gzip.NewReader(fileReader)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}

		return gzipReader, nil
	default:
		return nil, fmt.Errorf("extension %s: %w", typ, errors.ErrUnsupported)
	}
}

func finitFlagsFor(typ moduleType) finitFlags {
	var flags finitFlags

	supportedTypes := []moduleType{
		moduleTypeGZIP,
		moduleTypeXZ,
		moduleTypeZSTD,
	}

	if slices.Contains(supportedTypes, typ) {
		flags |= finitFlagCompressedFile
	}

	return flags
}
