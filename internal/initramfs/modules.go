// SPDX-FileCopyrightText: 2026 The kdf authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package initramfs

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const (
	// DefaultModulesDir is the archive directory the init looks kernel
	// modules up in.
	DefaultModulesDir = "/init-modules"

	// modDepFile is the dependency manifest the init reads.
	modDepFile = "modules.dep"
)

// Module is a kernel module to ship in the archive.
type Module struct {
	// Name identifies the module in dependency declarations. Usually the
	// file name without extensions.
	Name string

	// Path is the module file on the host.
	Path string

	// Deps are the names of modules that must be loaded before this one.
	Deps []string
}

// AddModules places the given modules in dir, in the given order, along
// with the dependency manifest.
//
// File names get a two digit position prefix, so the order survives the
// directory listing in the guest. The manifest maps module names to
// their dependencies; the guest derives the load order from it. The
// archived file carries the module name, not the host file name: the
// guest maps manifest entries back to files by name, so a module
// declared under a different name than its file would otherwise lose
// its dependencies.
func (b *Builder) AddModules(dir string, modules []Module) error {
	if len(modules) > 99 {
		return fmt.Errorf("too many modules: %d", len(modules))
	}

	for idx, module := range modules {
		base := filepath.Base(module.Path)

		extIdx := strings.Index(base, ".ko")
		if extIdx < 0 {
			return fmt.Errorf("module %s: %s is not a .ko file",
				module.Name, base)
		}

		name := fmt.Sprintf("%02d-%s%s", idx, module.Name, base[extIdx:])

		err := b.AddRegular(path.Join(dir, name), module.Path, dataFileMode)
		if err != nil {
			return err
		}
	}

	manifest := modDepManifest(modules)

	return b.AddVirtual(path.Join(dir, modDepFile), manifest, dataFileMode)
}

// modDepManifest renders the dependency manifest. One line per module:
// "name: dep dep".
func modDepManifest(modules []Module) []byte {
	var sb strings.Builder

	for _, module := range modules {
		sb.WriteString(module.Name)
		sb.WriteString(":")

		for _, dep := range module.Deps {
			sb.WriteString(" ")
			sb.WriteString(dep)
		}

		sb.WriteString("\n")
	}

	return []byte(sb.String())
}

// BuildImage assembles the standard kdf guest archive: the init binary
// at /init and the kernel modules with their manifest in modulesDir.
func BuildImage(initPath string, modules []Module, modulesDir string) (
	*Builder, error,
) {
	if modulesDir == "" {
		modulesDir = DefaultModulesDir
	}

	builder := &Builder{}

	if err := builder.AddRegular("init", initPath, execFileMode); err != nil {
		return nil, err
	}

	if len(modules) > 0 {
		if err := builder.AddModules(modulesDir, modules); err != nil {
			return nil, err
		}
	}

	return builder, nil
}
