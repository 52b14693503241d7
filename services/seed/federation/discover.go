// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package federation

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Package is one discovered seed-bearing package.
type Package struct {
	// Name is the display name: the package.json name with any scope
	// stripped, or the directory name when no package.json exists.
	Name string `json:"name"`

	// Path is the package root, relative to the repository root
	// ("." for the root itself).
	Path string `json:"path"`
}

// skippedDirs are never descended into during discovery.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

// DiscoverPackages walks a repository tree looking for packages that
// carry a seed, identified by the presence of `.devac/seed/base`.
//
// node_modules and dotted infrastructure directories are excluded. The
// repository root itself is eligible when it directly contains seeds.
// Results are sorted by path for deterministic output.
func DiscoverPackages(root string) ([]Package, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	if info, err := os.Stat(absRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("discovering packages in %s: not a directory", root)
	}

	var packages []Package
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != absRoot && (skippedDirs[name] || strings.HasPrefix(name, ".")) {
			return fs.SkipDir
		}

		if hasSeed(path) {
			rel, err := filepath.Rel(absRoot, path)
			if err != nil {
				rel = path
			}
			packages = append(packages, Package{
				Name: displayName(path),
				Path: filepath.ToSlash(rel),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Slice(packages, func(i, j int) bool { return packages[i].Path < packages[j].Path })
	return packages, nil
}

// hasSeed reports whether dir directly contains a base seed partition
// directory.
func hasSeed(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".devac", "seed", "base"))
	return err == nil && info.IsDir()
}

// displayName derives a package's display name: the package.json name
// with any @scope/ prefix stripped to the last path segment, falling
// back to the directory name.
func displayName(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err == nil {
		var pkg struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(data, &pkg) == nil && pkg.Name != "" {
			if idx := strings.LastIndex(pkg.Name, "/"); idx >= 0 {
				return pkg.Name[idx+1:]
			}
			return pkg.Name
		}
	}
	return filepath.Base(dir)
}

// PackageRoots turns a discovery result into the name-to-absolute-path
// map consumed by PreprocessSQL and SetupQueryContext.
func PackageRoots(repoRoot string, packages []Package) map[string]string {
	roots := make(map[string]string, len(packages))
	for _, p := range packages {
		roots[p.Name] = filepath.Join(repoRoot, filepath.FromSlash(p.Path))
	}
	return roots
}
