// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/seed/atomicio"
	"github.com/AleutianAI/devac/services/seed/federation"
	"github.com/AleutianAI/devac/services/seed/gitmeta"
	"github.com/AleutianAI/devac/services/seed/store"
)

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithRepoID overrides git-derived repository identity, used by tests
// and CI environments without a checkout.
func WithRepoID(id string) GeneratorOption {
	return func(g *Generator) {
		g.repoID = id
	}
}

// Generator builds repository manifests from seed sidecars.
//
// # Description
//
//	Generation never opens partition files for statistics: counts come
//	from the stats.json sidecar each seed write refreshes. A corrupt or
//	missing sidecar degrades that package's entry to zero counts with a
//	warning instead of failing the whole manifest.
//
// # Thread Safety
//
//	Safe for concurrent use.
type Generator struct {
	store  *store.SeedStore
	writer *atomicio.Writer
	logger *logging.Logger
	repoID string
}

// NewGenerator creates a Generator. The store is used to aggregate
// external dependencies from seed partitions.
func NewGenerator(seedStore *store.SeedStore, logger *logging.Logger, opts ...GeneratorOption) *Generator {
	if logger == nil {
		logger = logging.Default()
	}
	g := &Generator{
		store:  seedStore,
		writer: atomicio.NewWriter(logger),
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate scans the repository for seeded packages and builds a full
// manifest. The result is not persisted; call Write for that.
func (g *Generator) Generate(ctx context.Context, repoRoot string) (*Manifest, error) {
	absRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if info, err := os.Stat(absRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, repoRoot)
	}

	packages, err := federation.DiscoverPackages(absRoot)
	if err != nil {
		return nil, err
	}

	repoID := g.repoID
	if repoID == "" {
		repoID = gitmeta.RepoID(absRoot)
	}

	m := &Manifest{
		Version:     ManifestVersion,
		RepoID:      repoID,
		GeneratedAt: time.Now().UTC(),
		Packages:    make([]PackageEntry, 0, len(packages)),
	}

	deps := make(map[string]Dependency)
	for _, pkg := range packages {
		pkgRoot := filepath.Join(absRoot, filepath.FromSlash(pkg.Path))
		m.Packages = append(m.Packages, g.packageEntry(pkg, pkgRoot))
		g.collectDependencies(ctx, pkgRoot, deps)
	}
	m.ExternalDependencies = sortedDependencies(deps)

	return m, nil
}

// Update refreshes the entries for the named package paths, preserving
// every other entry of the existing manifest. A missing manifest falls
// back to full generation.
func (g *Generator) Update(ctx context.Context, repoRoot string, pkgPaths []string) (*Manifest, error) {
	existing, err := Load(repoRoot)
	if err != nil {
		return g.Generate(ctx, repoRoot)
	}

	absRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	refresh := make(map[string]bool, len(pkgPaths))
	for _, p := range pkgPaths {
		refresh[filepath.ToSlash(p)] = true
	}

	packages, err := federation.DiscoverPackages(absRoot)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]PackageEntry, len(existing.Packages))
	for _, e := range existing.Packages {
		byPath[e.Path] = e
	}

	deps := make(map[string]Dependency)
	entries := make([]PackageEntry, 0, len(packages))
	for _, pkg := range packages {
		pkgRoot := filepath.Join(absRoot, filepath.FromSlash(pkg.Path))
		if prev, ok := byPath[pkg.Path]; ok && !refresh[pkg.Path] {
			entries = append(entries, prev)
		} else {
			entries = append(entries, g.packageEntry(pkg, pkgRoot))
		}
		g.collectDependencies(ctx, pkgRoot, deps)
	}

	existing.Packages = entries
	existing.GeneratedAt = time.Now().UTC()
	existing.ExternalDependencies = sortedDependencies(deps)
	return existing, nil
}

// Write persists a manifest atomically to <repoRoot>/.devac/manifest.json.
func (g *Generator) Write(repoRoot string, m *Manifest) error {
	return g.writer.WriteJSON(Path(repoRoot), m)
}

// Load reads and decodes an existing manifest.
func Load(repoRoot string) (*Manifest, error) {
	data, err := os.ReadFile(Path(repoRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, Path(repoRoot))
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return &m, nil
}

// packageEntry builds one entry from a package's stats sidecar.
func (g *Generator) packageEntry(pkg federation.Package, pkgRoot string) PackageEntry {
	entry := PackageEntry{
		Path:     pkg.Path,
		Name:     pkg.Name,
		SeedPath: filepath.ToSlash(filepath.Join(pkg.Path, ".devac", "seed")),
	}

	data, err := os.ReadFile(store.StatsPath(pkgRoot))
	if err != nil {
		g.logger.Slog().Warn("stats sidecar unreadable, using defaults",
			slog.String("package", pkg.Path),
			slog.String("error", err.Error()))
		return entry
	}
	var stats store.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		g.logger.Slog().Warn("stats sidecar corrupt, using defaults",
			slog.String("package", pkg.Path),
			slog.String("error", err.Error()))
		return entry
	}

	entry.LastAnalyzed = stats.LastAnalyzed
	entry.FileCount = stats.FileCount
	entry.NodeCount = stats.NodeCount
	entry.EdgeCount = stats.EdgeCount
	return entry
}

// collectDependencies folds a package's live external refs and its
// external_deps.json sidecar into deps, keyed by package name. Sidecar
// entries win: they carry version and origin metadata the imports lack.
// Failures degrade to a warning; the manifest still generates.
func (g *Generator) collectDependencies(ctx context.Context, pkgRoot string, deps map[string]Dependency) {
	if g.store != nil {
		rows, err := g.store.ReadBranch(ctx, pkgRoot, store.BranchBase)
		if err != nil {
			g.logger.Slog().Warn("reading external refs failed",
				slog.String("package", pkgRoot),
				slog.String("error", err.Error()))
		} else {
			for _, ref := range rows.ExternalRefs {
				if ref.IsDeleted || ref.ModuleSpecifier == "" {
					continue
				}
				if _, ok := deps[ref.ModuleSpecifier]; !ok {
					deps[ref.ModuleSpecifier] = Dependency{Package: ref.ModuleSpecifier}
				}
			}
		}
	}

	data, err := os.ReadFile(store.DepsPath(pkgRoot))
	if err != nil {
		return // the sidecar is optional
	}
	var sidecar []Dependency
	if err := json.Unmarshal(data, &sidecar); err != nil {
		g.logger.Slog().Warn("external deps sidecar corrupt, ignoring",
			slog.String("package", pkgRoot),
			slog.String("error", err.Error()))
		return
	}
	for _, dep := range sidecar {
		if dep.Package == "" {
			continue
		}
		deps[dep.Package] = dep
	}
}

func sortedDependencies(deps map[string]Dependency) []Dependency {
	out := make([]Dependency, 0, len(deps))
	for _, dep := range deps {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}
