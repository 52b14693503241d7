// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest generates and validates the repository manifest: the
// single JSON document that tells consumers which packages carry seeds,
// where their partitions live, and how fresh they are.
package manifest

import (
	"path/filepath"
	"time"
)

// ManifestVersion is written to every generated manifest and checked on
// validation.
const ManifestVersion = "2.0"

// ManifestName is the manifest file name under the repository's .devac
// directory.
const ManifestName = "manifest.json"

// Manifest is the repository-level seed index.
type Manifest struct {
	Version     string    `json:"version" validate:"required,eq=2.0"`
	RepoID      string    `json:"repo_id" validate:"required"`
	GeneratedAt time.Time `json:"generated_at" validate:"required"`

	Packages []PackageEntry `json:"packages" validate:"dive"`

	// ExternalDependencies aggregates dependencies across all packages,
	// deduplicated by package name and sorted. Entries come from live
	// external_refs rows and, when present, a package's external_deps.json
	// sidecar (which can carry version and origin repo metadata the
	// source imports alone cannot).
	ExternalDependencies []Dependency `json:"external_dependencies" validate:"dive"`
}

// Dependency is one external dependency entry of the manifest.
type Dependency struct {
	Package string `json:"package" validate:"required"`
	Version string `json:"version,omitempty"`
	RepoID  string `json:"repo_id,omitempty"`
}

// PackageEntry describes one seeded package.
type PackageEntry struct {
	Path         string    `json:"path" validate:"required"`
	Name         string    `json:"name" validate:"required"`
	SeedPath     string    `json:"seed_path" validate:"required"`
	LastAnalyzed time.Time `json:"last_analyzed"`
	FileCount    int       `json:"file_count" validate:"gte=0"`
	NodeCount    int       `json:"node_count" validate:"gte=0"`
	EdgeCount    int       `json:"edge_count" validate:"gte=0"`
}

// Path returns the manifest location for a repository root.
func Path(repoRoot string) string {
	return filepath.Join(repoRoot, ".devac", ManifestName)
}
