// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"
)

// Schema version written to every seed's meta.json.
const SchemaVersion = "2.0"

// BranchBase is the default branch partition.
const BranchBase = "base"

// Logical seed tables. Each (package, branch, table) triple is backed by
// exactly one partition file at any time.
const (
	TableNodes        = "nodes"
	TableEdges        = "edges"
	TableExternalRefs = "external_refs"
)

// Tables lists the logical seed tables in canonical order.
var Tables = []string{TableNodes, TableEdges, TableExternalRefs}

// SeedDir returns the seed directory for a package.
func SeedDir(pkgPath string) string {
	return filepath.Join(pkgPath, ".devac", "seed")
}

// BranchDir returns the partition directory for one branch of a package.
func BranchDir(pkgPath, branch string) string {
	return filepath.Join(SeedDir(pkgPath), branch)
}

// PartitionPath returns the physical file backing one (package, branch,
// table) triple.
func PartitionPath(pkgPath, branch, table string) string {
	return filepath.Join(BranchDir(pkgPath, branch), table+".parquet")
}

// MetaPath returns the seed metadata file for a package.
func MetaPath(pkgPath string) string {
	return filepath.Join(SeedDir(pkgPath), "meta.json")
}

// StatsPath returns the per-seed statistics sidecar consumed by manifest
// generation.
func StatsPath(pkgPath string) string {
	return filepath.Join(SeedDir(pkgPath), "stats.json")
}

// DepsPath returns the per-seed external dependency sidecar: an optional
// JSON list that enriches manifest dependency entries with version and
// origin metadata the source imports alone cannot carry.
func DepsPath(pkgPath string) string {
	return filepath.Join(SeedDir(pkgPath), "external_deps.json")
}

// Meta is the content of a seed's meta.json.
type Meta struct {
	SchemaVersion string `json:"schemaVersion"`
}

// Stats is the per-seed statistics sidecar. It is rewritten after every
// partition write so manifest generation never has to open parquet files.
type Stats struct {
	FileCount    int       `json:"file_count"`
	NodeCount    int       `json:"node_count"`
	EdgeCount    int       `json:"edge_count"`
	LastAnalyzed time.Time `json:"last_analyzed"`
}

// Node is one entity in the code graph.
//
// EntityID is deterministic given (repo, package, kind, qualified name),
// so re-parsing an unchanged symbol reproduces the same id.
type Node struct {
	EntityID       string    `json:"entity_id"`
	Kind           string    `json:"kind"`
	Name           string    `json:"name"`
	QualifiedName  string    `json:"qualified_name"`
	FilePath       string    `json:"file_path"`
	StartLine      int       `json:"start_line"`
	EndLine        int       `json:"end_line"`
	StartColumn    int       `json:"start_column"`
	EndColumn      int       `json:"end_column"`
	Language       string    `json:"language"`
	IsExported     bool      `json:"is_exported"`
	IsAsync        bool      `json:"is_async"`
	IsStatic       bool      `json:"is_static"`
	IsAbstract     bool      `json:"is_abstract"`
	TypeSignature  string    `json:"type_signature"`
	HasDoc         bool      `json:"has_doc"`
	SourceFileHash string    `json:"source_file_hash"`
	Branch         string    `json:"branch"`
	IsDeleted      bool      `json:"is_deleted"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Edge is one directed relation between two entities. Multiple edge
// types are allowed between the same pair.
type Edge struct {
	SourceEntityID string `json:"source_entity_id"`
	TargetEntityID string `json:"target_entity_id"`
	EdgeType       string `json:"edge_type"`
	FilePath       string `json:"file_path"`
	Line           int    `json:"line"`
	Branch         string `json:"branch"`
	IsDeleted      bool   `json:"is_deleted"`
}

// ExternalRef is an import or call into another module, optionally
// resolved to a concrete entity.
type ExternalRef struct {
	SourceEntityID   string `json:"source_entity_id"`
	ModuleSpecifier  string `json:"module_specifier"`
	ImportedSymbol   string `json:"imported_symbol"`
	ResolvedEntityID string `json:"resolved_entity_id"`
	FilePath         string `json:"file_path"`
	Line             int    `json:"line"`
	Branch           string `json:"branch"`
	IsDeleted        bool   `json:"is_deleted"`
}

// FileRows bundles the three record kinds produced for one source file.
type FileRows struct {
	Nodes        []Node
	Edges        []Edge
	ExternalRefs []ExternalRef
}

// EntityID derives the stable identifier for a symbol:
// {repo}:{pkg}:{kind}:{sha256(qualifiedName)[:12]}.
//
// The hash covers only the qualified (scoped) name, so moving a symbol
// between files inside its package keeps its identity.
func EntityID(repo, pkg, kind, qualifiedName string) string {
	sum := sha256.Sum256([]byte(qualifiedName))
	return fmt.Sprintf("%s:%s:%s:%s", repo, pkg, kind, hex.EncodeToString(sum[:])[:12])
}

// HashContent returns the canonical content hash stored alongside every
// node as source_file_hash.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
