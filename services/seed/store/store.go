// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists seed partitions and exposes them as queryable
// relations.
//
// A seed is partitioned columnar storage: one parquet file per
// (package, branch, table) triple under <pkg>/.devac/seed/<branch>/.
// Partitions are replaced wholesale through DuckDB's parquet COPY staged
// to a temporary file and committed by atomic rename, so readers never
// observe a partial write. Cross-file consistency within one seed is the
// caller's responsibility and is normally guarded by lock.WithSeedLock.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/seed/atomicio"
)

// column describes one parquet/SQL column of a seed table.
type column struct {
	name    string
	sqlType string
}

// tableColumns fixes the schema of each logical table. Order matters:
// it is the stage-table, COPY, and SELECT order.
var tableColumns = map[string][]column{
	TableNodes: {
		{"entity_id", "VARCHAR"}, {"kind", "VARCHAR"}, {"name", "VARCHAR"},
		{"qualified_name", "VARCHAR"}, {"file_path", "VARCHAR"},
		{"start_line", "INTEGER"}, {"end_line", "INTEGER"},
		{"start_column", "INTEGER"}, {"end_column", "INTEGER"},
		{"language", "VARCHAR"}, {"is_exported", "BOOLEAN"},
		{"is_async", "BOOLEAN"}, {"is_static", "BOOLEAN"},
		{"is_abstract", "BOOLEAN"}, {"type_signature", "VARCHAR"},
		{"has_doc", "BOOLEAN"}, {"source_file_hash", "VARCHAR"},
		{"branch", "VARCHAR"}, {"is_deleted", "BOOLEAN"},
		{"updated_at", "TIMESTAMP"},
	},
	TableEdges: {
		{"source_entity_id", "VARCHAR"}, {"target_entity_id", "VARCHAR"},
		{"edge_type", "VARCHAR"}, {"file_path", "VARCHAR"},
		{"line", "INTEGER"}, {"branch", "VARCHAR"}, {"is_deleted", "BOOLEAN"},
	},
	TableExternalRefs: {
		{"source_entity_id", "VARCHAR"}, {"module_specifier", "VARCHAR"},
		{"imported_symbol", "VARCHAR"}, {"resolved_entity_id", "VARCHAR"},
		{"file_path", "VARCHAR"}, {"line", "INTEGER"},
		{"branch", "VARCHAR"}, {"is_deleted", "BOOLEAN"},
	},
}

// SeedStore reads and writes seed partitions through an embedded DuckDB
// handle.
//
// # Thread Safety
//
// The underlying *sql.DB is a pool and safe for concurrent use. Writers
// to the same seed must serialize through the seed lock; the store does
// not take locks itself.
type SeedStore struct {
	db     *sql.DB
	writer *atomicio.Writer
	logger *logging.Logger
}

// Open creates a SeedStore backed by an in-memory DuckDB instance.
// The instance is a scratch engine for COPY staging and local queries;
// all durable state lives in the partition files.
func Open(logger *logging.Logger) (*SeedStore, error) {
	if logger == nil {
		logger = logging.Default()
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	return &SeedStore{
		db:     db,
		writer: atomicio.NewWriter(logger),
		logger: logger,
	}, nil
}

// OpenFile creates a SeedStore backed by a DuckDB database file. Used by
// the hub, which owns one database file per hub directory.
func OpenFile(path string, logger *logging.Logger) (*SeedStore, error) {
	if logger == nil {
		logger = logging.Default()
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb at %s: %w", path, err)
	}
	return &SeedStore{
		db:     db,
		writer: atomicio.NewWriter(logger),
		logger: logger,
	}, nil
}

// Close releases the database handle.
func (s *SeedStore) Close() error {
	return s.db.Close()
}

// DB exposes the pooled database handle for federated query execution.
func (s *SeedStore) DB() *sql.DB { return s.db }

// tempSweepAge bounds how long an orphaned temp file survives. Anything
// older than this in a branch directory is left over from a crashed
// write, never an in-flight one.
const tempSweepAge = time.Hour

// EnsureSeed creates the seed layout for a package and branch: the
// partition directory and meta.json (written once, atomically). Stale
// temp files from interrupted writes are swept on the way.
func (s *SeedStore) EnsureSeed(pkgPath, branch string) error {
	branchDir := BranchDir(pkgPath, branch)
	if err := os.MkdirAll(branchDir, 0755); err != nil {
		return fmt.Errorf("creating seed dir for %s: %w", pkgPath, err)
	}
	if n := s.writer.SweepTemp(branchDir, tempSweepAge); n > 0 {
		s.logger.Warn("swept stale temp files", "dir", branchDir, "count", n)
	}
	metaPath := MetaPath(pkgPath)
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		return s.writer.WriteJSON(metaPath, Meta{SchemaVersion: SchemaVersion})
	}
	return nil
}

// sqlQuote escapes a string for inclusion in single quotes.
func sqlQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// columnList returns "a, b, c" for a table.
func columnList(table string) string {
	cols := tableColumns[table]
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return strings.Join(names, ", ")
}

// stageDDL returns the CREATE TEMP TABLE statement for a table's stage.
func stageDDL(table string) string {
	cols := tableColumns[table]
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c.name + " " + c.sqlType
	}
	return fmt.Sprintf("CREATE OR REPLACE TEMP TABLE stage_%s (%s)", table, strings.Join(defs, ", "))
}

// emptySelect returns a zero-row SELECT with a table's schema, used for
// views over absent partitions.
func emptySelect(table string) string {
	cols := tableColumns[table]
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", c.sqlType, c.name)
	}
	return fmt.Sprintf("SELECT %s WHERE false", strings.Join(exprs, ", "))
}

// writePartition stages rows into a temp table, COPYs them to a temporary
// parquet file in the partition directory, and commits with an atomic
// rename. On any failure the previous partition file is untouched.
func (s *SeedStore) writePartition(ctx context.Context, pkgPath, branch, table string, insert func(*sql.Stmt) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, stageDDL(table)); err != nil {
		return fmt.Errorf("staging %s: %w", table, err)
	}
	defer conn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS stage_%s", table))

	cols := tableColumns[table]
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := conn.PrepareContext(ctx,
		fmt.Sprintf("INSERT INTO stage_%s VALUES (%s)", table, placeholders))
	if err != nil {
		return fmt.Errorf("preparing insert for %s: %w", table, err)
	}
	if err := insert(stmt); err != nil {
		stmt.Close()
		return fmt.Errorf("inserting rows for %s: %w", table, err)
	}
	stmt.Close()

	dst := PartitionPath(pkgPath, branch, table)
	tmp := fmt.Sprintf("%s/%s%s-%d.parquet", BranchDir(pkgPath, branch),
		atomicio.TempPrefix, table, time.Now().UnixNano())
	copySQL := fmt.Sprintf("COPY (SELECT %s FROM stage_%s) TO '%s' (FORMAT PARQUET)",
		columnList(table), table, sqlQuote(tmp))
	if _, err := conn.ExecContext(ctx, copySQL); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("copying %s partition: %w", table, err)
	}

	return s.writer.CommitFile(tmp, dst)
}

// WriteBranch replaces all three partitions of (package, branch) with the
// given rows. Each partition file is replaced atomically; callers hold
// the seed lock to keep the three files mutually consistent.
func (s *SeedStore) WriteBranch(ctx context.Context, pkgPath, branch string, rows FileRows) error {
	if err := s.EnsureSeed(pkgPath, branch); err != nil {
		return err
	}

	err := s.writePartition(ctx, pkgPath, branch, TableNodes, func(stmt *sql.Stmt) error {
		for _, n := range rows.Nodes {
			if _, err := stmt.ExecContext(ctx,
				n.EntityID, n.Kind, n.Name, n.QualifiedName, n.FilePath,
				n.StartLine, n.EndLine, n.StartColumn, n.EndColumn,
				n.Language, n.IsExported, n.IsAsync, n.IsStatic, n.IsAbstract,
				n.TypeSignature, n.HasDoc, n.SourceFileHash,
				n.Branch, n.IsDeleted, n.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = s.writePartition(ctx, pkgPath, branch, TableEdges, func(stmt *sql.Stmt) error {
		for _, e := range rows.Edges {
			if _, err := stmt.ExecContext(ctx,
				e.SourceEntityID, e.TargetEntityID, e.EdgeType,
				e.FilePath, e.Line, e.Branch, e.IsDeleted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = s.writePartition(ctx, pkgPath, branch, TableExternalRefs, func(stmt *sql.Stmt) error {
		for _, r := range rows.ExternalRefs {
			if _, err := stmt.ExecContext(ctx,
				r.SourceEntityID, r.ModuleSpecifier, r.ImportedSymbol,
				r.ResolvedEntityID, r.FilePath, r.Line, r.Branch, r.IsDeleted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.writeStats(pkgPath, rows)
}

// writeStats refreshes the stats.json sidecar from the rows just written.
// Counts exclude tombstoned records.
func (s *SeedStore) writeStats(pkgPath string, rows FileRows) error {
	files := make(map[string]struct{})
	nodes := 0
	for _, n := range rows.Nodes {
		if n.IsDeleted {
			continue
		}
		nodes++
		files[n.FilePath] = struct{}{}
	}
	edges := 0
	for _, e := range rows.Edges {
		if !e.IsDeleted {
			edges++
		}
	}
	return s.writer.WriteJSON(StatsPath(pkgPath), Stats{
		FileCount:    len(files),
		NodeCount:    nodes,
		EdgeCount:    edges,
		LastAnalyzed: time.Now().UTC(),
	})
}

// ReadBranch loads all rows of (package, branch). Absent partitions read
// as empty, so a package that was never analyzed is a valid empty seed.
func (s *SeedStore) ReadBranch(ctx context.Context, pkgPath, branch string) (FileRows, error) {
	var rows FileRows

	nodesPath := PartitionPath(pkgPath, branch, TableNodes)
	if _, err := os.Stat(nodesPath); err == nil {
		q := fmt.Sprintf("SELECT %s FROM read_parquet('%s')", columnList(TableNodes), sqlQuote(nodesPath))
		res, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return rows, fmt.Errorf("reading nodes partition: %w", err)
		}
		for res.Next() {
			var n Node
			if err := res.Scan(&n.EntityID, &n.Kind, &n.Name, &n.QualifiedName, &n.FilePath,
				&n.StartLine, &n.EndLine, &n.StartColumn, &n.EndColumn,
				&n.Language, &n.IsExported, &n.IsAsync, &n.IsStatic, &n.IsAbstract,
				&n.TypeSignature, &n.HasDoc, &n.SourceFileHash,
				&n.Branch, &n.IsDeleted, &n.UpdatedAt); err != nil {
				res.Close()
				return rows, fmt.Errorf("scanning node: %w", err)
			}
			rows.Nodes = append(rows.Nodes, n)
		}
		if err := res.Close(); err != nil {
			return rows, err
		}
	}

	edgesPath := PartitionPath(pkgPath, branch, TableEdges)
	if _, err := os.Stat(edgesPath); err == nil {
		q := fmt.Sprintf("SELECT %s FROM read_parquet('%s')", columnList(TableEdges), sqlQuote(edgesPath))
		res, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return rows, fmt.Errorf("reading edges partition: %w", err)
		}
		for res.Next() {
			var e Edge
			if err := res.Scan(&e.SourceEntityID, &e.TargetEntityID, &e.EdgeType,
				&e.FilePath, &e.Line, &e.Branch, &e.IsDeleted); err != nil {
				res.Close()
				return rows, fmt.Errorf("scanning edge: %w", err)
			}
			rows.Edges = append(rows.Edges, e)
		}
		if err := res.Close(); err != nil {
			return rows, err
		}
	}

	refsPath := PartitionPath(pkgPath, branch, TableExternalRefs)
	if _, err := os.Stat(refsPath); err == nil {
		q := fmt.Sprintf("SELECT %s FROM read_parquet('%s')", columnList(TableExternalRefs), sqlQuote(refsPath))
		res, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return rows, fmt.Errorf("reading external_refs partition: %w", err)
		}
		for res.Next() {
			var r ExternalRef
			if err := res.Scan(&r.SourceEntityID, &r.ModuleSpecifier, &r.ImportedSymbol,
				&r.ResolvedEntityID, &r.FilePath, &r.Line, &r.Branch, &r.IsDeleted); err != nil {
				res.Close()
				return rows, fmt.Errorf("scanning external ref: %w", err)
			}
			rows.ExternalRefs = append(rows.ExternalRefs, r)
		}
		if err := res.Close(); err != nil {
			return rows, err
		}
	}

	return rows, nil
}

// ReplaceFileRows swaps every record belonging to one source file for the
// given replacement rows, leaving records of other files untouched.
func (s *SeedStore) ReplaceFileRows(ctx context.Context, pkgPath, branch, filePath string, replacement FileRows) error {
	existing, err := s.ReadBranch(ctx, pkgPath, branch)
	if err != nil {
		return err
	}

	merged := FileRows{}
	for _, n := range existing.Nodes {
		if n.FilePath != filePath {
			merged.Nodes = append(merged.Nodes, n)
		}
	}
	for _, e := range existing.Edges {
		if e.FilePath != filePath {
			merged.Edges = append(merged.Edges, e)
		}
	}
	for _, r := range existing.ExternalRefs {
		if r.FilePath != filePath {
			merged.ExternalRefs = append(merged.ExternalRefs, r)
		}
	}
	merged.Nodes = append(merged.Nodes, replacement.Nodes...)
	merged.Edges = append(merged.Edges, replacement.Edges...)
	merged.ExternalRefs = append(merged.ExternalRefs, replacement.ExternalRefs...)

	return s.WriteBranch(ctx, pkgPath, branch, merged)
}

// TombstoneFile marks every record of one source file deleted without
// physically removing it, preserving history for branch partitions.
func (s *SeedStore) TombstoneFile(ctx context.Context, pkgPath, branch, filePath string) error {
	existing, err := s.ReadBranch(ctx, pkgPath, branch)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range existing.Nodes {
		if existing.Nodes[i].FilePath == filePath {
			existing.Nodes[i].IsDeleted = true
			existing.Nodes[i].UpdatedAt = now
		}
	}
	for i := range existing.Edges {
		if existing.Edges[i].FilePath == filePath {
			existing.Edges[i].IsDeleted = true
		}
	}
	for i := range existing.ExternalRefs {
		if existing.ExternalRefs[i].FilePath == filePath {
			existing.ExternalRefs[i].IsDeleted = true
		}
	}

	return s.WriteBranch(ctx, pkgPath, branch, existing)
}

// RenameFile carries every record of oldPath forward to newPath. Entity
// ids derive from qualified names, not file paths, so identity survives
// the rename; only the location column changes.
func (s *SeedStore) RenameFile(ctx context.Context, pkgPath, branch, oldPath, newPath string) error {
	existing, err := s.ReadBranch(ctx, pkgPath, branch)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range existing.Nodes {
		if existing.Nodes[i].FilePath == oldPath {
			existing.Nodes[i].FilePath = newPath
			existing.Nodes[i].UpdatedAt = now
		}
	}
	for i := range existing.Edges {
		if existing.Edges[i].FilePath == oldPath {
			existing.Edges[i].FilePath = newPath
		}
	}
	for i := range existing.ExternalRefs {
		if existing.ExternalRefs[i].FilePath == oldPath {
			existing.ExternalRefs[i].FilePath = newPath
		}
	}

	return s.WriteBranch(ctx, pkgPath, branch, existing)
}

// FileHash returns the source_file_hash recorded for a file's live nodes,
// or "" when the file has no prior record.
func (s *SeedStore) FileHash(ctx context.Context, pkgPath, branch, filePath string) (string, error) {
	existing, err := s.ReadBranch(ctx, pkgPath, branch)
	if err != nil {
		return "", err
	}
	for _, n := range existing.Nodes {
		if n.FilePath == filePath && !n.IsDeleted {
			return n.SourceFileHash, nil
		}
	}
	return "", nil
}
