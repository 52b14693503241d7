// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/seed/federation"
	"github.com/AleutianAI/devac/services/seed/manifest"
	"github.com/AleutianAI/devac/services/seed/store"
)

// RepoInfo is one registered repository's hub record.
type RepoInfo struct {
	RepoID        string    `json:"repo_id"`
	Root          string    `json:"root"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastRefreshed time.Time `json:"last_refreshed"`
	PackageCount  int       `json:"package_count"`
	NodeCount     int       `json:"node_count"`
	EdgeCount     int       `json:"edge_count"`
}

// ValidationError is one pushed validation finding.
type ValidationError struct {
	ID        string    `json:"id"`
	RepoID    string    `json:"repo_id"`
	Package   string    `json:"package"`
	FilePath  string    `json:"file_path"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// Diagnostic is one pushed diagnostic record.
type Diagnostic struct {
	ID        string    `json:"id"`
	RepoID    string    `json:"repo_id"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryResult carries a federated query's rows in column order.
type QueryResult struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	Warnings []string `json:"warnings,omitempty"`
}

// Summary groups hub-wide counts per repository.
type Summary struct {
	Repos            int            `json:"repos"`
	ValidationErrors map[string]int `json:"validation_errors"` // repo_id -> unresolved count
	Diagnostics      map[string]int `json:"diagnostics"`       // repo_id -> count
}

// hubSchema creates the hub's relations. DuckDB executes the whole
// batch in one call.
const hubSchema = `
CREATE TABLE IF NOT EXISTS repos (
    repo_id VARCHAR PRIMARY KEY,
    root VARCHAR NOT NULL,
    registered_at TIMESTAMP NOT NULL,
    last_refreshed TIMESTAMP NOT NULL,
    package_count INTEGER NOT NULL,
    node_count INTEGER NOT NULL,
    edge_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS validation_errors (
    id VARCHAR PRIMARY KEY,
    repo_id VARCHAR NOT NULL,
    package VARCHAR,
    file_path VARCHAR,
    message VARCHAR NOT NULL,
    severity VARCHAR NOT NULL,
    resolved BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS diagnostics (
    id VARCHAR PRIMARY KEY,
    repo_id VARCHAR NOT NULL,
    source VARCHAR,
    message VARCHAR NOT NULL,
    severity VARCHAR NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// CentralHub owns the hub directory's database and federates queries
// across every registered repository's seeds.
//
// # Description
//
//	Exactly one CentralHub may be open read-write per hub directory.
//	The Server's socket-probe startup race decides which process that
//	is; everything else goes through the RPC surface.
//
// # Thread Safety
//
//	Safe for concurrent use; the underlying *sql.DB pools connections.
type CentralHub struct {
	hubDir string
	seed   *store.SeedStore
	gen    *manifest.Generator
	logger *logging.Logger
}

// NewCentralHub opens (or creates) the hub database under hubDir.
func NewCentralHub(hubDir string, logger *logging.Logger) (*CentralHub, error) {
	if logger == nil {
		logger = logging.Default()
	}
	seed, err := store.OpenFile(filepath.Join(hubDir, DatabaseName), logger)
	if err != nil {
		return nil, err
	}
	if _, err := seed.DB().Exec(hubSchema); err != nil {
		seed.Close()
		return nil, fmt.Errorf("creating hub schema: %w", err)
	}
	return &CentralHub{
		hubDir: hubDir,
		seed:   seed,
		gen:    manifest.NewGenerator(seed, logger),
		logger: logger,
	}, nil
}

// Close releases the hub database.
func (h *CentralHub) Close() error {
	return h.seed.Close()
}

// Register generates (or regenerates) a repository's manifest and
// records it in the hub, keyed by repo_id. Re-registering the same
// repository updates its record.
func (h *CentralHub) Register(ctx context.Context, repoRoot string) (*RepoInfo, error) {
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", repoRoot, err)
	}

	m, err := h.gen.Generate(ctx, abs)
	if err != nil {
		return nil, err
	}
	if err := h.gen.Write(abs, m); err != nil {
		return nil, err
	}

	info := repoInfoFromManifest(m, abs)
	info.RegisteredAt = time.Now().UTC()
	info.LastRefreshed = info.RegisteredAt

	_, err = h.seed.DB().ExecContext(ctx, `
		INSERT OR REPLACE INTO repos
		(repo_id, root, registered_at, last_refreshed, package_count, node_count, edge_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.RepoID, info.Root, info.RegisteredAt, info.LastRefreshed,
		info.PackageCount, info.NodeCount, info.EdgeCount)
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", info.RepoID, err)
	}

	h.logger.Slog().Info("repository registered",
		slog.String("repo_id", info.RepoID),
		slog.Int("packages", info.PackageCount))
	return &info, nil
}

// Unregister removes a repository and its pushed records.
func (h *CentralHub) Unregister(ctx context.Context, repoID string) error {
	res, err := h.seed.DB().ExecContext(ctx, "DELETE FROM repos WHERE repo_id = ?", repoID)
	if err != nil {
		return fmt.Errorf("unregistering %s: %w", repoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, repoID)
	}
	if _, err := h.seed.DB().ExecContext(ctx,
		"DELETE FROM validation_errors WHERE repo_id = ?", repoID); err != nil {
		return err
	}
	_, err = h.seed.DB().ExecContext(ctx, "DELETE FROM diagnostics WHERE repo_id = ?", repoID)
	return err
}

// RefreshRepo regenerates a repository's manifest and updates its
// record.
func (h *CentralHub) RefreshRepo(ctx context.Context, repoID string) (*RepoInfo, error) {
	existing, err := h.RepoStatus(ctx, repoID)
	if err != nil {
		return nil, err
	}

	m, err := h.gen.Generate(ctx, existing.Root)
	if err != nil {
		return nil, err
	}
	if err := h.gen.Write(existing.Root, m); err != nil {
		return nil, err
	}

	info := repoInfoFromManifest(m, existing.Root)
	info.RegisteredAt = existing.RegisteredAt
	info.LastRefreshed = time.Now().UTC()

	_, err = h.seed.DB().ExecContext(ctx, `
		UPDATE repos SET last_refreshed = ?, package_count = ?, node_count = ?, edge_count = ?
		WHERE repo_id = ?`,
		info.LastRefreshed, info.PackageCount, info.NodeCount, info.EdgeCount, repoID)
	if err != nil {
		return nil, fmt.Errorf("refreshing %s: %w", repoID, err)
	}
	return &info, nil
}

// RefreshAll refreshes every registered repository concurrently. The
// first failure cancels the remainder.
func (h *CentralHub) RefreshAll(ctx context.Context) ([]RepoInfo, error) {
	repos, err := h.ListRepos(ctx)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	results := make([]RepoInfo, len(repos))
	for i, repo := range repos {
		g.Go(func() error {
			info, err := h.RefreshRepo(gctx, repo.RepoID)
			if err != nil {
				return fmt.Errorf("refreshing %s: %w", repo.RepoID, err)
			}
			results[i] = *info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ListRepos returns all registered repositories, ordered by repo_id.
func (h *CentralHub) ListRepos(ctx context.Context) ([]RepoInfo, error) {
	rows, err := h.seed.DB().QueryContext(ctx, `
		SELECT repo_id, root, registered_at, last_refreshed, package_count, node_count, edge_count
		FROM repos ORDER BY repo_id`)
	if err != nil {
		return nil, fmt.Errorf("listing repos: %w", err)
	}
	defer rows.Close()

	var repos []RepoInfo
	for rows.Next() {
		var r RepoInfo
		if err := rows.Scan(&r.RepoID, &r.Root, &r.RegisteredAt, &r.LastRefreshed,
			&r.PackageCount, &r.NodeCount, &r.EdgeCount); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// RepoStatus returns one repository's record.
func (h *CentralHub) RepoStatus(ctx context.Context, repoID string) (*RepoInfo, error) {
	var r RepoInfo
	err := h.seed.DB().QueryRowContext(ctx, `
		SELECT repo_id, root, registered_at, last_refreshed, package_count, node_count, edge_count
		FROM repos WHERE repo_id = ?`, repoID).
		Scan(&r.RepoID, &r.Root, &r.RegisteredAt, &r.LastRefreshed,
			&r.PackageCount, &r.NodeCount, &r.EdgeCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, repoID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading repo %s: %w", repoID, err)
	}
	return &r, nil
}

// Query runs SQL against the federation: `table@pkg` and `table@*`
// references resolve across every registered repository's packages.
// The first repository to claim a package name wins; later duplicates
// are skipped with a warning.
func (h *CentralHub) Query(ctx context.Context, sqlText string) (*QueryResult, error) {
	packages, warnings, err := h.federatedPackages(ctx)
	if err != nil {
		return nil, err
	}

	pre := federation.PreprocessSQL(sqlText, packages)
	if len(pre.Errors) > 0 {
		return nil, fmt.Errorf("federation rewrite failed: %s", strings.Join(pre.Errors, "; "))
	}

	rows, err := h.seed.DB().QueryContext(ctx, pre.SQL)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: cols, Warnings: warnings}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}

// federatedPackages builds the name-to-root map across all registered
// repositories.
func (h *CentralHub) federatedPackages(ctx context.Context) (map[string]string, []string, error) {
	repos, err := h.ListRepos(ctx)
	if err != nil {
		return nil, nil, err
	}

	packages := make(map[string]string)
	var warnings []string
	for _, repo := range repos {
		discovered, err := federation.DiscoverPackages(repo.Root)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", repo.RepoID, err))
			continue
		}
		for name, root := range federation.PackageRoots(repo.Root, discovered) {
			if _, taken := packages[name]; taken {
				warnings = append(warnings, fmt.Sprintf("package %q duplicated in %s, skipped", name, repo.RepoID))
				continue
			}
			packages[name] = root
		}
	}
	return packages, warnings, nil
}

// PushValidationErrors records findings for a repository. IDs are
// assigned here.
func (h *CentralHub) PushValidationErrors(ctx context.Context, repoID string, errs []ValidationError) ([]string, error) {
	if _, err := h.RepoStatus(ctx, repoID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(errs))
	for _, ve := range errs {
		id := uuid.NewString()
		if _, err := h.seed.DB().ExecContext(ctx, `
			INSERT INTO validation_errors (id, repo_id, package, file_path, message, severity, resolved, created_at)
			VALUES (?, ?, ?, ?, ?, ?, false, ?)`,
			id, repoID, ve.Package, ve.FilePath, ve.Message, severityOrDefault(ve.Severity), now); err != nil {
			return ids, fmt.Errorf("pushing validation error: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetValidationErrors returns a repository's unresolved findings.
func (h *CentralHub) GetValidationErrors(ctx context.Context, repoID string) ([]ValidationError, error) {
	rows, err := h.seed.DB().QueryContext(ctx, `
		SELECT id, repo_id, package, file_path, message, severity, resolved, created_at
		FROM validation_errors WHERE repo_id = ? AND NOT resolved
		ORDER BY created_at, id`, repoID)
	if err != nil {
		return nil, fmt.Errorf("reading validation errors: %w", err)
	}
	defer rows.Close()

	var out []ValidationError
	for rows.Next() {
		var ve ValidationError
		if err := rows.Scan(&ve.ID, &ve.RepoID, &ve.Package, &ve.FilePath,
			&ve.Message, &ve.Severity, &ve.Resolved, &ve.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ve)
	}
	return out, rows.Err()
}

// ResolveValidationError marks one finding resolved. Resolved rows stay
// for history; Clear drops them.
func (h *CentralHub) ResolveValidationError(ctx context.Context, id string) error {
	res, err := h.seed.DB().ExecContext(ctx,
		"UPDATE validation_errors SET resolved = true WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("validation error %s not found", id)
	}
	return nil
}

// ClearValidationErrors drops all of a repository's findings.
func (h *CentralHub) ClearValidationErrors(ctx context.Context, repoID string) error {
	_, err := h.seed.DB().ExecContext(ctx,
		"DELETE FROM validation_errors WHERE repo_id = ?", repoID)
	return err
}

// PushDiagnostics records diagnostics for a repository.
func (h *CentralHub) PushDiagnostics(ctx context.Context, repoID string, diags []Diagnostic) ([]string, error) {
	if _, err := h.RepoStatus(ctx, repoID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(diags))
	for _, d := range diags {
		id := uuid.NewString()
		if _, err := h.seed.DB().ExecContext(ctx, `
			INSERT INTO diagnostics (id, repo_id, source, message, severity, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, repoID, d.Source, d.Message, severityOrDefault(d.Severity), now); err != nil {
			return ids, fmt.Errorf("pushing diagnostic: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetDiagnostics returns a repository's diagnostics.
func (h *CentralHub) GetDiagnostics(ctx context.Context, repoID string) ([]Diagnostic, error) {
	rows, err := h.seed.DB().QueryContext(ctx, `
		SELECT id, repo_id, source, message, severity, created_at
		FROM diagnostics WHERE repo_id = ? ORDER BY created_at, id`, repoID)
	if err != nil {
		return nil, fmt.Errorf("reading diagnostics: %w", err)
	}
	defer rows.Close()

	var out []Diagnostic
	for rows.Next() {
		var d Diagnostic
		if err := rows.Scan(&d.ID, &d.RepoID, &d.Source, &d.Message, &d.Severity, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClearDiagnostics drops all of a repository's diagnostics.
func (h *CentralHub) ClearDiagnostics(ctx context.Context, repoID string) error {
	_, err := h.seed.DB().ExecContext(ctx,
		"DELETE FROM diagnostics WHERE repo_id = ?", repoID)
	return err
}

// GetSummary returns hub-wide grouped counts.
func (h *CentralHub) GetSummary(ctx context.Context) (*Summary, error) {
	s := &Summary{
		ValidationErrors: make(map[string]int),
		Diagnostics:      make(map[string]int),
	}

	if err := h.seed.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM repos").Scan(&s.Repos); err != nil {
		return nil, err
	}

	rows, err := h.seed.DB().QueryContext(ctx, `
		SELECT repo_id, COUNT(*) FROM validation_errors
		WHERE NOT resolved GROUP BY repo_id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var repoID string
		var n int
		if err := rows.Scan(&repoID, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.ValidationErrors[repoID] = n
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = h.seed.DB().QueryContext(ctx,
		"SELECT repo_id, COUNT(*) FROM diagnostics GROUP BY repo_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var repoID string
		var n int
		if err := rows.Scan(&repoID, &n); err != nil {
			return nil, err
		}
		s.Diagnostics[repoID] = n
	}
	return s, rows.Err()
}

// repoInfoFromManifest folds manifest stats into a RepoInfo.
func repoInfoFromManifest(m *manifest.Manifest, root string) RepoInfo {
	info := RepoInfo{
		RepoID:       m.RepoID,
		Root:         root,
		PackageCount: len(m.Packages),
	}
	for _, pkg := range m.Packages {
		info.NodeCount += pkg.NodeCount
		info.EdgeCount += pkg.EdgeCount
	}
	return info
}

func severityOrDefault(s string) string {
	if s == "" {
		return "error"
	}
	return s
}
