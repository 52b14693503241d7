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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/seed/store"
)

// newTestHub opens a CentralHub in a fresh hub directory.
func newTestHub(t *testing.T) *CentralHub {
	t.Helper()
	h, err := NewCentralHub(t.TempDir(), logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// newTestRepo creates a repository root with one seeded package.
func newTestRepo(t *testing.T, pkgName string, stats store.Stats) string {
	t.Helper()
	root := t.TempDir()
	pkgRoot := filepath.Join(root, pkgName)
	require.NoError(t, os.MkdirAll(filepath.Join(pkgRoot, ".devac", "seed", "base"), 0755))
	data, err := json.Marshal(stats)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.StatsPath(pkgRoot), data, 0644))
	return root
}

func TestHubRegisterAndStatus(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	root := newTestRepo(t, "core", store.Stats{FileCount: 2, NodeCount: 30, EdgeCount: 12})

	info, err := h.Register(ctx, root)
	require.NoError(t, err)
	assert.NotEmpty(t, info.RepoID)
	assert.Equal(t, 1, info.PackageCount)
	assert.Equal(t, 30, info.NodeCount)

	// Manifest was persisted alongside registration.
	_, err = os.Stat(filepath.Join(root, ".devac", "manifest.json"))
	assert.NoError(t, err)

	got, err := h.RepoStatus(ctx, info.RepoID)
	require.NoError(t, err)
	assert.Equal(t, info.RepoID, got.RepoID)

	// Re-registration updates, not duplicates.
	_, err = h.Register(ctx, root)
	require.NoError(t, err)
	repos, err := h.ListRepos(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
}

func TestHubUnregister(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	root := newTestRepo(t, "core", store.Stats{NodeCount: 1})

	info, err := h.Register(ctx, root)
	require.NoError(t, err)

	_, err = h.PushValidationErrors(ctx, info.RepoID, []ValidationError{
		{Message: "boom", Severity: "error"},
	})
	require.NoError(t, err)

	require.NoError(t, h.Unregister(ctx, info.RepoID))

	_, err = h.RepoStatus(ctx, info.RepoID)
	assert.ErrorIs(t, err, ErrRepoNotFound)

	assert.ErrorIs(t, h.Unregister(ctx, info.RepoID), ErrRepoNotFound)
}

func TestHubRefresh(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	root := newTestRepo(t, "core", store.Stats{NodeCount: 5})

	info, err := h.Register(ctx, root)
	require.NoError(t, err)

	// Stats change on disk; refresh picks them up.
	data, _ := json.Marshal(store.Stats{NodeCount: 50, EdgeCount: 7})
	require.NoError(t, os.WriteFile(store.StatsPath(filepath.Join(root, "core")), data, 0644))

	refreshed, err := h.RefreshRepo(ctx, info.RepoID)
	require.NoError(t, err)
	assert.Equal(t, 50, refreshed.NodeCount)
	assert.Equal(t, 7, refreshed.EdgeCount)

	all, err := h.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestHubValidationErrors(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	root := newTestRepo(t, "core", store.Stats{})

	info, err := h.Register(ctx, root)
	require.NoError(t, err)

	ids, err := h.PushValidationErrors(ctx, info.RepoID, []ValidationError{
		{Package: "core", FilePath: "a.py", Message: "undefined name", Severity: "error"},
		{Package: "core", FilePath: "b.py", Message: "unused import"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	errsOut, err := h.GetValidationErrors(ctx, info.RepoID)
	require.NoError(t, err)
	require.Len(t, errsOut, 2)
	assert.Equal(t, "error", errsOut[1].Severity, "empty severity defaults")

	require.NoError(t, h.ResolveValidationError(ctx, ids[0]))
	errsOut, err = h.GetValidationErrors(ctx, info.RepoID)
	require.NoError(t, err)
	assert.Len(t, errsOut, 1, "resolved errors drop out of the unresolved view")

	require.NoError(t, h.ClearValidationErrors(ctx, info.RepoID))
	errsOut, err = h.GetValidationErrors(ctx, info.RepoID)
	require.NoError(t, err)
	assert.Empty(t, errsOut)

	// Pushing to an unknown repo fails.
	_, err = h.PushValidationErrors(ctx, "nope", []ValidationError{{Message: "x"}})
	assert.ErrorIs(t, err, ErrRepoNotFound)
}

func TestHubDiagnostics(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	root := newTestRepo(t, "core", store.Stats{})

	info, err := h.Register(ctx, root)
	require.NoError(t, err)

	_, err = h.PushDiagnostics(ctx, info.RepoID, []Diagnostic{
		{Source: "typecheck", Message: "slow module", Severity: "warn"},
	})
	require.NoError(t, err)

	diags, err := h.GetDiagnostics(ctx, info.RepoID)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "typecheck", diags[0].Source)

	require.NoError(t, h.ClearDiagnostics(ctx, info.RepoID))
	diags, err = h.GetDiagnostics(ctx, info.RepoID)
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestHubSummary(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	root := newTestRepo(t, "core", store.Stats{})

	info, err := h.Register(ctx, root)
	require.NoError(t, err)
	_, err = h.PushValidationErrors(ctx, info.RepoID, []ValidationError{
		{Message: "one"}, {Message: "two"},
	})
	require.NoError(t, err)
	_, err = h.PushDiagnostics(ctx, info.RepoID, []Diagnostic{{Message: "d"}})
	require.NoError(t, err)

	s, err := h.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Repos)
	assert.Equal(t, 2, s.ValidationErrors[info.RepoID])
	assert.Equal(t, 1, s.Diagnostics[info.RepoID])
}

func TestHubFederatedQuery(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	root := newTestRepo(t, "core", store.Stats{})
	pkgRoot := filepath.Join(root, "core")

	// Seed a real partition so the federated read has rows.
	rows := store.FileRows{
		Nodes: []store.Node{
			{
				EntityID: "r:core:function:abc", Kind: "function", Name: "greet",
				QualifiedName: "app.greet", FilePath: "app.py", Language: "python",
				Branch: store.BranchBase,
			},
		},
	}
	require.NoError(t, h.seed.WriteBranch(ctx, pkgRoot, store.BranchBase, rows))

	_, err := h.Register(ctx, root)
	require.NoError(t, err)

	res, err := h.Query(ctx, "SELECT name FROM nodes@core")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "greet", res.Rows[0][0])

	// Unknown package rejects the query wholesale.
	_, err = h.Query(ctx, "SELECT * FROM nodes@ghost")
	assert.Error(t, err)

	// Plain SQL against hub tables passes through.
	res, err = h.Query(ctx, "SELECT COUNT(*) AS n FROM repos")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}
