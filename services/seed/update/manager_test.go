// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/seed/store"
)

// newTestManager builds a Manager over a temp package with an in-memory
// hash cache.
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	pkgDir := t.TempDir()

	s, err := store.Open(logging.Default())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m, err := NewManager(Config{
		PackagePath: pkgDir,
		RepoName:    "github.com/acme/widgets",
		PackageName: "core",
	}, s)
	if err != nil {
		t.Fatalf("creating manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, pkgDir
}

func writeSource(t *testing.T, pkgDir, rel, content string) {
	t.Helper()
	abs := filepath.Join(pkgDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func liveNodes(t *testing.T, m *Manager) []store.Node {
	t.Helper()
	rows, err := m.store.ReadBranch(context.Background(), m.cfg.PackagePath, m.cfg.Branch)
	if err != nil {
		t.Fatalf("reading branch: %v", err)
	}
	var live []store.Node
	for _, n := range rows.Nodes {
		if !n.IsDeleted {
			live = append(live, n)
		}
	}
	return live
}

func TestManagerAddAndChange(t *testing.T) {
	m, pkgDir := newTestManager(t)
	ctx := context.Background()

	writeSource(t, pkgDir, "app.py", "def greet():\n    pass\n")

	changed, err := m.Process(ctx, Event{Type: EventAdd, Path: "app.py"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if !changed {
		t.Error("add should report a change")
	}

	nodes := liveNodes(t, m)
	var greet *store.Node
	for i := range nodes {
		if nodes[i].Name == "greet" {
			greet = &nodes[i]
		}
	}
	if greet == nil {
		t.Fatalf("greet not in seed: %+v", nodes)
	}

	// Same content again: skipped by hash, no seed write.
	changed, err = m.Process(ctx, Event{Type: EventChange, Path: "app.py"})
	if err != nil {
		t.Fatalf("idempotent change failed: %v", err)
	}
	if changed {
		t.Error("unchanged content must be skipped")
	}
	if m.Status().Skipped != 1 {
		t.Errorf("skip counter: %+v", m.Status())
	}

	// Changed content replaces this file's rows.
	writeSource(t, pkgDir, "app.py", "def greet():\n    pass\n\ndef leave():\n    pass\n")
	changed, err = m.Process(ctx, Event{Type: EventChange, Path: "app.py"})
	if err != nil || !changed {
		t.Fatalf("change failed: %v changed=%v", err, changed)
	}

	found := map[string]bool{}
	for _, n := range liveNodes(t, m) {
		found[n.Name] = true
	}
	if !found["greet"] || !found["leave"] {
		t.Errorf("after change: %v", found)
	}
}

func TestManagerChangeIsolatedPerFile(t *testing.T) {
	m, pkgDir := newTestManager(t)
	ctx := context.Background()

	writeSource(t, pkgDir, "a.py", "def alpha():\n    pass\n")
	writeSource(t, pkgDir, "b.py", "def beta():\n    pass\n")
	res := m.ProcessBatch(ctx, []Event{
		{Type: EventAdd, Path: "a.py"},
		{Type: EventAdd, Path: "b.py"},
	})
	if res.Processed != 2 {
		t.Fatalf("batch: %+v", res)
	}

	writeSource(t, pkgDir, "a.py", "def alpha2():\n    pass\n")
	if _, err := m.Process(ctx, Event{Type: EventChange, Path: "a.py"}); err != nil {
		t.Fatal(err)
	}

	found := map[string]bool{}
	for _, n := range liveNodes(t, m) {
		found[n.Name] = true
	}
	if found["alpha"] || !found["alpha2"] {
		t.Errorf("a.py rows not replaced: %v", found)
	}
	if !found["beta"] {
		t.Errorf("b.py rows must survive a.py update: %v", found)
	}
}

func TestManagerUnlinkTombstones(t *testing.T) {
	m, pkgDir := newTestManager(t)
	ctx := context.Background()

	writeSource(t, pkgDir, "gone.py", "def bye():\n    pass\n")
	if _, err := m.Process(ctx, Event{Type: EventAdd, Path: "gone.py"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Process(ctx, Event{Type: EventUnlink, Path: "gone.py"}); err != nil {
		t.Fatalf("unlink failed: %v", err)
	}

	rows, err := m.store.ReadBranch(ctx, m.cfg.PackagePath, m.cfg.Branch)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows.Nodes) == 0 {
		t.Fatal("tombstones must remain in the partition")
	}
	for _, n := range rows.Nodes {
		if !n.IsDeleted {
			t.Errorf("node %s should be tombstoned", n.Name)
		}
	}
}

func TestManagerRenameKeepsEntityIDs(t *testing.T) {
	m, pkgDir := newTestManager(t)
	ctx := context.Background()

	writeSource(t, pkgDir, "old.py", "def stable():\n    pass\n")
	if _, err := m.Process(ctx, Event{Type: EventAdd, Path: "old.py"}); err != nil {
		t.Fatal(err)
	}
	before := liveNodes(t, m)

	if _, err := m.Process(ctx, Event{Type: EventRename, Path: "new.py", OldPath: "old.py"}); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	after := liveNodes(t, m)

	if len(before) != len(after) {
		t.Fatalf("row count changed on rename: %d -> %d", len(before), len(after))
	}
	ids := map[string]bool{}
	for _, n := range before {
		ids[n.EntityID] = true
	}
	for _, n := range after {
		if !ids[n.EntityID] {
			t.Errorf("entity id changed on rename: %s", n.EntityID)
		}
		if n.FilePath != "new.py" {
			t.Errorf("path not updated: %s", n.FilePath)
		}
	}
}

func TestManagerRenameWithoutOldPath(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Process(context.Background(), Event{Type: EventRename, Path: "new.py"}); err == nil {
		t.Error("rename without old path must fail")
	}
}

func TestManagerBatchIsolation(t *testing.T) {
	m, pkgDir := newTestManager(t)
	ctx := context.Background()

	writeSource(t, pkgDir, "good.py", "def ok():\n    pass\n")
	writeSource(t, pkgDir, "notes.txt", "not code\n")
	res := m.ProcessBatch(ctx, []Event{
		{Type: EventAdd, Path: "missing.py"},
		{Type: EventAdd, Path: "good.py"},
		{Type: EventAdd, Path: "notes.txt"},
	})

	if res.Processed != 1 || res.Failed != 2 {
		t.Fatalf("batch result: %+v", res)
	}
	joined := strings.Join(res.Errors, "; ")
	if !strings.Contains(joined, "file not found") || !strings.Contains(joined, "unsupported") {
		t.Errorf("error detail missing: %s", joined)
	}
	if len(liveNodes(t, m)) == 0 {
		t.Error("good event must apply despite failures")
	}
}

func TestManagerStatusAccumulatesTime(t *testing.T) {
	m, pkgDir := newTestManager(t)
	ctx := context.Background()

	if m.Status().TotalTime != 0 {
		t.Errorf("fresh manager total time: %v", m.Status().TotalTime)
	}

	writeSource(t, pkgDir, "app.py", "def a():\n    pass\n")
	m.ProcessBatch(ctx, []Event{{Type: EventAdd, Path: "app.py"}})
	first := m.Status().TotalTime
	if first <= 0 {
		t.Fatalf("total time after one event: %v", first)
	}

	// Skipped and failed events still count toward the total.
	m.ProcessBatch(ctx, []Event{
		{Type: EventChange, Path: "app.py"},
		{Type: EventAdd, Path: "missing.py"},
	})
	status := m.Status()
	if status.TotalTime <= first {
		t.Errorf("total time must grow: %v then %v", first, status.TotalTime)
	}
	if status.Skipped != 1 || status.Failed != 1 {
		t.Errorf("counters: %+v", status)
	}
}

func TestManagerClosed(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	res := m.ProcessBatch(context.Background(), []Event{{Type: EventAdd, Path: "x.py"}})
	if res.Failed != 1 {
		t.Errorf("closed manager must reject events: %+v", res)
	}
	if err := m.Close(); err != nil {
		t.Errorf("double close: %v", err)
	}
}

func TestHashCache(t *testing.T) {
	cache, err := OpenHashCache("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cache.Close()

	if got, err := cache.Get("a.py"); err != nil || got != "" {
		t.Fatalf("miss: %q %v", got, err)
	}
	if err := cache.Put("a.py", "abc"); err != nil {
		t.Fatal(err)
	}
	if got, _ := cache.Get("a.py"); got != "abc" {
		t.Errorf("hit: %q", got)
	}

	if err := cache.Rename("a.py", "b.py"); err != nil {
		t.Fatal(err)
	}
	if got, _ := cache.Get("a.py"); got != "" {
		t.Errorf("old key should be gone: %q", got)
	}
	if got, _ := cache.Get("b.py"); got != "abc" {
		t.Errorf("renamed key: %q", got)
	}

	if err := cache.Delete("b.py"); err != nil {
		t.Fatal(err)
	}
	if got, _ := cache.Get("b.py"); got != "" {
		t.Errorf("deleted key: %q", got)
	}
	// Deleting an absent key is fine.
	if err := cache.Delete("nope.py"); err != nil {
		t.Errorf("delete absent: %v", err)
	}
}

func TestDedupe(t *testing.T) {
	events := []Event{
		{Type: EventAdd, Path: "a.py"},
		{Type: EventChange, Path: "b.py"},
		{Type: EventChange, Path: "a.py"},
		{Type: EventUnlink, Path: "a.py"},
	}
	got := dedupe(events)
	if len(got) != 2 {
		t.Fatalf("dedupe: %+v", got)
	}
	if got[0].Path != "a.py" || got[0].Type != EventUnlink {
		t.Errorf("latest event must win: %+v", got[0])
	}
}

func TestDedupeKeepsRenameBeforeWrite(t *testing.T) {
	events := []Event{
		{Type: EventRename, Path: "b.py", OldPath: "a.py"},
		{Type: EventChange, Path: "b.py"},
	}
	got := dedupe(events)
	if len(got) != 2 {
		t.Fatalf("rename must not be collapsed: %+v", got)
	}
	if got[0].Type != EventRename || got[0].OldPath != "a.py" {
		t.Errorf("rename must apply first: %+v", got[0])
	}
	if got[1].Type != EventChange || got[1].Path != "b.py" {
		t.Errorf("write must follow the rename: %+v", got[1])
	}
}
