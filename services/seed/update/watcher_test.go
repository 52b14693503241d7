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
	"testing"
	"time"
)

func TestWatcherAppliesChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watch test")
	}

	m, pkgDir := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewWatcher(m, &WatcherOptions{
		DebounceWindow: 50 * time.Millisecond,
		IgnorePatterns: DefaultWatcherOptions().IgnorePatterns,
		BufferSize:     100,
	})
	if err != nil {
		t.Fatalf("creating watcher: %v", err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("starting watcher: %v", err)
	}
	if !w.IsWatching() {
		t.Fatal("watcher should report active")
	}

	writeSource(t, pkgDir, "watched.py", "def seen():\n    pass\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(liveNodes(t, m)) > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("change was not applied before deadline")
}

func TestWatcherPairsRenameEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watch test")
	}

	m, pkgDir := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewWatcher(m, &WatcherOptions{
		DebounceWindow: 50 * time.Millisecond,
		IgnorePatterns: DefaultWatcherOptions().IgnorePatterns,
		BufferSize:     100,
	})
	if err != nil {
		t.Fatalf("creating watcher: %v", err)
	}
	defer w.Stop()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("starting watcher: %v", err)
	}

	writeSource(t, pkgDir, "before.py", "def moved():\n    pass\n")
	var originalID string
	waitFor(t, func() bool {
		nodes := liveNodes(t, m)
		if len(nodes) == 0 {
			return false
		}
		originalID = nodes[0].EntityID
		return true
	}, "initial file was not seeded")

	if err := os.Rename(
		filepath.Join(pkgDir, "before.py"),
		filepath.Join(pkgDir, "after.py"),
	); err != nil {
		t.Fatal(err)
	}

	// A move inside the tree carries the rows to the new path instead of
	// tombstoning and re-adding them under fresh identities.
	waitFor(t, func() bool {
		nodes := liveNodes(t, m)
		return len(nodes) == 1 && nodes[0].FilePath == "after.py"
	}, "rename was not applied")
	if got := liveNodes(t, m)[0].EntityID; got != originalID {
		t.Errorf("entity id changed across rename: %s -> %s", originalID, got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWatcherStopIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	w, err := NewWatcher(m, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
	if w.IsWatching() {
		t.Error("stopped watcher should not report active")
	}
}
