// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicio

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteFile(t *testing.T) {
	t.Run("writes new file", func(t *testing.T) {
		w := NewWriter(nil)
		path := filepath.Join(t.TempDir(), "sub", "out.json")

		if err := w.WriteFile(path, []byte("hello")); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading back: %v", err)
		}
		if string(data) != "hello" {
			t.Errorf("got %q, want %q", data, "hello")
		}
	})

	t.Run("replaces existing file wholesale", func(t *testing.T) {
		w := NewWriter(nil)
		path := filepath.Join(t.TempDir(), "out.bin")
		if err := w.WriteFile(path, []byte("first version, long")); err != nil {
			t.Fatalf("first write: %v", err)
		}
		if err := w.WriteFile(path, []byte("v2")); err != nil {
			t.Fatalf("second write: %v", err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "v2" {
			t.Errorf("got %q, want %q", data, "v2")
		}
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		w := NewWriter(nil)
		dir := t.TempDir()
		if err := w.WriteFile(filepath.Join(dir, "a"), []byte("x")); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), TempPrefix) {
				t.Errorf("temp file left behind: %s", e.Name())
			}
		}
	})

	t.Run("wraps failures as ErrWriteFailed", func(t *testing.T) {
		w := NewWriter(nil)
		dir := t.TempDir()
		if err := os.Chmod(dir, 0500); err != nil {
			t.Skipf("cannot drop write permission: %v", err)
		}
		defer os.Chmod(dir, 0755)

		err := w.WriteFile(filepath.Join(dir, "nope"), []byte("x"))
		if err == nil {
			t.Skip("running with elevated privileges, permission not enforced")
		}
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("expected ErrWriteFailed, got %v", err)
		}
	})
}

func TestWriteJSON(t *testing.T) {
	w := NewWriter(nil)
	path := filepath.Join(t.TempDir(), "meta.json")

	in := map[string]any{"schemaVersion": "2.0"}
	if err := w.WriteJSON(path, in); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if out["schemaVersion"] != "2.0" {
		t.Errorf("round trip mismatch: %v", out)
	}
}

func TestCommitFile(t *testing.T) {
	w := NewWriter(nil)
	dir := t.TempDir()
	tmp := filepath.Join(dir, TempPrefix+"part")
	dst := filepath.Join(dir, "nodes.parquet")
	if err := os.WriteFile(tmp, []byte("columnar"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := w.CommitFile(tmp, dst); err != nil {
		t.Fatalf("CommitFile failed: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("temp file should be gone after commit")
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "columnar" {
		t.Errorf("got %q after commit", data)
	}
}

func TestSweepTemp(t *testing.T) {
	w := NewWriter(nil)
	dir := t.TempDir()

	stale := filepath.Join(dir, TempPrefix+"old")
	fresh := filepath.Join(dir, TempPrefix+"new")
	regular := filepath.Join(dir, "keep.parquet")
	for _, p := range []string{stale, fresh, regular} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("setup chtimes: %v", err)
	}

	removed := w.SweepTemp(dir, time.Hour)
	if removed != 1 {
		t.Errorf("removed %d files, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file should be removed")
	}
	for _, p := range []string{fresh, regular} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should survive the sweep", p)
		}
	}

	// Sweeping a missing directory is non-fatal.
	if n := w.SweepTemp(filepath.Join(dir, "missing"), time.Hour); n != 0 {
		t.Errorf("sweep of missing dir removed %d", n)
	}
}
