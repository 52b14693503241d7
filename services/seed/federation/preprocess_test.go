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
	"strings"
	"testing"
)

func TestPreprocessSQL(t *testing.T) {
	packages := map[string]string{
		"core": "/p",
		"api":  "/repo/packages/api",
	}

	t.Run("rewrites single package reference", func(t *testing.T) {
		res := PreprocessSQL("SELECT * FROM nodes@core", packages)
		if len(res.Errors) != 0 {
			t.Fatalf("unexpected errors: %v", res.Errors)
		}
		want := "read_parquet('/p/.devac/seed/base/nodes.parquet')"
		if !strings.Contains(res.SQL, want) {
			t.Errorf("rewrite missing %q, got: %s", want, res.SQL)
		}
		if strings.Contains(res.SQL, "@") {
			t.Errorf("rewritten SQL still contains @: %s", res.SQL)
		}
	})

	t.Run("unknown package reports one error and leaves SQL unchanged", func(t *testing.T) {
		sql := "SELECT * FROM nodes@nope"
		res := PreprocessSQL(sql, packages)
		if len(res.Errors) != 1 {
			t.Fatalf("want exactly one error, got %v", res.Errors)
		}
		if !strings.Contains(res.Errors[0], "unknown package") {
			t.Errorf("error should name the problem: %s", res.Errors[0])
		}
		if res.SQL != sql {
			t.Errorf("SQL must be unmodified on error, got: %s", res.SQL)
		}
	})

	t.Run("any error rejects the whole rewrite", func(t *testing.T) {
		sql := "SELECT * FROM nodes@core JOIN edges@nope ON true"
		res := PreprocessSQL(sql, packages)
		if len(res.Errors) != 1 {
			t.Fatalf("want one error, got %v", res.Errors)
		}
		if res.SQL != sql {
			t.Errorf("partial rewrites must not leak, got: %s", res.SQL)
		}
	})

	t.Run("wildcard unions all packages deterministically", func(t *testing.T) {
		res := PreprocessSQL("SELECT COUNT(*) FROM edges@*", packages)
		if len(res.Errors) != 0 {
			t.Fatalf("unexpected errors: %v", res.Errors)
		}
		if !strings.Contains(res.SQL, "UNION ALL") {
			t.Errorf("wildcard should union, got: %s", res.SQL)
		}
		// Sorted package order: api before core.
		api := strings.Index(res.SQL, "packages/api")
		core := strings.Index(res.SQL, "/p/.devac")
		if api < 0 || core < 0 || api > core {
			t.Errorf("union order not deterministic by name: %s", res.SQL)
		}
		// Identical input must produce identical output.
		again := PreprocessSQL("SELECT COUNT(*) FROM edges@*", packages)
		if again.SQL != res.SQL {
			t.Error("wildcard rewrite is not stable across calls")
		}
	})

	t.Run("wildcard with no packages reports error", func(t *testing.T) {
		sql := "SELECT * FROM nodes@*"
		res := PreprocessSQL(sql, map[string]string{})
		if len(res.Errors) != 1 {
			t.Fatalf("want one error, got %v", res.Errors)
		}
		if !strings.Contains(res.Errors[0], "no packages available") {
			t.Errorf("unexpected error text: %s", res.Errors[0])
		}
		if res.SQL != sql {
			t.Errorf("SQL must be unmodified on error")
		}
	})

	t.Run("multiple distinct references all rewritten", func(t *testing.T) {
		sql := "SELECT * FROM nodes@core n JOIN edges@api e ON n.entity_id = e.source_entity_id"
		res := PreprocessSQL(sql, packages)
		if len(res.Errors) != 0 {
			t.Fatalf("unexpected errors: %v", res.Errors)
		}
		if !strings.Contains(res.SQL, "/p/.devac/seed/base/nodes.parquet") ||
			!strings.Contains(res.SQL, "packages/api/.devac/seed/base/edges.parquet") {
			t.Errorf("both references should be rewritten: %s", res.SQL)
		}
	})

	t.Run("plain SQL passes through unchanged", func(t *testing.T) {
		sql := "SELECT name, kind FROM nodes WHERE is_deleted = false"
		res := PreprocessSQL(sql, packages)
		if res.SQL != sql || len(res.Errors) != 0 {
			t.Errorf("plain SQL must pass through, got %q %v", res.SQL, res.Errors)
		}
	})
}
