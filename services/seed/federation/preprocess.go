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
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/devac/services/seed/store"
)

// federationRef matches `table@package` and `table@*` for the three seed
// tables. Package names may contain dots, dashes, and slashes (scoped
// npm-style names appear unscoped in the map, but be permissive here so
// a typo reports "unknown package" instead of silently not matching).
var federationRef = regexp.MustCompile(`\b(nodes|edges|external_refs)@(\*|[A-Za-z0-9_][A-Za-z0-9_./-]*)`)

// Result is the outcome of a federation rewrite.
//
// When Errors is non-empty, SQL is the original input unmodified: a
// failed rewrite is rejected wholesale so the caller never executes a
// half-rewritten query.
type Result struct {
	// SQL is the rewritten (or, on error, original) query text.
	SQL string

	// Errors lists every rewrite problem, one string per reference.
	Errors []string
}

// PreprocessSQL rewrites the `@`-qualified federation syntax in a query.
//
//   - `table@pkg` becomes a direct read of that package's partition file.
//   - `table@*` becomes a union read across every known package.
//   - SQL containing no `@` syntax passes through unchanged.
//
// All distinct references in one query are rewritten. packages maps
// display names to package roots.
func PreprocessSQL(sql string, packages map[string]string) Result {
	if !strings.Contains(sql, "@") {
		return Result{SQL: sql}
	}

	var errs []string
	rewritten := federationRef.ReplaceAllStringFunc(sql, func(ref string) string {
		m := federationRef.FindStringSubmatch(ref)
		table, pkg := m[1], m[2]

		if pkg == "*" {
			union, err := wildcardRead(table, packages)
			if err != nil {
				errs = append(errs, err.Error())
				return ref
			}
			return union
		}

		root, ok := packages[pkg]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: %s", ErrUnknownPackage.Error(), pkg))
			return ref
		}
		return partitionRead(root, table)
	})

	if len(errs) > 0 {
		return Result{SQL: sql, Errors: errs}
	}
	return Result{SQL: rewritten}
}

// partitionRead returns the parquet read expression for one partition.
func partitionRead(root, table string) string {
	path := store.PartitionPath(root, store.BranchBase, table)
	return fmt.Sprintf("read_parquet('%s')", strings.ReplaceAll(path, "'", "''"))
}

// wildcardRead builds a union read across every known package, in sorted
// package-name order so the same query always resolves to the same plan.
func wildcardRead(table string, packages map[string]string) (string, error) {
	if len(packages) == 0 {
		return "", fmt.Errorf("%w for %s@*", ErrNoPackages, table)
	}

	names := make([]string, 0, len(packages))
	for name := range packages {
		names = append(names, name)
	}
	sort.Strings(names)

	selects := make([]string, len(names))
	for i, name := range names {
		selects[i] = "SELECT * FROM " + partitionRead(packages[name], table)
	}
	return "(" + strings.Join(selects, " UNION ALL ") + ")", nil
}
