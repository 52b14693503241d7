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
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

// SetupQueryContext creates SQL views over the partition files of one
// package so callers can query `nodes`, `edges`, and `external_refs`
// directly.
//
// When packages is non-nil, a package-qualified view (`nodes_<pkg>` and
// so on) is additionally created for every named package. Missing
// partition files produce warnings, not failures: the view is still
// created, backed by an empty relation with the right schema, so a never
// analyzed package queries as empty rather than erroring.
func (s *SeedStore) SetupQueryContext(ctx context.Context, pkgPath string, packages map[string]string) ([]string, error) {
	var warnings []string

	for _, table := range Tables {
		warn, err := s.createView(ctx, table, table, PartitionPath(pkgPath, BranchBase, table))
		if err != nil {
			return warnings, err
		}
		if warn != "" {
			warnings = append(warnings, warn)
		}
	}

	// Deterministic creation order keeps warning output stable.
	names := make([]string, 0, len(packages))
	for name := range packages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		root := packages[name]
		suffix := ViewSuffix(name)
		for _, table := range Tables {
			viewName := table + "_" + suffix
			warn, err := s.createView(ctx, viewName, table, PartitionPath(root, BranchBase, table))
			if err != nil {
				return warnings, err
			}
			if warn != "" {
				warnings = append(warnings, warn)
			}
		}
	}

	return warnings, nil
}

// createView points viewName at a partition file, or at an empty relation
// with the table's schema when the file is absent.
func (s *SeedStore) createView(ctx context.Context, viewName, table, path string) (string, error) {
	var body string
	var warn string
	if _, err := os.Stat(path); err == nil {
		body = fmt.Sprintf("SELECT * FROM read_parquet('%s')", sqlQuote(path))
	} else {
		body = emptySelect(table)
		warn = fmt.Sprintf("partition file missing for view %s: %s", viewName, path)
		s.logger.Warn("partition file missing, creating empty view",
			"view", viewName, "path", path)
	}

	ddl := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", viewName, body)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return warn, fmt.Errorf("creating view %s: %w", viewName, err)
	}
	return warn, nil
}

// ViewSuffix sanitizes a package display name into a SQL identifier
// suffix: anything outside [A-Za-z0-9_] becomes an underscore.
func ViewSuffix(pkgName string) string {
	var b strings.Builder
	for _, r := range pkgName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
