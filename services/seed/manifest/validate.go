// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a manifest's structural integrity and the existence
// of every referenced seed directory.
//
// # Outputs
//   - []string: one field-qualified problem per entry; empty means valid.
func Validate(repoRoot string, m *Manifest) []string {
	var problems []string

	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	seen := make(map[string]bool, len(m.Packages))
	for i, pkg := range m.Packages {
		if seen[pkg.Path] {
			problems = append(problems, fmt.Sprintf("packages[%d]: duplicate path %q", i, pkg.Path))
		}
		seen[pkg.Path] = true

		if pkg.SeedPath == "" {
			continue
		}
		seedDir := filepath.Join(repoRoot, filepath.FromSlash(pkg.SeedPath))
		if info, err := os.Stat(seedDir); err != nil || !info.IsDir() {
			problems = append(problems, fmt.Sprintf("packages[%d].seed_path: %s does not exist", i, pkg.SeedPath))
		}
	}

	return problems
}

// ValidateFile loads the manifest at repoRoot and validates it.
// A missing or undecodable manifest is itself the validation failure.
func ValidateFile(repoRoot string) []string {
	m, err := Load(repoRoot)
	if err != nil {
		return []string{err.Error()}
	}
	return Validate(repoRoot, m)
}
