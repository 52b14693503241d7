// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package federation resolves the `table@package` SQL extension into
// physical partition-file reads, and discovers which packages in a
// repository carry seeds.
//
// The `@` syntax is recognized only in raw query text handed to the
// query engine; it is rewritten before execution and never persisted.
package federation

import "errors"

// Sentinel errors for federation rewrites.
var (
	// ErrUnknownPackage is reported when an `@`-reference names a package
	// that is not in the supplied package map.
	ErrUnknownPackage = errors.New("unknown package")

	// ErrNoPackages is reported when a wildcard `table@*` is used with an
	// empty package map.
	ErrNoPackages = errors.New("no packages available")
)
