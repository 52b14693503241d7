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

import "errors"

var (
	// ErrInvalidRoot is returned when the repository root does not
	// exist or is not a directory.
	ErrInvalidRoot = errors.New("invalid repository root")

	// ErrNotFound is returned when no manifest exists at the expected
	// location.
	ErrNotFound = errors.New("manifest not found")

	// ErrInvalidManifest is returned when a manifest fails validation.
	ErrInvalidManifest = errors.New("invalid manifest")
)
