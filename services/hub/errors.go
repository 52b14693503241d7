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

import "errors"

var (
	// ErrSocketConflict is returned when a live server already answers
	// on the hub directory's socket.
	ErrSocketConflict = errors.New("hub socket already bound by a live server")

	// ErrNotReady is returned for operations before Start or after
	// Stop.
	ErrNotReady = errors.New("hub not ready")

	// ErrRepoNotFound is returned when an operation names an
	// unregistered repository.
	ErrRepoNotFound = errors.New("repository not registered")
)
