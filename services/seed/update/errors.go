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

import "errors"

var (
	// ErrFileNotFound is returned when an add or change event names a
	// file that does not exist on disk.
	ErrFileNotFound = errors.New("file not found")

	// ErrUnsupportedFile is returned when no registered parser handles
	// the file's extension.
	ErrUnsupportedFile = errors.New("unsupported file type")

	// ErrManagerClosed is returned for operations on a closed Manager.
	ErrManagerClosed = errors.New("update manager closed")

	// ErrInvalidEvent is returned for events with missing fields, such
	// as a rename without an old path.
	ErrInvalidEvent = errors.New("invalid event")
)
