// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides cross-process advisory locking for seed directories.
//
// Locks are JSON lock files created with O_EXCL, so creation is atomic and
// there is no window between "check" and "create". A holder that crashes
// leaves its lock file behind; staleness recovery makes such locks
// reclaimable (see Acquire).
//
// # Thread Safety
//
// All functions are safe for concurrent use. In-process callers competing
// for the same path serialize through the same file mechanism as
// cross-process callers; there is deliberately no in-process fast path
// that could diverge from the cross-process semantics.
package lock

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for lock operations.
var (
	// ErrLockTimeout is returned when Acquire exceeds its timeout without
	// obtaining the lock.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockFailed is returned for non-contention failures (permission,
	// I/O) while creating or removing a lock file.
	ErrLockFailed = errors.New("lock operation failed")
)

// TimeoutError carries enough context to diagnose a timeout without
// inspecting internals: the path fought over, the configured timeout, and
// the holder observed last.
type TimeoutError struct {
	// Path is the lock file path.
	Path string

	// Timeout is the configured acquisition timeout.
	Timeout time.Duration

	// Holder is the last observed lock holder, if readable.
	Holder *Info
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("acquiring %s: timed out after %s (held by pid %d on %s since %s)",
			e.Path, e.Timeout, e.Holder.PID, e.Holder.Hostname, e.Holder.Timestamp.Format(time.RFC3339))
	}
	return fmt.Sprintf("acquiring %s: timed out after %s", e.Path, e.Timeout)
}

// Unwrap returns ErrLockTimeout for errors.Is support.
func (e *TimeoutError) Unwrap() error { return ErrLockTimeout }
