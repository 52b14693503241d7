// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SeedLockName is the lock file created inside a seed directory.
const SeedLockName = ".devac.lock"

// Info is the content of a lock file.
//
// Info is never mutated in place: a lock file is created on acquisition
// and removed on release. Everything in between is read-only.
type Info struct {
	// PID is the holder's process id.
	PID int `json:"pid"`

	// Hostname is the holder's host, used to decide whether liveness can
	// be probed locally.
	Hostname string `json:"hostname"`

	// Timestamp is when the lock was created.
	Timestamp time.Time `json:"timestamp"`

	// SessionID identifies the acquiring session for debugging.
	SessionID string `json:"session_id,omitempty"`
}

// Options configures lock acquisition.
type Options struct {
	// Timeout bounds the total time Acquire may spend retrying.
	Timeout time.Duration

	// RetryDelay is the initial backoff between attempts. It doubles on
	// each contention up to MaxRetryDelay.
	RetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration

	// StaleThreshold is the age beyond which a lock whose liveness cannot
	// be probed (a cross-host holder) is considered stale. Same-host
	// locks with a dead PID are reclaimed immediately regardless of age.
	StaleThreshold time.Duration

	// SessionID is recorded in the lock file. A fresh id is generated
	// when empty.
	SessionID string
}

// DefaultOptions returns the acquisition defaults used across the seed
// engine: 10s timeout, 50ms initial backoff capped at 1s, 30s staleness.
func DefaultOptions() Options {
	return Options{
		Timeout:        10 * time.Second,
		RetryDelay:     50 * time.Millisecond,
		MaxRetryDelay:  time.Second,
		StaleThreshold: 30 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = d.MaxRetryDelay
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = d.StaleThreshold
	}
	if o.SessionID == "" {
		o.SessionID = uuid.NewString()
	}
}

// Acquire blocks until the lock file at path can be created, or fails
// with ErrLockTimeout once opts.Timeout elapses.
//
// Creation uses O_CREATE|O_EXCL so acquisition is a single atomic step.
// On contention the holder's Info is inspected:
//
//   - same host, PID no longer running: stale, reclaimed immediately;
//   - otherwise: stale only once its age exceeds opts.StaleThreshold.
//
// Cross-host liveness cannot be probed, so age is the only cross-host
// signal. This accepts a bounded false-negative window: a live cross-host
// holder older than the threshold could be wrongly reclaimed. An
// unreadable (corrupt) lock file is treated as stale.
//
// The context cancels waiting early; ctx.Err() is returned in that case.
func Acquire(ctx context.Context, path string, opts Options) error {
	opts.applyDefaults()

	hostname, _ := os.Hostname()
	info := Info{
		PID:       os.Getpid(),
		Hostname:  hostname,
		SessionID: opts.SessionID,
	}

	deadline := time.Now().Add(opts.Timeout)
	delay := opts.RetryDelay

	for {
		info.Timestamp = time.Now()
		created, err := tryCreate(path, info)
		if err != nil {
			return err
		}
		if created {
			return nil
		}

		// Contention: decide whether the holder is reclaimable.
		holder, observed, stale := readHolder(path, hostname, opts.StaleThreshold)
		reclaimed := false
		if stale {
			// Reclaim only the exact file the staleness decision was
			// based on: another waiter may have removed it and validly
			// acquired in the meantime, and that live lock must survive.
			reclaimed = removeIfUnchanged(path, observed)
		}

		if time.Now().After(deadline) {
			return &TimeoutError{Path: path, Timeout: opts.Timeout, Holder: holder}
		}

		if reclaimed {
			// The next create attempt settles the race among waiters.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > opts.MaxRetryDelay {
			delay = opts.MaxRetryDelay
		}
	}
}

// removeIfUnchanged removes the lock file only while its content still
// matches the bytes the staleness judgment read. A vanished file counts
// as reclaimed; changed content means a new holder took over.
func removeIfUnchanged(path string, observed []byte) bool {
	current, err := os.ReadFile(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	if !bytes.Equal(current, observed) {
		return false
	}
	return os.Remove(path) == nil
}

// tryCreate attempts the exclusive create. Returns (false, nil) when the
// file already exists, (true, nil) on success.
func tryCreate(path string, info Info) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: creating %s: %v", ErrLockFailed, path, err)
	}

	data, err := json.Marshal(info)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return false, fmt.Errorf("%w: writing %s: %v", ErrLockFailed, path, err)
	}
	return true, nil
}

// readHolder reads the current holder and reports whether it is stale,
// returning the raw bytes the judgment was made on. A lock file that
// vanished or cannot be parsed counts as stale.
func readHolder(path, localHost string, staleThreshold time.Duration) (*Info, []byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Gone already, or unreadable: let the create attempt decide.
		return nil, nil, os.IsNotExist(err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		// Corrupt lock files block nobody.
		return nil, data, true
	}

	if info.Hostname == localHost && !isProcessAlive(info.PID) {
		return &info, data, true
	}
	if time.Since(info.Timestamp) > staleThreshold {
		return &info, data, true
	}
	return &info, data, false
}

// Release removes the lock file at path.
//
// Releasing an absent lock is a no-op, not an error: release must be
// idempotent so deferred releases never mask the original failure.
func Release(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: releasing %s: %v", ErrLockFailed, path, err)
	}
	return nil
}

// ForceRelease unconditionally removes the lock file regardless of
// ownership. Returns whether a lock file existed.
func ForceRelease(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: force releasing %s: %v", ErrLockFailed, path, err)
}

// Holder returns the current lock holder's Info, or nil when the path is
// not locked. Intended for status reporting, not for lock decisions.
func Holder(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrLockFailed, path, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrLockFailed, path, err)
	}
	return &info, nil
}

// WithLock runs fn while holding the lock at path.
//
// The lock is released on every exit path of fn, including panics, so a
// crashing critical section cannot leave the seed directory locked by a
// live process. Concurrent WithLock calls on the same path serialize:
// the second caller's fn only begins after the first caller released.
func WithLock(ctx context.Context, path string, opts Options, fn func() error) error {
	if err := Acquire(ctx, path, opts); err != nil {
		return err
	}
	defer Release(path)
	return fn()
}

// WithSeedLock runs fn while holding seedDir's lock file with default
// options. This is the standard guard for partition writes.
func WithSeedLock(ctx context.Context, seedDir string, fn func() error) error {
	return WithLock(ctx, filepath.Join(seedDir, SeedLockName), DefaultOptions(), fn)
}
