// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package atomicio provides crash-safe file writes for seed storage.
//
// All writes follow the temp-file-and-rename discipline: content is written
// to a temporary file in the destination directory, flushed, and renamed
// over the destination. Rename is atomic within one filesystem, so readers
// never observe a half-written file. Durability against OS crashes is
// bounded by what rename plus an optional directory fsync provides.
package atomicio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/devac/pkg/logging"
)

// ErrWriteFailed is returned when an atomic write could not complete.
// The destination file is untouched when this error is returned.
var ErrWriteFailed = errors.New("atomic write failed")

// TempPrefix marks in-flight temporary files so SweepTemp can find them.
// Callers that stage their own temporary files (the seed store's parquet
// COPY flow) use the same prefix so one sweep covers everything.
const TempPrefix = ".devac-tmp-"

// Writer performs atomic single-file writes.
//
// # Thread Safety
//
// Writer is stateless apart from its logger and is safe for concurrent
// use. Concurrent writes to the same destination are serialized by the
// caller (normally under a seed lock).
type Writer struct {
	// SyncDir controls whether the containing directory is fsynced after
	// rename. Enabling it hardens the commit against power loss at the
	// cost of one extra syscall per write.
	SyncDir bool

	logger *logging.Logger
}

// NewWriter creates a Writer with directory syncing enabled.
func NewWriter(logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Writer{SyncDir: true, logger: logger}
}

// WriteFile atomically replaces path with data.
//
// The destination is never observable in a half-written state: on any
// failure the temporary file is discarded and the prior content (if any)
// remains. Failures wrap ErrWriteFailed.
func (w *Writer) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrWriteFailed, dir, err)
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file in %s: %v", ErrWriteFailed, dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: writing %s: %v", ErrWriteFailed, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: syncing %s: %v", ErrWriteFailed, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing temp for %s: %v", ErrWriteFailed, path, err)
	}

	return w.CommitFile(tmpPath, path)
}

// WriteJSON atomically replaces path with the JSON encoding of v.
//
// Output is indented for readability since seed metadata and manifests
// are read by humans during debugging.
func (w *Writer) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %v", ErrWriteFailed, path, err)
	}
	return w.WriteFile(path, append(data, '\n'))
}

// CommitFile renames a fully-written temporary file over the destination.
//
// Used directly by callers that produce the temporary file themselves
// (e.g. the seed store's parquet COPY flow). tmpPath must be on the same
// filesystem as dstPath.
func (w *Writer) CommitFile(tmpPath, dstPath string) error {
	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming %s over %s: %v", ErrWriteFailed, tmpPath, dstPath, err)
	}
	if w.SyncDir {
		w.syncDir(filepath.Dir(dstPath))
	}
	return nil
}

// syncDir fsyncs a directory so the rename itself is durable.
// Failures are logged, not returned: the rename already committed.
func (w *Writer) syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		w.logger.Warn("cannot open directory for sync", "dir", dir, "error", err)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		w.logger.Warn("directory sync failed", "dir", dir, "error", err)
	}
}

// SweepTemp removes stale temporary files older than maxAge from dir.
//
// Stale temp files accumulate when a writer crashes between create and
// rename. Sweep failures are non-fatal: each is logged and the sweep
// continues. Returns the number of files removed.
func (w *Writer) SweepTemp(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("temp sweep cannot read directory", "dir", dir, "error", err)
		}
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), TempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			w.logger.Warn("temp sweep failed to remove file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}
