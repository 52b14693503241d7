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

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/devac/pkg/logging"
)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before
	// flushing a batch. Default: 200ms.
	DebounceWindow time.Duration

	// IgnorePatterns name files and directories to skip.
	IgnorePatterns []string

	// BufferSize is the change channel capacity. Default: 1000.
	BufferSize int
}

// DefaultWatcherOptions returns the defaults used when opts is nil.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 200 * time.Millisecond,
		IgnorePatterns: []string{".git", ".devac", "node_modules", "__pycache__", "*.swp", "*.tmp"},
		BufferSize:     1000,
	}
}

// Watcher turns filesystem notifications into debounced event batches
// applied through a Manager.
//
// # Description
//
// Raw notifications are buffered and flushed as one batch when the
// debounce window expires without further changes, so a save storm from
// an editor produces one seed write instead of dozens. fsnotify reports
// a rename as Rename on the old path plus Create on the new path; the
// watcher pairs the two into one rename event so the moved file carries
// its seed rows forward. A Rename with no Create inside the debounce
// window is a move out of the tree and flushes as an unlink.
//
// # Thread Safety
//
// Safe for concurrent use. Batches apply from a single goroutine.
type Watcher struct {
	manager *Manager
	watcher *fsnotify.Watcher
	opts    WatcherOptions
	logger  *logging.Logger

	changes  chan Event
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// NewWatcher creates a watcher over the manager's package root.
func NewWatcher(manager *Manager, opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		manager: manager,
		watcher: fsw,
		opts:    *opts,
		logger:  manager.logger,
		changes: make(chan Event, opts.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the package tree recursively.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.manager.cfg.PackagePath); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// addRecursive watches a directory tree, honoring ignore patterns.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// shouldIgnore checks a path's base name against the ignore patterns.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnorePatterns {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// processEvents converts fsnotify notifications into Events, pairing a
// Rename on the old path with the following Create on the new path.
func (w *Watcher) processEvents(ctx context.Context) {
	var pending string            // rename source awaiting its create
	var pendingC <-chan time.Time // flushes a dangling rename as unlink

	emit := func(ev Event) {
		select {
		case w.changes <- ev:
		default:
			w.logger.Slog().Warn("watch buffer full, dropping event",
				slog.String("path", ev.Path))
		}
	}
	flushPending := func() {
		if pending != "" {
			emit(Event{Type: EventUnlink, Path: pending})
			pending = ""
		}
		pendingC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-pendingC:
			flushPending()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			// New directories get watched; they produce no seed event.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !w.shouldIgnore(event.Name) {
						w.watcher.Add(event.Name)
					}
					continue
				}
			}

			rel, err := filepath.Rel(w.manager.cfg.PackagePath, event.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if !w.manager.registry.Supports(rel) {
				continue
			}

			ev := Event{Path: rel}
			switch {
			case event.Has(fsnotify.Create):
				if pending != "" {
					emit(Event{Type: EventRename, Path: rel, OldPath: pending})
					pending = ""
					pendingC = nil
					continue
				}
				ev.Type = EventAdd
			case event.Has(fsnotify.Rename):
				flushPending()
				pending = rel
				pendingC = time.After(w.opts.DebounceWindow)
				continue
			case event.Has(fsnotify.Write):
				flushPending()
				ev.Type = EventChange
			case event.Has(fsnotify.Remove):
				flushPending()
				ev.Type = EventUnlink
			default:
				continue
			}
			emit(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Slog().Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// debounceLoop batches events and applies them when the window expires.
func (w *Watcher) debounceLoop(ctx context.Context) {
	var batch []Event
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			deduped := dedupe(batch)
			res := w.manager.ProcessBatch(ctx, deduped)
			if res.Failed > 0 {
				w.logger.Slog().Warn("batch had failures",
					slog.Int("failed", res.Failed),
					slog.Int("processed", res.Processed))
			}
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case ev := <-w.changes:
			batch = append(batch, ev)
			if timer == nil {
				timer = time.NewTimer(w.opts.DebounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.DebounceWindow)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupe keeps the most recent event per path. A rename is never
// collapsed away: a later write to the new path must still move the old
// path's rows first, so it stays and the write follows it.
func dedupe(events []Event) []Event {
	seen := make(map[string]int)
	result := make([]Event, 0, len(events))
	for _, ev := range events {
		if idx, ok := seen[ev.Path]; ok && result[idx].Type != EventRename {
			result[idx] = ev
			continue
		}
		seen[ev.Path] = len(result)
		result = append(result, ev)
	}
	return result
}
