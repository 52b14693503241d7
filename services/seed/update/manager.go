// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package update applies file change events to a package's seed
// incrementally: one event touches only the records of the file it
// names, and unchanged content is skipped by hash comparison before any
// parse work happens.
package update

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/seed/lock"
	"github.com/AleutianAI/devac/services/seed/parser"
	"github.com/AleutianAI/devac/services/seed/store"
)

// EventType classifies a file change event.
type EventType string

const (
	// EventAdd indicates a new file appeared.
	EventAdd EventType = "add"

	// EventChange indicates an existing file's content changed.
	EventChange EventType = "change"

	// EventUnlink indicates a file was deleted.
	EventUnlink EventType = "unlink"

	// EventRename indicates a file moved from OldPath to Path.
	EventRename EventType = "rename"
)

// Event is one file change to apply to the seed. Paths are relative to
// the package root, with forward slashes.
type Event struct {
	Type    EventType `json:"type"`
	Path    string    `json:"path"`
	OldPath string    `json:"old_path,omitempty"`
}

// BatchResult summarizes one ProcessBatch call. Failures are isolated:
// a failing event never prevents the rest of the batch from applying.
type BatchResult struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Status reports a Manager's lifetime counters. TotalTime accumulates
// the wall time spent applying events, including skipped and failed ones.
type Status struct {
	Processed uint64        `json:"processed"`
	Skipped   uint64        `json:"skipped"`
	Failed    uint64        `json:"failed"`
	LastEvent time.Time     `json:"last_event"`
	TotalTime time.Duration `json:"total_time_ns"`
}

// Config configures a Manager.
type Config struct {
	// PackagePath is the package root whose seed is maintained.
	PackagePath string

	// RepoName identifies the repository for entity id generation.
	RepoName string

	// PackageName is the package path recorded inside entity ids,
	// relative to the repository root.
	PackageName string

	// Branch selects the seed branch. Default: store.BranchBase.
	Branch string

	// CacheDir holds the hash cache database. Empty means in-memory.
	CacheDir string

	// Registry supplies parsers. Nil uses parser.DefaultRegistry().
	Registry *parser.Registry

	// Logger for structured output. Nil uses logging.Default().
	Logger *logging.Logger
}

// Manager applies incremental updates to one package's seed.
//
// # Description
//
//	Every mutating operation runs under the seed lock, so concurrent
//	writers from other processes serialize at file granularity. Reads of
//	the partitions remain lock-free thanks to atomic partition
//	replacement.
//
// # Thread Safety
//
//	Safe for concurrent use; the seed lock additionally serializes
//	cross-process writers.
type Manager struct {
	cfg      Config
	store    *store.SeedStore
	registry *parser.Registry
	cache    *HashCache
	logger   *logging.Logger

	processed atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
	lastEvent atomic.Int64 // unix nanos
	totalTime atomic.Int64 // nanos spent applying events
	closed    atomic.Bool
}

// NewManager creates a Manager and its hash cache.
func NewManager(cfg Config, seedStore *store.SeedStore) (*Manager, error) {
	if cfg.PackagePath == "" {
		return nil, fmt.Errorf("%w: package path is required", ErrInvalidEvent)
	}
	if cfg.Branch == "" {
		cfg.Branch = store.BranchBase
	}
	if cfg.Registry == nil {
		cfg.Registry = parser.DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	cache, err := OpenHashCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:      cfg,
		store:    seedStore,
		registry: cfg.Registry,
		cache:    cache,
		logger:   cfg.Logger,
	}, nil
}

// Close releases the hash cache. The seed store is owned by the caller.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.cache.Close()
}

// Status returns lifetime counters.
func (m *Manager) Status() Status {
	return Status{
		Processed: m.processed.Load(),
		Skipped:   m.skipped.Load(),
		Failed:    m.failed.Load(),
		LastEvent: time.Unix(0, m.lastEvent.Load()),
		TotalTime: time.Duration(m.totalTime.Load()),
	}
}

// Process applies a single event under the seed lock.
//
// # Outputs
//   - bool: true when the event changed the seed, false when skipped.
//   - error: wraps ErrFileNotFound, ErrUnsupportedFile, ErrInvalidEvent,
//     or parser/storage failures.
func (m *Manager) Process(ctx context.Context, ev Event) (bool, error) {
	res := m.ProcessBatch(ctx, []Event{ev})
	if res.Failed > 0 {
		return false, fmt.Errorf("%s %s: %s", ev.Type, ev.Path, res.Errors[0])
	}
	return res.Processed > 0, nil
}

// ProcessBatch applies a batch of events under a single seed lock
// acquisition. Events apply in order; each failure is recorded and the
// batch continues.
func (m *Manager) ProcessBatch(ctx context.Context, events []Event) BatchResult {
	var result BatchResult
	if m.closed.Load() {
		result.Failed = len(events)
		result.Errors = append(result.Errors, ErrManagerClosed.Error())
		return result
	}
	if len(events) == 0 {
		return result
	}

	ctx, span := tracer.Start(ctx, "Manager.ProcessBatch",
		trace.WithAttributes(attribute.Int("update.batch_size", len(events))))
	defer span.End()

	if err := m.store.EnsureSeed(m.cfg.PackagePath, m.cfg.Branch); err != nil {
		result.Failed = len(events)
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	err := lock.WithSeedLock(ctx, store.SeedDir(m.cfg.PackagePath), func() error {
		for _, ev := range events {
			start := time.Now()
			changed, err := m.apply(ctx, ev)
			m.lastEvent.Store(time.Now().UnixNano())
			m.totalTime.Add(int64(time.Since(start)))

			switch {
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", ev.Type, ev.Path, err))
				m.failed.Add(1)
				m.logger.Slog().Warn("event failed",
					slog.String("type", string(ev.Type)),
					slog.String("path", ev.Path),
					slog.String("error", err.Error()))
				recordEvent(ctx, string(ev.Type), time.Since(start), "failed")
			case !changed:
				result.Skipped++
				m.skipped.Add(1)
				recordEvent(ctx, string(ev.Type), time.Since(start), "skipped")
			default:
				result.Processed++
				m.processed.Add(1)
				recordEvent(ctx, string(ev.Type), time.Since(start), "processed")
			}
		}
		return nil
	})
	if err != nil {
		// Lock acquisition failed; nothing was applied.
		result.Failed = len(events)
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	span.SetAttributes(
		attribute.Int("update.processed", result.Processed),
		attribute.Int("update.skipped", result.Skipped),
		attribute.Int("update.failed", result.Failed),
	)
	return result
}

// apply dispatches one event. The caller holds the seed lock.
func (m *Manager) apply(ctx context.Context, ev Event) (bool, error) {
	switch ev.Type {
	case EventAdd, EventChange:
		return m.applyUpsert(ctx, ev.Path)
	case EventUnlink:
		return true, m.applyUnlink(ctx, ev.Path)
	case EventRename:
		if ev.OldPath == "" {
			return false, fmt.Errorf("%w: rename without old path", ErrInvalidEvent)
		}
		return true, m.applyRename(ctx, ev.OldPath, ev.Path)
	default:
		return false, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
}

// applyUpsert parses one file and replaces its seed records. Unchanged
// content short-circuits before parsing.
func (m *Manager) applyUpsert(ctx context.Context, relPath string) (bool, error) {
	abs := filepath.Join(m.cfg.PackagePath, filepath.FromSlash(relPath))
	content, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %s", ErrFileNotFound, relPath)
		}
		return false, fmt.Errorf("reading %s: %w", relPath, err)
	}

	hash := store.HashContent(content)
	if prev, err := m.cache.Get(relPath); err == nil && prev == hash {
		return false, nil
	}
	// Cache misses fall back to the hash recorded in the seed itself.
	if prev, err := m.store.FileHash(ctx, m.cfg.PackagePath, m.cfg.Branch, relPath); err == nil && prev == hash {
		if cacheErr := m.cache.Put(relPath, hash); cacheErr != nil {
			m.logger.Slog().Debug("hash cache write failed", slog.String("error", cacheErr.Error()))
		}
		return false, nil
	}

	p, err := m.registry.ForFile(relPath)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedFile, relPath)
	}

	parsed, err := p.Parse(ctx, content, relPath, parser.Config{
		RepoName:    m.cfg.RepoName,
		PackagePath: m.cfg.PackageName,
		Branch:      m.cfg.Branch,
	})
	if err != nil {
		return false, err
	}
	for _, w := range parsed.Warnings {
		m.logger.Slog().Warn("parse warning", slog.String("warning", w))
	}

	rows := store.FileRows{
		Nodes:        parsed.Nodes,
		Edges:        parsed.Edges,
		ExternalRefs: parsed.ExternalRefs,
	}
	if err := m.store.ReplaceFileRows(ctx, m.cfg.PackagePath, m.cfg.Branch, relPath, rows); err != nil {
		return false, err
	}
	if err := m.cache.Put(relPath, hash); err != nil {
		m.logger.Slog().Debug("hash cache write failed", slog.String("error", err.Error()))
	}
	return true, nil
}

// applyUnlink tombstones a deleted file's records.
func (m *Manager) applyUnlink(ctx context.Context, relPath string) error {
	if err := m.store.TombstoneFile(ctx, m.cfg.PackagePath, m.cfg.Branch, relPath); err != nil {
		return err
	}
	return m.cache.Delete(relPath)
}

// applyRename carries records forward to the new path. Content changes
// arrive as a separate change event and are handled there.
func (m *Manager) applyRename(ctx context.Context, oldPath, newPath string) error {
	if err := m.store.RenameFile(ctx, m.cfg.PackagePath, m.cfg.Branch, oldPath, newPath); err != nil {
		return err
	}
	return m.cache.Rename(oldPath, newPath)
}
