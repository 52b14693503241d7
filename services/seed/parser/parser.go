// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parser defines the structural parser contract consumed by the
// update pipeline, plus a tree-sitter based Python reference
// implementation.
//
// Parsers are external collaborators from the storage engine's point of
// view: they turn source bytes into node/edge/reference records and hold
// no storage or concurrency responsibilities of their own.
package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/devac/services/seed/store"
)

// ErrParseFailed is returned for complete parse failures. Recoverable
// problems are reported per file in Result.Warnings instead.
var ErrParseFailed = errors.New("parse failed")

// Config carries the identity context a parser needs to mint stable
// entity ids.
type Config struct {
	// RepoName is the repository identifier (host/org/repo form).
	RepoName string

	// PackagePath is the package path relative to the repository root.
	PackagePath string

	// Branch is the seed branch records are written to.
	Branch string
}

// Result is the structural parse output for one source file.
type Result struct {
	Nodes          []store.Node
	Edges          []store.Edge
	ExternalRefs   []store.ExternalRef
	SourceFileHash string
	FilePath       string
	Warnings       []string
}

// Parser extracts structured symbol information from source code.
//
// Implementations must be safe for concurrent use and should honor
// context cancellation during long parses.
type Parser interface {
	// Parse extracts nodes, edges, and external references from content.
	// filePath is recorded in every row and used for id generation.
	Parse(ctx context.Context, content []byte, filePath string, cfg Config) (*Result, error)

	// Language returns the canonical lowercase language name.
	Language() string

	// Extensions returns the file extensions handled, with leading dot.
	Extensions() []string
}

// Registry maps languages and file extensions to parser instances.
//
// # Thread Safety
//
// Registry is safe for concurrent use: registration takes a write lock,
// lookups a read lock.
type Registry struct {
	mu          sync.RWMutex
	byLanguage  map[string]Parser
	byExtension map[string]Parser
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byLanguage:  make(map[string]Parser),
		byExtension: make(map[string]Parser),
	}
}

// DefaultRegistry returns a Registry with the built-in parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewPythonParser())
	return r
}

// Register adds a parser for its language and extensions, replacing any
// previous registration.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLanguage[p.Language()] = p
	for _, ext := range p.Extensions() {
		r.byExtension[strings.ToLower(ext)] = p
	}
}

// ForFile returns the parser handling a file's extension.
func (r *Registry) ForFile(path string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byExtension[ext]
	if !ok {
		return nil, fmt.Errorf("%w: no parser for extension %q", ErrParseFailed, ext)
	}
	return p, nil
}

// ForLanguage returns the parser for a language name.
func (r *Registry) ForLanguage(lang string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byLanguage[strings.ToLower(lang)]
	return p, ok
}

// Supports reports whether any registered parser handles the file.
func (r *Registry) Supports(path string) bool {
	_, err := r.ForFile(path)
	return err == nil
}
