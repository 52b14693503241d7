// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parser

import (
	"context"
	"strings"
	"testing"

	"github.com/AleutianAI/devac/services/seed/store"
)

var testCfg = Config{
	RepoName:    "github.com/acme/widgets",
	PackagePath: "packages/api",
	Branch:      store.BranchBase,
}

const sampleSource = `"""Request handling."""
import os
from typing import Optional, List
from .base import Handler


def normalize(path: str) -> str:
    return path.strip("/")


class RequestRouter(Handler):
    """Routes incoming requests."""

    def dispatch(self, path):
        clean = normalize(path)
        return self._lookup(clean)

    def _lookup(self, path):
        return None

    @staticmethod
    def version():
        return "2.0"


async def serve(router: RequestRouter) -> None:
    pass
`

func parseSample(t *testing.T) *Result {
	t.Helper()
	res, err := NewPythonParser().Parse(context.Background(), []byte(sampleSource), "api/router.py", testCfg)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return res
}

func findNode(res *Result, name string) *store.Node {
	for i := range res.Nodes {
		if res.Nodes[i].Name == name {
			return &res.Nodes[i]
		}
	}
	return nil
}

func TestPythonParserNodes(t *testing.T) {
	res := parseSample(t)

	mod := findNode(res, "api.router")
	if mod == nil || mod.Kind != "module" {
		t.Fatalf("module node missing: %+v", res.Nodes)
	}
	if !mod.HasDoc {
		t.Error("module docstring not detected")
	}

	cls := findNode(res, "RequestRouter")
	if cls == nil || cls.Kind != "class" {
		t.Fatalf("class node missing")
	}
	if cls.QualifiedName != "api.router.RequestRouter" {
		t.Errorf("qualified name: %s", cls.QualifiedName)
	}
	if !cls.HasDoc || !cls.IsExported {
		t.Errorf("class flags wrong: %+v", cls)
	}

	dispatch := findNode(res, "dispatch")
	if dispatch == nil || dispatch.Kind != "method" {
		t.Fatalf("dispatch should be a method, got %+v", dispatch)
	}

	lookup := findNode(res, "_lookup")
	if lookup == nil || lookup.IsExported {
		t.Errorf("underscore name must not be exported: %+v", lookup)
	}

	version := findNode(res, "version")
	if version == nil || !version.IsStatic {
		t.Errorf("staticmethod not detected: %+v", version)
	}

	serve := findNode(res, "serve")
	if serve == nil || !serve.IsAsync || serve.Kind != "function" {
		t.Fatalf("async function flags wrong: %+v", serve)
	}
	if !strings.HasPrefix(serve.TypeSignature, "async def serve") {
		t.Errorf("signature: %s", serve.TypeSignature)
	}

	for _, n := range res.Nodes {
		if n.Branch != store.BranchBase || n.SourceFileHash != res.SourceFileHash {
			t.Errorf("row provenance missing on %s: %+v", n.Name, n)
		}
	}
}

func TestPythonParserEntityIDStability(t *testing.T) {
	first := parseSample(t)
	second := parseSample(t)

	a := findNode(first, "dispatch")
	b := findNode(second, "dispatch")
	if a == nil || b == nil || a.EntityID != b.EntityID {
		t.Fatal("entity ids must be stable across parses")
	}

	want := store.EntityID(testCfg.RepoName, testCfg.PackagePath, "method", "api.router.RequestRouter.dispatch")
	if a.EntityID != want {
		t.Errorf("entity id derivation changed: %s != %s", a.EntityID, want)
	}
}

func TestPythonParserEdges(t *testing.T) {
	res := parseSample(t)

	hasEdge := func(srcName, dstName, edgeType string) bool {
		src, dst := findNode(res, srcName), findNode(res, dstName)
		if src == nil || dst == nil {
			return false
		}
		for _, e := range res.Edges {
			if e.SourceEntityID == src.EntityID && e.TargetEntityID == dst.EntityID && e.EdgeType == edgeType {
				return true
			}
		}
		return false
	}

	if !hasEdge("api.router", "RequestRouter", "contains") {
		t.Error("module should contain class")
	}
	if !hasEdge("RequestRouter", "dispatch", "contains") {
		t.Error("class should contain method")
	}
	if !hasEdge("dispatch", "normalize", "calls") {
		t.Error("call to top-level function not recorded")
	}
	if !hasEdge("dispatch", "_lookup", "calls") {
		t.Error("self method call not recorded")
	}
}

func TestPythonParserImports(t *testing.T) {
	res := parseSample(t)

	byModule := map[string][]string{}
	for _, ref := range res.ExternalRefs {
		byModule[ref.ModuleSpecifier] = append(byModule[ref.ModuleSpecifier], ref.ImportedSymbol)
	}

	if _, ok := byModule["os"]; !ok {
		t.Errorf("plain import missing: %v", byModule)
	}
	typing := byModule["typing"]
	if len(typing) != 2 {
		t.Errorf("from-import symbols: %v", typing)
	}
	if _, ok := byModule[".base"]; !ok {
		t.Errorf("relative import missing: %v", byModule)
	}
}

func TestPythonParserInvalidInput(t *testing.T) {
	p := NewPythonParser()

	t.Run("oversize content rejected", func(t *testing.T) {
		small := NewPythonParser(WithPythonMaxFileSize(4))
		if _, err := small.Parse(context.Background(), []byte("x = 1\n"), "a.py", testCfg); err == nil {
			t.Error("expected size limit error")
		}
	})

	t.Run("invalid utf8 rejected", func(t *testing.T) {
		if _, err := p.Parse(context.Background(), []byte{0xff, 0xfe}, "a.py", testCfg); err == nil {
			t.Error("expected UTF-8 error")
		}
	})

	t.Run("syntax errors produce partial results", func(t *testing.T) {
		res, err := p.Parse(context.Background(), []byte("def broken(:\n    pass\n"), "a.py", testCfg)
		if err != nil {
			t.Fatalf("tolerant parse should not fail: %v", err)
		}
		if len(res.Warnings) == 0 {
			t.Error("expected syntax warning")
		}
	})
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	p, err := r.ForFile("src/app.py")
	if err != nil || p.Language() != "python" {
		t.Fatalf("python lookup failed: %v", err)
	}
	if _, err := r.ForFile("src/app.rb"); err == nil {
		t.Error("unknown extension should fail")
	}
	if !r.Supports("stubs.pyi") {
		t.Error("pyi should be supported")
	}
	if _, ok := r.ForLanguage("Python"); !ok {
		t.Error("language lookup should be case-insensitive")
	}
}

func TestModuleName(t *testing.T) {
	cases := map[string]string{
		"pkg/api/client.py":   "pkg.api.client",
		"pkg/api/__init__.py": "pkg.api",
		"main.py":             "main",
		"__init__.py":         ".",
	}
	for in, want := range cases {
		if got := moduleName(in); got != want {
			t.Errorf("moduleName(%q) = %q, want %q", in, got, want)
		}
	}
}
