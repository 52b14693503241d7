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
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/AleutianAI/devac/services/seed/store"
)

// DefaultMaxFileSize is the largest source file a parser will accept.
const DefaultMaxFileSize = 10 * 1024 * 1024

// PythonParserOption configures a PythonParser instance.
type PythonParserOption func(*PythonParser)

// WithPythonMaxFileSize sets the maximum file size the parser will accept.
func WithPythonMaxFileSize(bytes int64) PythonParserOption {
	return func(p *PythonParser) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// PythonParser implements Parser for Python source code.
//
// # Description
//
//	PythonParser uses tree-sitter to extract classes, functions, and
//	methods as graph nodes, containment and call relations as edges, and
//	import statements as external references. It is error tolerant:
//	syntactically invalid code yields partial results plus a warning.
//
// # Thread Safety
//
//	Safe for concurrent use. Each Parse call creates its own tree-sitter
//	parser instance.
type PythonParser struct {
	maxFileSize int64
}

// NewPythonParser creates a PythonParser with default limits.
func NewPythonParser(opts ...PythonParserOption) *PythonParser {
	p := &PythonParser{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Language returns "python".
func (p *PythonParser) Language() string { return "python" }

// Extensions returns the extensions handled: .py and .pyi.
func (p *PythonParser) Extensions() []string { return []string{".py", ".pyi"} }

// pyExtract carries per-file extraction state.
type pyExtract struct {
	content []byte
	cfg     Config
	res     *Result

	filePath   string
	fileHash   string
	moduleID   string
	moduleName string
	now        time.Time

	// local maps simple names defined in this file to their entity ids,
	// for same-file call resolution.
	local map[string]string
}

// Parse extracts nodes, edges, and external references from Python
// source.
//
// # Inputs
//   - ctx: checked before and after the tree-sitter pass; parsing
//     itself cannot be interrupted mid-parse.
//   - content: raw source bytes, must be valid UTF-8.
//   - filePath: package-relative path with forward slashes, recorded in
//     every row.
//   - cfg: repository/package identity for entity id generation.
//
// # Outputs
//   - *Result: never nil on success; partial with Warnings for invalid
//     syntax.
//   - error: wraps ErrParseFailed for oversize or non-UTF-8 input.
func (p *PythonParser) Parse(ctx context.Context, content []byte, filePath string, cfg Config) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}
	if int64(len(content)) > p.maxFileSize {
		return nil, fmt.Errorf("%w: %s: size %d exceeds limit %d", ErrParseFailed, filePath, len(content), p.maxFileSize)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s: content is not valid UTF-8", ErrParseFailed, filePath)
	}
	if cfg.Branch == "" {
		cfg.Branch = store.BranchBase
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParseFailed, filePath, err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled after tree-sitter: %w", err)
	}

	ex := &pyExtract{
		content:  content,
		cfg:      cfg,
		filePath: filePath,
		fileHash: store.HashContent(content),
		now:      time.Now().UTC(),
		local:    make(map[string]string),
		res:      &Result{FilePath: filePath},
	}
	ex.res.SourceFileHash = ex.fileHash
	ex.moduleName = moduleName(filePath)
	ex.moduleID = ex.entityID("module", ex.moduleName)

	root := tree.RootNode()
	if root == nil {
		ex.res.Warnings = append(ex.res.Warnings, filePath+": tree-sitter returned nil root node")
		return ex.res, nil
	}
	if root.HasError() {
		ex.res.Warnings = append(ex.res.Warnings, filePath+": source contains syntax errors, results are partial")
	}

	ex.addNode(store.Node{
		EntityID:      ex.moduleID,
		Kind:          "module",
		Name:          ex.moduleName,
		QualifiedName: ex.moduleName,
		StartLine:     1,
		EndLine:       int(root.EndPoint().Row + 1),
		IsExported:    true,
		HasDoc:        firstDocstring(root, content) != "",
	}, "")

	// Two passes: declarations first so call edges can resolve forward
	// references within the file.
	ex.walkDeclarations(root, ex.moduleName, ex.moduleID, nil)
	ex.walkCalls(root, ex.moduleID)

	return ex.res, nil
}

// entityID mints the stable id for a symbol in this file's package.
func (ex *pyExtract) entityID(kind, qualifiedName string) string {
	return store.EntityID(ex.cfg.RepoName, ex.cfg.PackagePath, kind, qualifiedName)
}

// addNode records a node, its containment edge, and its local name.
func (ex *pyExtract) addNode(n store.Node, parentID string) {
	n.FilePath = ex.filePath
	n.Language = "python"
	n.SourceFileHash = ex.fileHash
	n.Branch = ex.cfg.Branch
	n.UpdatedAt = ex.now
	ex.res.Nodes = append(ex.res.Nodes, n)

	if parentID != "" {
		ex.res.Edges = append(ex.res.Edges, store.Edge{
			SourceEntityID: parentID,
			TargetEntityID: n.EntityID,
			EdgeType:       "contains",
			FilePath:       ex.filePath,
			Line:           n.StartLine,
			Branch:         ex.cfg.Branch,
		})
	}
	if _, seen := ex.local[n.Name]; !seen {
		ex.local[n.Name] = n.EntityID
	}
}

// walkDeclarations extracts classes, functions, and methods under node.
// scope is the qualified-name prefix, parentID the containing entity.
func (ex *pyExtract) walkDeclarations(node *sitter.Node, scope, parentID string, decorators []string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "class_definition":
			ex.processClass(child, scope, parentID, decorators)
		case "function_definition":
			ex.processFunction(child, scope, parentID, decorators)
		case "decorated_definition":
			decs := extractDecorators(child, ex.content)
			ex.walkDeclarations(child, scope, parentID, decs)
		case "import_statement", "import_from_statement":
			if parentID == ex.moduleID {
				ex.processImport(child)
			}
		}
	}
}

// processClass extracts one class and its members.
func (ex *pyExtract) processClass(node *sitter.Node, scope, parentID string, decorators []string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nameNode.Content(ex.content)
	qualified := scope + "." + name

	var isAbstract bool
	if bases := node.ChildByFieldName("superclasses"); bases != nil {
		basesText := bases.Content(ex.content)
		isAbstract = strings.Contains(basesText, "ABC") || strings.Contains(basesText, "abc.")
	}

	id := ex.entityID("class", qualified)
	ex.addNode(store.Node{
		EntityID:      id,
		Kind:          "class",
		Name:          name,
		QualifiedName: qualified,
		StartLine:     int(node.StartPoint().Row + 1),
		EndLine:       int(node.EndPoint().Row + 1),
		StartColumn:   int(node.StartPoint().Column),
		EndColumn:     int(node.EndPoint().Column),
		IsExported:    isExported(name),
		IsAbstract:    isAbstract,
		HasDoc:        bodyDocstring(node, ex.content) != "",
	}, parentID)

	if body := node.ChildByFieldName("body"); body != nil {
		ex.walkDeclarations(body, qualified, id, nil)
	}
}

// processFunction extracts one function or method.
func (ex *pyExtract) processFunction(node *sitter.Node, scope, parentID string, decorators []string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nameNode.Content(ex.content)
	qualified := scope + "." + name

	kind := "function"
	for _, n := range ex.res.Nodes {
		if n.EntityID == parentID && n.Kind == "class" {
			kind = "method"
			break
		}
	}

	isAsync := false
	for i := 0; i < int(node.ChildCount()); i++ {
		if node.Child(i).Type() == "async" {
			isAsync = true
			break
		}
	}

	isStatic := false
	for _, dec := range decorators {
		if dec == "staticmethod" || dec == "classmethod" {
			isStatic = true
		}
	}

	params := ""
	if p := node.ChildByFieldName("parameters"); p != nil {
		params = p.Content(ex.content)
	}
	signature := "def " + name + params
	if isAsync {
		signature = "async " + signature
	}
	if ret := node.ChildByFieldName("return_type"); ret != nil {
		signature += " -> " + ret.Content(ex.content)
	}

	id := ex.entityID(kind, qualified)
	ex.addNode(store.Node{
		EntityID:      id,
		Kind:          kind,
		Name:          name,
		QualifiedName: qualified,
		StartLine:     int(node.StartPoint().Row + 1),
		EndLine:       int(node.EndPoint().Row + 1),
		StartColumn:   int(node.StartPoint().Column),
		EndColumn:     int(node.EndPoint().Column),
		IsExported:    isExported(name),
		IsAsync:       isAsync,
		IsStatic:      isStatic,
		TypeSignature: signature,
		HasDoc:        bodyDocstring(node, ex.content) != "",
	}, parentID)

	if body := node.ChildByFieldName("body"); body != nil {
		ex.walkDeclarations(body, qualified, id, nil)
	}
}

// processImport records one import statement as external references
// anchored on the module node.
func (ex *pyExtract) processImport(node *sitter.Node) {
	line := int(node.StartPoint().Row + 1)
	add := func(module, symbol string) {
		ex.res.ExternalRefs = append(ex.res.ExternalRefs, store.ExternalRef{
			SourceEntityID:  ex.moduleID,
			ModuleSpecifier: module,
			ImportedSymbol:  symbol,
			FilePath:        ex.filePath,
			Line:            line,
			Branch:          ex.cfg.Branch,
		})
	}

	switch node.Type() {
	case "import_statement":
		// import a.b, c as d
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			switch child.Type() {
			case "dotted_name":
				add(child.Content(ex.content), "")
			case "aliased_import":
				if name := child.ChildByFieldName("name"); name != nil {
					add(name.Content(ex.content), "")
				}
			}
		}
	case "import_from_statement":
		module := ""
		if mod := node.ChildByFieldName("module_name"); mod != nil {
			module = mod.Content(ex.content)
		}
		imported := false
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			switch child.Type() {
			case "import":
				imported = true
			case "wildcard_import":
				add(module, "*")
			case "dotted_name", "identifier":
				if imported {
					add(module, child.Content(ex.content))
				}
			case "aliased_import":
				if name := child.ChildByFieldName("name"); name != nil {
					add(module, name.Content(ex.content))
				}
			}
		}
		if !imported && module != "" {
			add(module, "")
		}
	}
}

// walkCalls records call edges. Calls resolve against same-file
// declarations only; unresolved calls are dropped, not guessed.
func (ex *pyExtract) walkCalls(node *sitter.Node, callerID string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "function_definition":
			id := ex.declaredID(child)
			if body := child.ChildByFieldName("body"); body != nil && id != "" {
				ex.walkCalls(body, id)
			}
		case "class_definition":
			if body := child.ChildByFieldName("body"); body != nil {
				ex.walkCalls(body, callerID)
			}
		case "call":
			ex.processCall(child, callerID)
			ex.walkCalls(child, callerID)
		default:
			ex.walkCalls(child, callerID)
		}
	}
}

// declaredID looks up the entity id a function_definition produced in
// the declaration pass.
func (ex *pyExtract) declaredID(fn *sitter.Node) string {
	name := fn.ChildByFieldName("name")
	if name == nil {
		return ""
	}
	return ex.local[name.Content(ex.content)]
}

// processCall records one resolved call edge.
func (ex *pyExtract) processCall(call *sitter.Node, callerID string) {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return
	}
	callee := ""
	switch fn.Type() {
	case "identifier":
		callee = fn.Content(ex.content)
	case "attribute":
		// obj.method() resolves when the attribute name is local
		// (covers self.method and module-level helpers).
		if attr := fn.ChildByFieldName("attribute"); attr != nil {
			callee = attr.Content(ex.content)
		}
	}
	targetID, ok := ex.local[callee]
	if !ok || targetID == callerID {
		return
	}
	ex.res.Edges = append(ex.res.Edges, store.Edge{
		SourceEntityID: callerID,
		TargetEntityID: targetID,
		EdgeType:       "calls",
		FilePath:       ex.filePath,
		Line:           int(call.StartPoint().Row + 1),
		Branch:         ex.cfg.Branch,
	})
}

// extractDecorators collects decorator names from a decorated_definition.
func extractDecorators(node *sitter.Node, content []byte) []string {
	var decorators []string
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "decorator" {
			continue
		}
		for j := 0; j < int(child.NamedChildCount()); j++ {
			g := child.NamedChild(j)
			switch g.Type() {
			case "identifier", "attribute":
				decorators = append(decorators, g.Content(content))
			case "call":
				if fn := g.ChildByFieldName("function"); fn != nil {
					decorators = append(decorators, fn.Content(content))
				}
			}
		}
	}
	return decorators
}

// firstDocstring returns a module docstring, if the file starts with one.
func firstDocstring(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		if child.Type() == "expression_statement" && child.NamedChildCount() > 0 &&
			child.NamedChild(0).Type() == "string" {
			return child.NamedChild(0).Content(content)
		}
		return ""
	}
	return ""
}

// bodyDocstring returns the docstring of a class or function body.
func bodyDocstring(node *sitter.Node, content []byte) string {
	body := node.ChildByFieldName("body")
	if body == nil {
		return ""
	}
	return firstDocstring(body, content)
}

// moduleName derives the dotted module path from a file path:
// "pkg/api/client.py" becomes "pkg.api.client", with __init__ collapsing
// to the package directory.
func moduleName(filePath string) string {
	path := strings.TrimSuffix(filepath.ToSlash(filePath), filepath.Ext(filePath))
	path = strings.TrimSuffix(path, "/__init__")
	if path == "__init__" || path == "" {
		path = "."
	}
	return strings.ReplaceAll(path, "/", ".")
}

// isExported reports whether a Python name is conventionally public.
// Dunder names count as public, single and mangled underscores do not.
func isExported(name string) bool {
	if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") {
		return true
	}
	return !strings.HasPrefix(name, "_")
}

var _ Parser = (*PythonParser)(nil)
