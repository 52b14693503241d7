// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitmeta derives repository identity from git metadata.
//
// Repository ids take the host/org/repo form ("github.com/acme/widgets")
// when an origin remote exists, and a content-addressed local form
// otherwise, so seeds from unrelated checkouts never collide in the hub.
package gitmeta

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
)

// RepoID returns the stable repository identifier for a checkout.
//
// # Description
//
//	The origin remote URL, when present, is normalized to host/org/repo:
//	ssh ("git@github.com:acme/widgets.git"), scp-less ssh URLs, and
//	https forms all map to "github.com/acme/widgets". Repositories with
//	no origin remote, and directories that are not git repositories at
//	all, fall back to "local/{dirname}-{sha256(abspath)[:8]}".
//
// # Inputs
//   - root: repository root directory.
//
// # Outputs
//   - string: the repository id, never empty.
func RepoID(root string) string {
	if id, ok := originID(root); ok {
		return id
	}
	return localID(root)
}

// originID reads the origin remote and normalizes its first URL.
func originID(root string) (string, bool) {
	repo, err := gogit.PlainOpenWithOptions(root, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", false
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", false
	}
	urls := remote.Config().URLs
	if len(urls) == 0 || urls[0] == "" {
		return "", false
	}
	id := NormalizeRemoteURL(urls[0])
	return id, id != ""
}

// NormalizeRemoteURL turns a git remote URL into host/org/repo form.
// Unparseable URLs return "".
func NormalizeRemoteURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")

	// scp-style ssh: git@host:org/repo
	if at := strings.Index(s, "@"); at >= 0 && !strings.Contains(s, "://") {
		s = s[at+1:]
		s = strings.Replace(s, ":", "/", 1)
		return collapsePath(s)
	}

	// URL schemes: https://, ssh://, git://
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
		if at := strings.Index(s, "@"); at >= 0 {
			s = s[at+1:]
		}
		// Strip an explicit port.
		if slash := strings.Index(s, "/"); slash > 0 {
			host := s[:slash]
			if colon := strings.Index(host, ":"); colon >= 0 {
				s = host[:colon] + s[slash:]
			}
		}
		return collapsePath(s)
	}

	return ""
}

// collapsePath keeps host plus the last two path segments so deep forge
// paths still produce the three-part form.
func collapsePath(s string) string {
	parts := strings.Split(s, "/")
	if len(parts) < 3 {
		return ""
	}
	host := parts[0]
	repo := parts[len(parts)-1]
	org := parts[len(parts)-2]
	if host == "" || org == "" || repo == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", host, org, repo)
}

// localID is the fallback for checkouts without an origin remote.
func localID(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	sum := sha256.Sum256([]byte(abs))
	return fmt.Sprintf("local/%s-%s", filepath.Base(abs), hex.EncodeToString(sum[:])[:8])
}
