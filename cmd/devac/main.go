// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	hubDirFlag string
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "devac",
		Short: "DevAC code graph toolkit",
		Long: `DevAC analyzes source packages into per-package seed stores,
generates repository manifests, and federates SQL queries across
packages and repositories through a central hub.

Typical flow:
  devac analyze ./services/api        Build or refresh a package seed
  devac manifest generate             Write the repository manifest
  devac query "SELECT * FROM nodes@api LIMIT 5"
  devac hub start                     Serve the cross-repo hub`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hubDirFlag, "hub-dir", defaultHubDir(),
		"Hub directory holding the hub socket and database")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output as JSON for scripting")
}

// defaultHubDir resolves the per-user hub directory, overridable with
// DEVAC_HUB_DIR.
func defaultHubDir() string {
	if dir := os.Getenv("DEVAC_HUB_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devac-hub"
	}
	return filepath.Join(home, ".devac", "hub")
}
