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
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/seed/manifest"
	"github.com/AleutianAI/devac/services/seed/store"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	manifestRoot   string
	manifestRepoID string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// manifestCmd is the parent manifest command.
var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Generate and validate the repository manifest",
	Long: `The manifest (.devac/manifest.json) lists every seed-bearing package
in a repository with its statistics and external dependencies. The hub
reads it during registration.

Examples:
  devac manifest generate
  devac manifest update services/api services/web
  devac manifest validate`,
}

// manifestGenerateCmd rebuilds the manifest from scratch.
var manifestGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Discover all packages and write a fresh manifest",
	Args:  cobra.NoArgs,
	Run:   runManifestGenerate,
}

// manifestUpdateCmd refreshes named packages, preserving the rest.
var manifestUpdateCmd = &cobra.Command{
	Use:   "update [PACKAGE...]",
	Short: "Refresh the named packages in the existing manifest",
	Long: `Refresh only the named package entries (paths relative to the
repository root). Entries for untouched packages are preserved as-is;
with no existing manifest this behaves like generate.`,
	Run: runManifestUpdate,
}

// manifestValidateCmd checks the manifest on disk.
var manifestValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the manifest against its schema and the filesystem",
	Args:  cobra.NoArgs,
	Run:   runManifestValidate,
}

func init() {
	manifestCmd.PersistentFlags().StringVar(&manifestRoot, "repo", ".",
		"Repository root")
	manifestCmd.PersistentFlags().StringVar(&manifestRepoID, "repo-id", "",
		"Override the derived repository id")

	manifestCmd.AddCommand(manifestGenerateCmd)
	manifestCmd.AddCommand(manifestUpdateCmd)
	manifestCmd.AddCommand(manifestValidateCmd)
	rootCmd.AddCommand(manifestCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runManifestGenerate(cmd *cobra.Command, args []string) {
	gen, seedStore := newManifestGenerator()
	defer seedStore.Close()

	m, err := gen.Generate(context.Background(), manifestRoot)
	if err != nil {
		outputError("Generating manifest", err)
		os.Exit(1)
	}
	writeManifest(gen, m)
}

func runManifestUpdate(cmd *cobra.Command, args []string) {
	gen, seedStore := newManifestGenerator()
	defer seedStore.Close()

	m, err := gen.Update(context.Background(), manifestRoot, args)
	if err != nil {
		outputError("Updating manifest", err)
		os.Exit(1)
	}
	writeManifest(gen, m)
}

func runManifestValidate(cmd *cobra.Command, args []string) {
	problems := manifest.ValidateFile(manifestRoot)
	if jsonOutput {
		outputJSON(map[string]any{"valid": len(problems) == 0, "problems": problems})
	} else if len(problems) == 0 {
		fmt.Println("Manifest is valid")
	} else {
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "invalid: %s\n", p)
		}
	}
	if len(problems) > 0 {
		os.Exit(1)
	}
}

// newManifestGenerator opens an in-memory seed store and builds the
// generator, honoring the --repo-id override.
func newManifestGenerator() (*manifest.Generator, *store.SeedStore) {
	logger := logging.Default()
	seedStore, err := store.Open(logger)
	if err != nil {
		outputError("Opening seed store", err)
		os.Exit(1)
	}
	var opts []manifest.GeneratorOption
	if manifestRepoID != "" {
		opts = append(opts, manifest.WithRepoID(manifestRepoID))
	}
	return manifest.NewGenerator(seedStore, logger, opts...), seedStore
}

func writeManifest(gen *manifest.Generator, m *manifest.Manifest) {
	if err := gen.Write(manifestRoot, m); err != nil {
		outputError("Writing manifest", err)
		os.Exit(1)
	}
	if jsonOutput {
		outputJSON(m)
	} else {
		fmt.Printf("Wrote manifest for %s: %d packages, %d external dependencies\n",
			m.RepoID, len(m.Packages), len(m.ExternalDependencies))
	}
}
