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
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/seed/gitmeta"
	"github.com/AleutianAI/devac/services/seed/manifest"
	"github.com/AleutianAI/devac/services/seed/parser"
	"github.com/AleutianAI/devac/services/seed/store"
	"github.com/AleutianAI/devac/services/seed/update"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	analyzeRepo     string
	analyzeBranch   string
	analyzeWatch    bool
	analyzeDebounce time.Duration
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// analyzeCmd builds or refreshes a package seed.
var analyzeCmd = &cobra.Command{
	Use:   "analyze [PACKAGE]",
	Short: "Analyze a package into its seed store",
	Long: `Parse every supported source file under PACKAGE (default: current
directory) and write the results into the package's seed partitions.
Unchanged files are skipped by content hash, so re-running is cheap.

The repository manifest is refreshed for the analyzed package
afterwards.

Examples:
  devac analyze
  devac analyze ./services/api --branch base
  devac analyze ./services/api --watch`,
	Args: cobra.MaximumNArgs(1),
	Run:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeRepo, "repo", "",
		"Repository root (default: the package directory)")
	analyzeCmd.Flags().StringVar(&analyzeBranch, "branch", store.BranchBase,
		"Seed branch to write")
	analyzeCmd.Flags().BoolVar(&analyzeWatch, "watch", false,
		"Keep watching the package and apply changes as they happen")
	analyzeCmd.Flags().DurationVar(&analyzeDebounce, "debounce", 200*time.Millisecond,
		"Debounce window for --watch batches")

	rootCmd.AddCommand(analyzeCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runAnalyze executes one full-package analysis pass, optionally
// followed by watch mode.
func runAnalyze(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	logger := logging.Default()

	pkgArg := "."
	if len(args) == 1 {
		pkgArg = args[0]
	}
	pkgPath, err := filepath.Abs(pkgArg)
	if err != nil {
		outputError("Resolving package path", err)
		os.Exit(1)
	}

	repoRoot := pkgPath
	if analyzeRepo != "" {
		if repoRoot, err = filepath.Abs(analyzeRepo); err != nil {
			outputError("Resolving repository root", err)
			os.Exit(1)
		}
	}
	pkgName, err := filepath.Rel(repoRoot, pkgPath)
	if err != nil || strings.HasPrefix(pkgName, "..") {
		outputError("Package must live under the repository root",
			fmt.Errorf("package %s, repo %s", pkgPath, repoRoot))
		os.Exit(1)
	}
	pkgName = filepath.ToSlash(pkgName)

	seedStore, err := store.Open(logger)
	if err != nil {
		outputError("Opening seed store", err)
		os.Exit(1)
	}
	defer seedStore.Close()

	mgr, err := update.NewManager(update.Config{
		PackagePath: pkgPath,
		RepoName:    gitmeta.RepoID(repoRoot),
		PackageName: pkgName,
		Branch:      analyzeBranch,
		CacheDir:    filepath.Join(pkgPath, ".devac", "cache"),
		Logger:      logger,
	}, seedStore)
	if err != nil {
		outputError("Creating update manager", err)
		os.Exit(1)
	}
	defer mgr.Close()

	events, err := collectSourceEvents(pkgPath)
	if err != nil {
		outputError("Scanning package", err)
		os.Exit(1)
	}

	result := mgr.ProcessBatch(ctx, events)
	refreshManifest(ctx, seedStore, logger, repoRoot, pkgName)

	if jsonOutput {
		outputJSON(result)
	} else {
		fmt.Printf("Analyzed %s: %d processed, %d skipped, %d failed\n",
			pkgName, result.Processed, result.Skipped, result.Failed)
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "  error: %s\n", msg)
		}
	}
	if result.Failed > 0 && !analyzeWatch {
		os.Exit(1)
	}

	if analyzeWatch {
		watchPackage(ctx, mgr)
	}
}

// collectSourceEvents walks the package and emits an add event for every
// supported source file, skipping infrastructure directories.
func collectSourceEvents(pkgPath string) ([]update.Event, error) {
	registry := parser.DefaultRegistry()
	var events []update.Event

	err := filepath.WalkDir(pkgPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != pkgPath && (strings.HasPrefix(name, ".") ||
				name == "node_modules" || name == "__pycache__") {
				return fs.SkipDir
			}
			return nil
		}
		if !registry.Supports(path) {
			return nil
		}
		rel, err := filepath.Rel(pkgPath, path)
		if err != nil {
			return err
		}
		events = append(events, update.Event{
			Type: update.EventAdd,
			Path: filepath.ToSlash(rel),
		})
		return nil
	})
	return events, err
}

// watchPackage runs the fsnotify watcher until interrupted.
func watchPackage(ctx context.Context, mgr *update.Manager) {
	opts := update.DefaultWatcherOptions()
	opts.DebounceWindow = analyzeDebounce

	watcher, err := update.NewWatcher(mgr, &opts)
	if err != nil {
		outputError("Creating watcher", err)
		os.Exit(1)
	}
	if err := watcher.Start(ctx); err != nil {
		outputError("Starting watcher", err)
		os.Exit(1)
	}
	defer watcher.Stop()

	fmt.Println("Watching for changes (Ctrl-C to stop)...")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	status := mgr.Status()
	fmt.Printf("Stopped: %d processed, %d skipped, %d failed in %s\n",
		status.Processed, status.Skipped, status.Failed,
		status.TotalTime.Round(time.Millisecond))
}

// refreshManifest updates the repository manifest for one package; a
// failure here degrades to a warning because the seed itself is written.
func refreshManifest(ctx context.Context, seedStore *store.SeedStore, logger *logging.Logger, repoRoot, pkgName string) {
	gen := manifest.NewGenerator(seedStore, logger)
	m, err := gen.Update(ctx, repoRoot, []string{pkgName})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: manifest not refreshed: %v\n", err)
		return
	}
	if err := gen.Write(repoRoot, m); err != nil {
		fmt.Fprintf(os.Stderr, "warning: manifest not written: %v\n", err)
	}
}
