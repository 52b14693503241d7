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
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/hub"
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// hubCmd is the parent hub command.
var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run and talk to the central hub",
	Long: `The hub federates seeds across repositories: register a repository
once and its packages become queryable from anywhere, along with
validation errors and diagnostics pushed by tooling.

Exactly one hub serves a hub directory at a time; a second start fails
fast instead of corrupting the store.

Examples:
  devac hub start
  devac hub status
  devac hub register ~/src/widgets
  devac hub stop`,
}

// hubStartCmd serves the hub in the foreground.
var hubStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Serve the hub in the foreground until interrupted",
	Args:  cobra.NoArgs,
	Run:   runHubStart,
}

// hubStopCmd asks a running hub to shut down.
var hubStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running hub",
	Args:  cobra.NoArgs,
	Run:   runHubStop,
}

// hubStatusCmd prints the hub summary.
var hubStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hub liveness and per-repository counts",
	Args:  cobra.NoArgs,
	Run:   runHubStatus,
}

// hubRegisterCmd registers a repository with the hub.
var hubRegisterCmd = &cobra.Command{
	Use:   "register REPO_ROOT",
	Short: "Register a repository with the hub",
	Args:  cobra.ExactArgs(1),
	Run:   runHubRegister,
}

// hubUnregisterCmd removes a repository from the hub.
var hubUnregisterCmd = &cobra.Command{
	Use:   "unregister REPO_ID",
	Short: "Remove a repository from the hub",
	Args:  cobra.ExactArgs(1),
	Run:   runHubUnregister,
}

// hubRefreshCmd re-reads repository manifests.
var hubRefreshCmd = &cobra.Command{
	Use:   "refresh [REPO_ID]",
	Short: "Refresh one repository, or all with no argument",
	Args:  cobra.MaximumNArgs(1),
	Run:   runHubRefresh,
}

func init() {
	hubCmd.AddCommand(hubStartCmd)
	hubCmd.AddCommand(hubStopCmd)
	hubCmd.AddCommand(hubStatusCmd)
	hubCmd.AddCommand(hubRegisterCmd)
	hubCmd.AddCommand(hubUnregisterCmd)
	hubCmd.AddCommand(hubRefreshCmd)
	rootCmd.AddCommand(hubCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runHubStart(cmd *cobra.Command, args []string) {
	srv := hub.NewServer(hubDirFlag, logging.Default())
	if err := srv.Start(context.Background()); err != nil {
		outputError("Starting hub", err)
		os.Exit(1)
	}

	fmt.Printf("Hub serving on %s (Ctrl-C to stop)\n", srv.SocketPath())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	if err := srv.Stop(); err != nil {
		outputError("Stopping hub", err)
		os.Exit(1)
	}
}

func runHubStop(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := hub.Dial(hubDirFlag)
	if err != nil {
		fmt.Println("No hub running")
		return
	}
	defer client.Close()

	if err := client.Call(ctx, "shutdown", nil, nil); err != nil {
		outputError("Stopping hub", err)
		os.Exit(1)
	}
	fmt.Println("Hub stopped")
}

func runHubStatus(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := hub.Dial(hubDirFlag)
	if err != nil {
		if jsonOutput {
			outputJSON(map[string]any{"running": false})
		} else {
			fmt.Printf("Hub not running (socket %s)\n",
				filepath.Join(hubDirFlag, hub.SocketName))
		}
		os.Exit(1)
	}
	defer client.Close()

	var summary hub.Summary
	if err := client.Call(ctx, "summary", nil, &summary); err != nil {
		outputError("Fetching summary", err)
		os.Exit(1)
	}

	if jsonOutput {
		outputJSON(map[string]any{"running": true, "summary": summary})
		return
	}
	fmt.Printf("Hub running: %d repositories\n", summary.Repos)
	for repoID, count := range summary.ValidationErrors {
		fmt.Printf("  %s: %d unresolved validation errors\n", repoID, count)
	}
	for repoID, count := range summary.Diagnostics {
		fmt.Printf("  %s: %d diagnostics\n", repoID, count)
	}
}

func runHubRegister(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	root, err := filepath.Abs(args[0])
	if err != nil {
		outputError("Resolving repository root", err)
		os.Exit(1)
	}

	client := mustDialHub()
	defer client.Close()

	var info hub.RepoInfo
	if err := client.Call(ctx, "register", map[string]string{"root": root}, &info); err != nil {
		outputError("Registering repository", err)
		os.Exit(1)
	}
	if jsonOutput {
		outputJSON(info)
	} else {
		fmt.Printf("Registered %s: %d packages, %d nodes, %d edges\n",
			info.RepoID, info.PackageCount, info.NodeCount, info.EdgeCount)
	}
}

func runHubUnregister(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := mustDialHub()
	defer client.Close()

	if err := client.Call(ctx, "unregister", map[string]string{"repo_id": args[0]}, nil); err != nil {
		outputError("Unregistering repository", err)
		os.Exit(1)
	}
	fmt.Printf("Unregistered %s\n", args[0])
}

func runHubRefresh(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := mustDialHub()
	defer client.Close()

	if len(args) == 1 {
		var info hub.RepoInfo
		if err := client.Call(ctx, "refresh", map[string]string{"repo_id": args[0]}, &info); err != nil {
			outputError("Refreshing repository", err)
			os.Exit(1)
		}
		if jsonOutput {
			outputJSON(info)
		} else {
			fmt.Printf("Refreshed %s: %d packages\n", info.RepoID, info.PackageCount)
		}
		return
	}

	var infos []hub.RepoInfo
	if err := client.Call(ctx, "refreshAll", nil, &infos); err != nil {
		outputError("Refreshing repositories", err)
		os.Exit(1)
	}
	if jsonOutput {
		outputJSON(infos)
	} else {
		fmt.Printf("Refreshed %d repositories\n", len(infos))
	}
}

// mustDialHub connects to the hub or exits with guidance.
func mustDialHub() *hub.Client {
	client, err := hub.Dial(hubDirFlag)
	if err != nil {
		outputError("No hub running (start one with 'devac hub start')", err)
		os.Exit(1)
	}
	return client
}
