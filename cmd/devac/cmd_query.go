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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/devac/pkg/logging"
	"github.com/AleutianAI/devac/services/hub"
	"github.com/AleutianAI/devac/services/seed/federation"
	"github.com/AleutianAI/devac/services/seed/store"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	queryRepo    string
	queryViaHub  bool
	queryTimeout time.Duration
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// queryCmd runs federated SQL over seed partitions.
var queryCmd = &cobra.Command{
	Use:   "query SQL",
	Short: "Run federated SQL over package seeds",
	Long: `Run a SQL query with federation syntax: table@package reads one
package's partition, table@* unions all packages. Tables are nodes,
edges, and external_refs.

By default packages are discovered under --repo. With --hub the query
runs on the central hub across every registered repository.

Examples:
  devac query "SELECT name, kind FROM nodes@api WHERE is_exported"
  devac query "SELECT COUNT(*) FROM edges@*"
  devac query --hub "SELECT name FROM nodes@api LIMIT 10"`,
	Args: cobra.ExactArgs(1),
	Run:  runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryRepo, "repo", ".",
		"Repository root for package discovery")
	queryCmd.Flags().BoolVar(&queryViaHub, "hub", false,
		"Run the query on the central hub")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 30*time.Second,
		"Query timeout")

	rootCmd.AddCommand(queryCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runQuery(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	sqlText := args[0]
	var result *hub.QueryResult
	var err error
	if queryViaHub {
		result, err = runHubQuery(ctx, sqlText)
	} else {
		result, err = runLocalQuery(ctx, sqlText)
	}
	if err != nil {
		outputError("Query failed", err)
		os.Exit(1)
	}

	if jsonOutput {
		outputJSON(result)
		return
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	fmt.Println(strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprintf("%v", v)
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
}

// runHubQuery sends the query to the hub over its socket.
func runHubQuery(ctx context.Context, sqlText string) (*hub.QueryResult, error) {
	client, err := hub.Dial(hubDirFlag)
	if err != nil {
		return nil, fmt.Errorf("no hub running at %s: %w", hubDirFlag, err)
	}
	defer client.Close()

	var result hub.QueryResult
	if err := client.Call(ctx, "query", map[string]string{"sql": sqlText}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// runLocalQuery discovers packages under --repo and executes the
// rewritten query against an in-memory store.
func runLocalQuery(ctx context.Context, sqlText string) (*hub.QueryResult, error) {
	packages, err := federation.DiscoverPackages(queryRepo)
	if err != nil {
		return nil, err
	}
	roots := federation.PackageRoots(queryRepo, packages)

	pre := federation.PreprocessSQL(sqlText, roots)
	if len(pre.Errors) > 0 {
		return nil, fmt.Errorf("federation rewrite failed: %s", strings.Join(pre.Errors, "; "))
	}

	seedStore, err := store.Open(logging.Default())
	if err != nil {
		return nil, err
	}
	defer seedStore.Close()

	rows, err := seedStore.DB().QueryContext(ctx, pre.SQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &hub.QueryResult{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}
