// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/devac/services/seed/store"
)

// startTestServer binds a server in a fresh hub directory.
func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	hubDir := t.TempDir()
	srv := NewServer(hubDir, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop() })
	return srv, hubDir
}

func TestServerSecondStartConflicts(t *testing.T) {
	_, hubDir := startTestServer(t)

	second := NewServer(hubDir, nil)
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSocketConflict)
}

func TestServerReclaimsOrphanedSocket(t *testing.T) {
	hubDir := t.TempDir()
	srv := NewServer(hubDir, nil)

	// A leftover socket file with nothing listening behind it. A plain
	// file gives the same refused dial as a dead server's socket.
	sock := srv.SocketPath()
	require.NoError(t, os.WriteFile(sock, nil, 0600))

	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	fi, err := os.Stat(sock)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSocket, "stale file replaced by a live socket")
}

func TestServerStopRestoresStartableState(t *testing.T) {
	srv, hubDir := startTestServer(t)
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop(), "stop is idempotent")

	_, err := os.Stat(srv.SocketPath())
	assert.True(t, os.IsNotExist(err), "socket removed on stop")

	replacement := NewServer(hubDir, nil)
	require.NoError(t, replacement.Start(context.Background()))
	require.NoError(t, replacement.Stop())
}

func TestServerStopWithConnectedClient(t *testing.T) {
	srv, hubDir := startTestServer(t)
	ctx := context.Background()

	// A client that has completed a round trip (so its handler is live)
	// and then stays connected must not hold up shutdown.
	client, err := Dial(hubDir)
	require.NoError(t, err)
	defer client.Close()
	var s Summary
	require.NoError(t, client.Call(ctx, "summary", nil, &s))

	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked by a connected idle client")
	}

	_, err = os.Stat(srv.SocketPath())
	assert.True(t, os.IsNotExist(err), "socket removed despite open client")

	// The dropped client fails cleanly rather than hanging.
	err = client.Call(ctx, "summary", nil, &s)
	assert.Error(t, err)
}

func TestServerClientRoundTrip(t *testing.T) {
	_, hubDir := startTestServer(t)
	ctx := context.Background()

	client, err := Dial(hubDir)
	require.NoError(t, err)
	defer client.Close()

	var s Summary
	require.NoError(t, client.Call(ctx, "summary", nil, &s))
	assert.Equal(t, 0, s.Repos)

	// Unknown methods fail the request, not the connection.
	err = client.Call(ctx, "teleport", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), CodeInvalidParams)

	require.NoError(t, client.Call(ctx, "summary", nil, &s))

	// Operation failures come back as structured errors too.
	err = client.Call(ctx, "getRepoStatus", map[string]string{"repo_id": "missing"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), CodeOperationFailed)
}

func TestServerPipelinedRequestsCorrelateByID(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, err := net.DialTimeout("unix", srv.SocketPath(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// Two complete requests delivered in a single write. The server must
	// answer both, and each response must carry its request's id no
	// matter which finishes first.
	payload := `{"id":"first","method":"summary"}` + "\n" +
		`{"id":"second","method":"listRepos"}` + "\n"
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	seen := map[string]Response{}
	for len(seen) < 2 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(line, &resp))
		seen[resp.ID] = resp
	}

	require.Contains(t, seen, "first")
	require.Contains(t, seen, "second")
	assert.Nil(t, seen["first"].Error)
	assert.Nil(t, seen["second"].Error)
}

func TestServerMalformedRequestKeepsConnection(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, err := net.DialTimeout("unix", srv.SocketPath(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)

	// The connection still serves well-formed requests afterwards.
	_, err = conn.Write([]byte(`{"id":"after","method":"summary"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err = reader.ReadBytes('\n')
	require.NoError(t, err)
	resp = Response{}
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, "after", resp.ID)
	assert.Nil(t, resp.Error)
}

func TestClientConcurrentCalls(t *testing.T) {
	_, hubDir := startTestServer(t)
	ctx := context.Background()

	client, err := Dial(hubDir)
	require.NoError(t, err)
	defer client.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var s Summary
			errs <- client.Call(ctx, "summary", nil, &s)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServerRegisterOverSocket(t *testing.T) {
	_, hubDir := startTestServer(t)
	ctx := context.Background()
	root := newTestRepo(t, "core", store.Stats{FileCount: 3, NodeCount: 12, EdgeCount: 4})

	client, err := Dial(hubDir)
	require.NoError(t, err)
	defer client.Close()

	var info RepoInfo
	require.NoError(t, client.Call(ctx, "register", map[string]string{"root": root}, &info))
	assert.NotEmpty(t, info.RepoID)
	assert.Equal(t, 12, info.NodeCount)

	var repos []RepoInfo
	require.NoError(t, client.Call(ctx, "listRepos", nil, &repos))
	require.Len(t, repos, 1)

	require.NoError(t, client.Call(ctx, "unregister", map[string]string{"repo_id": info.RepoID}, nil))
	require.NoError(t, client.Call(ctx, "listRepos", nil, &repos))
	assert.Empty(t, repos)
}

func TestServerNotReadyBeforeStart(t *testing.T) {
	srv := NewServer(t.TempDir(), nil)
	resp := srv.dispatchMethod(context.Background(), Request{ID: "x", Method: "summary"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeHubNotReady, resp.Error.Code)
	assert.Equal(t, "x", resp.ID)
}
