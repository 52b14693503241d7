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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/devac/pkg/logging"
)

// probeTimeout bounds the liveness probe against an existing socket, so
// a dead server's orphaned socket never blocks a restart for long.
const probeTimeout = 250 * time.Millisecond

// Server is the singleton RPC front end over a CentralHub.
//
// # Description
//
//	Start wins or loses a per-hub-directory race: if a live server
//	already answers the socket, Start fails with ErrSocketConflict; an
//	orphaned socket file (present but refusing connections) is removed
//	and the start proceeds. Each connection is served by its own
//	goroutine and each request dispatched independently, so a slow
//	operation never blocks other requests. Responses correlate by id,
//	not by order.
//
// # Thread Safety
//
//	Safe for concurrent use.
type Server struct {
	hubDir string
	logger *logging.Logger

	hub      *CentralHub
	listener net.Listener
	ready    atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer creates a Server for a hub directory. Call Start to bind.
func NewServer(hubDir string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		hubDir: hubDir,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// SocketPath returns the server's socket file location.
func (s *Server) SocketPath() string {
	return filepath.Join(s.hubDir, SocketName)
}

// Start binds the hub socket and opens the store.
//
// # Outputs
//   - error: ErrSocketConflict when a live server already answers;
//     otherwise bind or store-open failures.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.hubDir, 0700); err != nil {
		return fmt.Errorf("creating hub dir: %w", err)
	}

	sock := s.SocketPath()
	if err := probeSocket(sock); err != nil {
		return err
	}

	listener, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("binding %s: %w", sock, err)
	}
	if err := os.Chmod(sock, 0600); err != nil {
		listener.Close()
		os.Remove(sock)
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	hub, err := NewCentralHub(s.hubDir, s.logger)
	if err != nil {
		listener.Close()
		os.Remove(sock)
		return err
	}

	s.hub = hub
	s.listener = listener
	s.ready.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Slog().Info("hub server started", slog.String("socket", sock))
	return nil
}

// probeSocket checks an existing socket file. A live listener means
// conflict; a refused connection means the file is orphaned and is
// removed.
func probeSocket(sock string) error {
	if _, err := os.Stat(sock); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", sock, probeTimeout)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketConflict, sock)
	}

	// Nothing answered: orphaned socket from a dead server.
	if err := os.Remove(sock); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", sock, err)
	}
	return nil
}

// Stop closes the listener, every open connection, and the store, and
// removes the socket file, restoring the directory to a startable
// state. Idempotent. Connected clients see their connection drop;
// shutdown never waits for them to hang up.
func (s *Server) Stop() error {
	var firstErr error
	s.stopOnce.Do(func() {
		s.ready.Store(false)
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				firstErr = err
			}
		}
		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()
		s.wg.Wait()
		if s.hub != nil {
			if err := s.hub.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := os.Remove(s.SocketPath()); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		s.logger.Slog().Info("hub server stopped")
	})
	return firstErr
}

// Hub exposes the underlying store for in-process callers (the CLI in
// daemon mode and tests).
func (s *Server) Hub() *CentralHub {
	return s.hub
}

// acceptLoop serves connections until the listener closes.
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Slog().Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		s.connMu.Lock()
		if !s.ready.Load() {
			// Stop already swept the connection table.
			s.connMu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads newline-delimited requests off one connection.
// bufio reassembles partial reads; multiple complete messages in one
// buffer each dispatch independently.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}()

	var writeMu sync.Mutex
	var pending sync.WaitGroup
	defer pending.Wait()

	respond := func(resp Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Slog().Warn("encoding response failed", slog.String("error", err.Error()))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.Write(append(data, '\n'))
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 1 {
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				respond(errResponse("", CodeInvalidParams, "malformed request: "+err.Error()))
			} else {
				pending.Add(1)
				go func() {
					defer pending.Done()
					respond(s.dispatch(ctx, req))
				}()
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch routes one request to the store. Request failures produce
// structured error responses; the connection is never torn down for
// them.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	start := time.Now()
	resp := s.dispatchMethod(ctx, req)
	outcome := "ok"
	if resp.Error != nil {
		outcome = resp.Error.Code
	}
	recordRequest(ctx, req.Method, time.Since(start), outcome)
	return resp
}

func (s *Server) dispatchMethod(ctx context.Context, req Request) Response {
	if !s.ready.Load() || s.hub == nil {
		return errResponse(req.ID, CodeHubNotReady, ErrNotReady.Error())
	}

	fail := func(err error) Response {
		return errResponse(req.ID, CodeOperationFailed, err.Error())
	}
	badParams := func(err error) Response {
		return errResponse(req.ID, CodeInvalidParams, "decoding params: "+err.Error())
	}

	switch req.Method {
	case "register":
		var p struct {
			Root string `json:"root"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Root == "" {
			return errResponse(req.ID, CodeInvalidParams, "register requires a root path")
		}
		info, err := s.hub.Register(ctx, p.Root)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, info)

	case "unregister":
		var p struct {
			RepoID string `json:"repo_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RepoID == "" {
			return errResponse(req.ID, CodeInvalidParams, "unregister requires a repo_id")
		}
		if err := s.hub.Unregister(ctx, p.RepoID); err != nil {
			return fail(err)
		}
		return okResponse(req.ID, map[string]bool{"ok": true})

	case "refresh":
		var p struct {
			RepoID string `json:"repo_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RepoID == "" {
			return errResponse(req.ID, CodeInvalidParams, "refresh requires a repo_id")
		}
		info, err := s.hub.RefreshRepo(ctx, p.RepoID)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, info)

	case "refreshAll":
		infos, err := s.hub.RefreshAll(ctx)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, infos)

	case "query":
		var p struct {
			SQL string `json:"sql"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SQL == "" {
			return errResponse(req.ID, CodeInvalidParams, "query requires sql text")
		}
		result, err := s.hub.Query(ctx, p.SQL)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, result)

	case "listRepos":
		repos, err := s.hub.ListRepos(ctx)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, repos)

	case "getRepoStatus":
		var p struct {
			RepoID string `json:"repo_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RepoID == "" {
			return errResponse(req.ID, CodeInvalidParams, "getRepoStatus requires a repo_id")
		}
		info, err := s.hub.RepoStatus(ctx, p.RepoID)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, info)

	case "pushValidationErrors":
		var p struct {
			RepoID string            `json:"repo_id"`
			Errors []ValidationError `json:"errors"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badParams(err)
		}
		if p.RepoID == "" {
			return errResponse(req.ID, CodeInvalidParams, "pushValidationErrors requires a repo_id")
		}
		ids, err := s.hub.PushValidationErrors(ctx, p.RepoID, p.Errors)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, map[string][]string{"ids": ids})

	case "getValidationErrors":
		var p struct {
			RepoID string `json:"repo_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RepoID == "" {
			return errResponse(req.ID, CodeInvalidParams, "getValidationErrors requires a repo_id")
		}
		out, err := s.hub.GetValidationErrors(ctx, p.RepoID)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, out)

	case "clearValidationErrors":
		var p struct {
			RepoID string `json:"repo_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RepoID == "" {
			return errResponse(req.ID, CodeInvalidParams, "clearValidationErrors requires a repo_id")
		}
		if err := s.hub.ClearValidationErrors(ctx, p.RepoID); err != nil {
			return fail(err)
		}
		return okResponse(req.ID, map[string]bool{"ok": true})

	case "resolveValidationError":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			return errResponse(req.ID, CodeInvalidParams, "resolveValidationError requires an id")
		}
		if err := s.hub.ResolveValidationError(ctx, p.ID); err != nil {
			return fail(err)
		}
		return okResponse(req.ID, map[string]bool{"ok": true})

	case "pushDiagnostics":
		var p struct {
			RepoID      string       `json:"repo_id"`
			Diagnostics []Diagnostic `json:"diagnostics"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badParams(err)
		}
		if p.RepoID == "" {
			return errResponse(req.ID, CodeInvalidParams, "pushDiagnostics requires a repo_id")
		}
		ids, err := s.hub.PushDiagnostics(ctx, p.RepoID, p.Diagnostics)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, map[string][]string{"ids": ids})

	case "getDiagnostics":
		var p struct {
			RepoID string `json:"repo_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RepoID == "" {
			return errResponse(req.ID, CodeInvalidParams, "getDiagnostics requires a repo_id")
		}
		out, err := s.hub.GetDiagnostics(ctx, p.RepoID)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, out)

	case "clearDiagnostics":
		var p struct {
			RepoID string `json:"repo_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RepoID == "" {
			return errResponse(req.ID, CodeInvalidParams, "clearDiagnostics requires a repo_id")
		}
		if err := s.hub.ClearDiagnostics(ctx, p.RepoID); err != nil {
			return fail(err)
		}
		return okResponse(req.ID, map[string]bool{"ok": true})

	case "summary":
		summary, err := s.hub.GetSummary(ctx)
		if err != nil {
			return fail(err)
		}
		return okResponse(req.ID, summary)

	case "shutdown":
		// Acknowledge first; Stop waits for in-flight connections, so
		// it runs after this response has gone out and the caller has
		// hung up.
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.Stop()
		}()
		return okResponse(req.ID, map[string]bool{"ok": true})

	default:
		return errResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown method %q", req.Method))
	}
}
