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
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Client is a hub RPC client over one multiplexed connection.
//
// # Thread Safety
//
// Safe for concurrent use: calls interleave on the wire and responses
// are routed back to their callers by request id.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	readErr error
	closed  bool
}

// Dial connects to the hub serving hubDir.
func Dial(hubDir string) (*Client, error) {
	sock := filepath.Join(hubDir, SocketName)
	conn, err := net.DialTimeout("unix", sock, probeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing hub at %s: %w", sock, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection. Outstanding calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Call sends one request and waits for its response.
//
// # Inputs
//   - ctx: bounds the wait for the response.
//   - method: RPC method name.
//   - params: marshaled as the request's params; nil sends none.
//   - result: unmarshal target for the response result; nil discards.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req := Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		req.Params = data
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client closed")
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			readErr := c.readErr
			c.mu.Unlock()
			return fmt.Errorf("connection lost: %v", readErr)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding result: %w", err)
			}
		}
		return nil
	}
}

// readLoop routes responses to their waiting callers.
func (c *Client) readLoop() {
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 1 {
			var resp Response
			if json.Unmarshal(line, &resp) == nil {
				c.mu.Lock()
				ch, ok := c.pending[resp.ID]
				c.mu.Unlock()
				if ok {
					ch <- resp
				}
			}
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[string]chan Response)
			c.mu.Unlock()
			return
		}
	}
}
