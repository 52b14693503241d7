// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub federates seeds across repositories: a DuckDB-backed
// central store plus a unix-socket RPC server that keeps exactly one
// writer per hub directory.
package hub

import "encoding/json"

// SocketName is the RPC socket file inside the hub directory.
const SocketName = "hub.sock"

// DatabaseName is the hub's DuckDB file inside the hub directory.
const DatabaseName = "hub.db"

// RPC error codes carried in ErrorBody.Code.
const (
	// CodeInvalidParams covers malformed requests, undecodable params,
	// and unknown methods.
	CodeInvalidParams = "invalid_params"

	// CodeHubNotReady is returned while the store is unavailable.
	CodeHubNotReady = "hub_not_ready"

	// CodeOperationFailed wraps store-level operation errors.
	CodeOperationFailed = "operation_failed"
)

// Request is one newline-delimited RPC request.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request, correlated by ID. Exactly one of
// Result and Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the structured failure payload of a Response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// okResponse marshals a result into a success Response. Marshal
// failures degrade to an operation_failed error response.
func okResponse(id string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return errResponse(id, CodeOperationFailed, "encoding result: "+err.Error())
	}
	return Response{ID: id, Result: data}
}

// errResponse builds a failure Response.
func errResponse(id, code, message string) Response {
	return Response{ID: id, Error: &ErrorBody{Code: code, Message: message}}
}
