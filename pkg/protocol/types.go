// Toolgate - deterministic natural-language execution gateway
// License: MIT
//
// Copyright (c) 2026 Toolgate contributors

// Package protocol defines the JSON-RPC 2.0 envelope and the Tool
// Protocol (MCP) message shapes exchanged with tool servers.
//
// Wire format: JSON-RPC 2.0 over stdio, HTTP POST, or WebSocket.
// Spec: https://modelcontextprotocol.io/specification
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ProtocolVersion is the Tool Protocol revision this client speaks.
const ProtocolVersion = "2024-11-05"

// Methods understood by tool servers.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
	MethodPing        = "ping"
)

// ------------------------------------------------------------------
// JSON-RPC 2.0 envelope
// ------------------------------------------------------------------

// Request is a JSON-RPC 2.0 request/notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"` // nil for notifications
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request carrying id.
func NewRequest(id any, method string, params any) *Request {
	return &Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// NewNotification builds a request without an id. Servers must not
// answer it.
func NewNotification(method string, params any) *Request {
	return &Request{JSONRPC: "2.0", Method: method, Params: params}
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// IDKey normalizes a JSON-RPC id into a correlation map key. JSON
// numbers decode as float64, so an id sent as 7 must match a response
// carrying 7.0.
func IDKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case float64:
		return "n:" + strconv.FormatInt(int64(v), 10)
	case int64:
		return "n:" + strconv.FormatInt(v, 10)
	case int:
		return "n:" + strconv.Itoa(v)
	case json.Number:
		return "n:" + v.String()
	default:
		return fmt.Sprintf("v:%v", v)
	}
}

// ------------------------------------------------------------------
// Initialize handshake
// ------------------------------------------------------------------

// InitializeParams is sent on the "initialize" method.
type InitializeParams struct {
	ProtocolVersion string           `json:"protocolVersion"`
	Capabilities    ClientCapability `json:"capabilities"`
	ClientInfo      EntityInfo       `json:"clientInfo"`
}

// ClientCapability advertises the features this client supports.
type ClientCapability struct {
	Roots    RootsCapability `json:"roots"`
	Sampling struct{}        `json:"sampling"`
}

// RootsCapability describes the roots feature.
type RootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// InitializeResult is the server's answer to "initialize".
// Capabilities is kept raw: a feature is supported iff its key is
// present, whatever the value.
type InitializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      EntityInfo                 `json:"serverInfo"`
}

// EntityInfo identifies a client or server.
type EntityInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// HasCapability reports whether the server advertised the named
// feature during initialize.
func (r *InitializeResult) HasCapability(name string) bool {
	_, ok := r.Capabilities[name]
	return ok
}

// ------------------------------------------------------------------
// tools/list
// ------------------------------------------------------------------

// ToolsListResult is the response to "tools/list".
type ToolsListResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ToolInfo describes a single tool as advertised by its server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ------------------------------------------------------------------
// tools/call
// ------------------------------------------------------------------

// ToolCallParams is the input for "tools/call".
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResult is the response to "tools/call".
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one element of a tool result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ------------------------------------------------------------------
// JSON-RPC error codes
// ------------------------------------------------------------------

const (
	ErrParse         = -32700
	ErrInvalidReq    = -32600
	ErrNotFound      = -32601
	ErrInvalidParams = -32602
	ErrInternal      = -32603

	// Client-side codes surfaced to callers.
	ErrDisconnected   = -32000
	ErrNotInitialized = -32001
	ErrTimeout        = -32002
)
