// Package mcp serves the search tools over the Model Context Protocol:
// JSON-RPC 2.0 on a single HTTP POST endpoint, with bearer-token
// authentication and 24-hour sessions established by initialize.
//
// The protocol follows the MCP specification (revision 2025-03-26).
package mcp

import "encoding/json"

// --- JSON-RPC 2.0 types ---

// request is an incoming JSON-RPC 2.0 request or notification.
// Notifications have a nil ID.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification returns true if this is a notification (no ID field).
func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes, plus this server's own range.
const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603

	errCodeAuth           = -32001
	errCodeSessionInvalid = -32002
	errCodeUpstream       = -32003
	errCodeNotReady       = -32004
)

// upstreamErrorData is the data payload of an errCodeUpstream error.
type upstreamErrorData struct {
	Provider  string `json:"provider"`
	Retryable bool   `json:"retryable"`
}

// --- MCP protocol types ---

// protocolVersion is the MCP protocol version this server implements.
const protocolVersion = "2025-03-26"

// initializeParams is the client's initialize request payload.
type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    any        `json:"capabilities"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the server's response to an initialize request. The
// session id is also echoed in the Mcp-Session-Id response header.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	SessionID       string             `json:"session_id"`
}

type serverCapabilities struct {
	Tools *capability `json:"tools,omitempty"`
}

type capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// --- Tool types ---

// ToolDefinition describes a tool exposed via MCP.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// toolsListResult is the response to tools/list.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// toolCallParams is the request payload for tools/call.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the response payload for tools/call.
type ToolCallResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// textContent is a text content block in MCP responses.
type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult creates a successful ToolCallResult with a single text content block.
func TextResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []textContent{{Type: "text", Text: text}},
	}
}

// JSONResult marshals v as indented JSON into a text content block.
func JSONResult(v any) ToolCallResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("encode result: " + err.Error())
	}
	return TextResult(string(data))
}

// ErrorResult creates an error ToolCallResult with a single text content block.
func ErrorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []textContent{{Type: "text", Text: text}},
		IsError: true,
	}
}
