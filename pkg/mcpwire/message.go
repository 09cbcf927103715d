// Package mcpwire provides JSON-RPC framing helpers for the MCP methods
// the gateway speaks to its backends: initialize, tools/list, tools/call.
package mcpwire

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// MCP method names the gateway issues.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
)

// ProtocolVersion is the MCP revision the gateway negotiates.
const ProtocolVersion = "2025-06-18"

// SourceServerKey tags aggregated tools and invocation parameters with
// the member server they belong to.
const SourceServerKey = "_source_server"

// Implementation identifies the gateway in the initialize handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the initialize request payload.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult is the initialize response payload, used when the
// gateway itself answers a client's handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
}

// Tool is one entry from a backend's tools/list result. SourceServer is
// the gateway's aggregation tag; backends never set it.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	Annotations  json.RawMessage `json:"annotations,omitempty"`
	SourceServer string          `json:"_source_server,omitempty"`
}

// ListToolsResult is the tools/list response payload.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListToolsParams carries the pagination cursor.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// CallToolParams is the tools/call request payload.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult keeps the backend's content raw; the gateway forwards
// it without reshaping.
type CallToolResult struct {
	Content           json.RawMessage `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// NewRequest builds a JSON-RPC request with a numeric ID. A nil params
// value omits the params member entirely.
func NewRequest(id int64, method string, params any) (*jsonrpc.Request, error) {
	rpcID, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		return nil, fmt.Errorf("make request id: %w", err)
	}
	req := &jsonrpc.Request{ID: rpcID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewNotification builds a JSON-RPC notification (no ID).
func NewNotification(method string, params any) (*jsonrpc.Request, error) {
	req := &jsonrpc.Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// Encode serializes a message to its wire form.
func Encode(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// Decode parses wire bytes into a request or response.
func Decode(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// DecodeResult parses wire bytes, requires a response, and surfaces a
// backend-reported error as a Go error.
func DecodeResult(data []byte) (json.RawMessage, error) {
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, fmt.Errorf("expected a response, got %T", msg)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("backend error: %w", resp.Error)
	}
	return resp.Result, nil
}

// ParseTools decodes a tools/list result payload.
func ParseTools(result json.RawMessage) (ListToolsResult, error) {
	var out ListToolsResult
	if len(result) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return out, fmt.Errorf("parse tools/list result: %w", err)
	}
	return out, nil
}
