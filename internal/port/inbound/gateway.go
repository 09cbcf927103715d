// Package inbound defines the inbound port interfaces for the gateway
// core. The HTTP surface calls these; the request pipeline implements
// them.
package inbound

import (
	"context"
	"time"

	"github.com/wardengate/wardengate/internal/domain/policy"
	"github.com/wardengate/wardengate/internal/port/outbound"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

// InvokeRequest is one tool invocation as received from the client.
type InvokeRequest struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// InvokeResult is the gateway's response envelope for an invocation.
// Either Result or Err is set; Decision is always populated for
// requests that reached policy evaluation.
type InvokeResult struct {
	Success  bool
	ToolName string
	Server   string
	Result   *mcpwire.CallToolResult
	Err      error
	Duration time.Duration
	Decision policy.Decision
}

// ToolGateway is the inbound port for MCP traffic. The principal is
// carried in the context; every method runs the full pipeline
// (resolve → authorize → proxy → audit).
type ToolGateway interface {
	// ListTools lists the tools of one backend server.
	ListTools(ctx context.Context, serverName string) ([]mcpwire.Tool, error)

	// PolicyAllowedTools lists the backend's tools filtered to those the
	// calling principal would be allowed to invoke.
	PolicyAllowedTools(ctx context.Context, serverName string) ([]mcpwire.Tool, error)

	// Invoke calls one tool on one backend server.
	Invoke(ctx context.Context, serverName string, req InvokeRequest, sink outbound.StreamSink) *InvokeResult

	// GroupListTools lists the aggregated, deduplicated, policy-filtered
	// tools of a virtual group.
	GroupListTools(ctx context.Context, groupID string) ([]mcpwire.Tool, error)

	// GroupInvoke routes one tool call to the owning member of a group.
	GroupInvoke(ctx context.Context, groupID string, req InvokeRequest, sink outbound.StreamSink) *InvokeResult
}
