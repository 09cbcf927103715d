// Package outbound defines the outbound port interfaces for talking to
// backend MCP servers and adapter child processes.
package outbound

import (
	"context"

	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

// StreamSink receives streamed response events in arrival order.
// Implementations must tolerate being called from the transport's
// goroutine and should return an error to abort the stream.
type StreamSink interface {
	// Event delivers one server-sent event. The data slice is only valid
	// for the duration of the call.
	Event(event string, data []byte) error
}

// ToolTransport abstracts the MCP dialect spoken to a backend server.
// Implementations handle the initialize handshake, credential injection,
// and translation of transport failures into the fault taxonomy.
// Neither operation retries; cancellation must propagate to the backend
// within one round-trip.
type ToolTransport interface {
	// ListTools returns the tools the backend advertises.
	ListTools(ctx context.Context, desc *server.Descriptor) ([]mcpwire.Tool, error)

	// InvokeTool calls one tool. When sink is non-nil and the backend
	// streams, events are forwarded in order before the final result is
	// returned; a nil sink buffers the whole response.
	InvokeTool(ctx context.Context, desc *server.Descriptor, tool string, params map[string]any, sink StreamSink) (*mcpwire.CallToolResult, error)
}
