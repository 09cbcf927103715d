package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/port/inbound"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

// maxRPCBody bounds facade request bodies.
const maxRPCBody = 4 << 20

// mcpTarget abstracts the two facade mounts: a single backend or a
// virtual group. Listing goes through the policy filter either way, so
// facade clients only ever see tools they may call.
type mcpTarget struct {
	listTools func(r *http.Request) ([]mcpwire.Tool, error)
	invoke    func(r *http.Request, req inbound.InvokeRequest) *inbound.InvokeResult
}

// handleServerMCP serves the MCP protocol for one backend: the gateway
// answers the handshake itself and polices every tools/call.
// POST /mcp/servers/{name}/mcp
func (s *Server) handleServerMCP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.serveMCP(w, r, mcpTarget{
		listTools: func(r *http.Request) ([]mcpwire.Tool, error) {
			return s.gateway.PolicyAllowedTools(r.Context(), name)
		},
		invoke: func(r *http.Request, req inbound.InvokeRequest) *inbound.InvokeResult {
			return s.gateway.Invoke(r.Context(), name, req, nil)
		},
	})
}

// handleGroupMCP serves the MCP protocol for a virtual group endpoint.
// POST /mcp/group/{id}/mcp
func (s *Server) handleGroupMCP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.serveMCP(w, r, mcpTarget{
		listTools: func(r *http.Request) ([]mcpwire.Tool, error) {
			return s.gateway.GroupListTools(r.Context(), id)
		},
		invoke: func(r *http.Request, req inbound.InvokeRequest) *inbound.InvokeResult {
			return s.gateway.GroupInvoke(r.Context(), id, req, nil)
		},
	})
}

// serveMCP answers one JSON-RPC message. Notifications get 202 with no
// body; calls get a single JSON response.
func (s *Server) serveMCP(w http.ResponseWriter, r *http.Request, target mcpTarget) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "reading request body failed")
		return
	}

	msg, err := mcpwire.Decode(body)
	if err != nil {
		s.writeRPCError(w, jsonrpc.ID{}, -32700, "parse error")
		return
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		s.writeRPCError(w, jsonrpc.ID{}, -32600, "expected a request")
		return
	}

	if !req.IsCall() {
		// Notifications have nothing to answer.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case mcpwire.MethodInitialize:
		s.writeRPCResult(w, req.ID, mcpwire.InitializeResult{
			ProtocolVersion: mcpwire.ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      mcpwire.Implementation{Name: "wardengate", Version: s.version},
		})

	case mcpwire.MethodListTools:
		tools, err := target.listTools(r)
		if err != nil {
			s.writeRPCError(w, req.ID, rpcCode(err), fault.MessageOf(err))
			return
		}
		if tools == nil {
			tools = []mcpwire.Tool{}
		}
		s.writeRPCResult(w, req.ID, mcpwire.ListToolsResult{Tools: tools})

	case mcpwire.MethodCallTool:
		var params mcpwire.CallToolParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				s.writeRPCError(w, req.ID, -32602, "invalid tools/call params")
				return
			}
		}
		if params.Name == "" {
			s.writeRPCError(w, req.ID, -32602, "tool name is required")
			return
		}
		res := target.invoke(r, inbound.InvokeRequest{ToolName: params.Name, Parameters: params.Arguments})
		if res.Err != nil {
			s.writeRPCError(w, req.ID, rpcCode(res.Err), fault.MessageOf(res.Err))
			return
		}
		s.writeRPCResult(w, req.ID, res.Result)

	default:
		s.writeRPCError(w, req.ID, -32601, "method not supported")
	}
}

func (s *Server) writeRPCResult(w http.ResponseWriter, id jsonrpc.ID, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.writeRPCError(w, id, -32603, "encoding result failed")
		return
	}
	s.writeRPC(w, &jsonrpc.Response{ID: id, Result: raw})
}

func (s *Server) writeRPCError(w http.ResponseWriter, id jsonrpc.ID, code int64, message string) {
	s.writeRPC(w, &jsonrpc.Response{ID: id, Error: &jsonrpc.Error{Code: code, Message: message}})
}

// writeRPC serializes a JSON-RPC response. The HTTP status is always
// 200; protocol failures live in the error member.
func (s *Server) writeRPC(w http.ResponseWriter, resp *jsonrpc.Response) {
	data, err := mcpwire.Encode(resp)
	if err != nil {
		s.logger.Error("encoding JSON-RPC response failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("writing JSON-RPC response failed", "error", err)
	}
}

// rpcCode maps the fault taxonomy onto JSON-RPC error codes. Denials
// and unknown tools use the MCP-conventional invalid-params space;
// backend failures use the server-error space.
func rpcCode(err error) int64 {
	switch fault.KindOf(err) {
	case fault.KindResourceNotFound:
		return -32602
	case fault.KindPolicyDenied:
		return -32003
	case fault.KindValidation:
		return -32602
	case fault.KindBackendTimeout:
		return -32001
	case fault.KindBackendUnreachable, fault.KindAdapterCrashed, fault.KindAdapterStartTimeout:
		return -32002
	default:
		return -32000
	}
}
