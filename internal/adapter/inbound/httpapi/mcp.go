package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/port/inbound"
	"github.com/wardengate/wardengate/internal/port/outbound"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

// decisionView is the policy decision block in an invoke envelope.
type decisionView struct {
	Effect      string   `json:"effect"`
	PolicyID    string   `json:"policy_id,omitempty"`
	RuleID      string   `json:"rule_id,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Obligations []string `json:"obligations,omitempty"`
}

// invokeEnvelope is the JSON response for tool invocations.
type invokeEnvelope struct {
	Success         bool                    `json:"success"`
	ToolName        string                  `json:"tool_name"`
	MCPServer       string                  `json:"mcp_server"`
	Result          *mcpwire.CallToolResult `json:"result,omitempty"`
	Error           string                  `json:"error,omitempty"`
	ExecutionTimeMS int64                   `json:"execution_time_ms"`
	Decision        *decisionView           `json:"decision,omitempty"`
}

func toEnvelope(res *inbound.InvokeResult) invokeEnvelope {
	env := invokeEnvelope{
		Success:         res.Success,
		ToolName:        res.ToolName,
		MCPServer:       res.Server,
		Result:          res.Result,
		ExecutionTimeMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		env.Error = fault.MessageOf(res.Err)
	}
	if res.Decision.Effect != "" {
		env.Decision = &decisionView{
			Effect:      string(res.Decision.Effect),
			PolicyID:    res.Decision.PolicyID,
			RuleID:      res.Decision.RuleID,
			Reason:      res.Decision.Reason,
			Obligations: res.Decision.ObligationNames(),
		}
	}
	return env
}

// envelopeStatus picks the HTTP status for an invocation outcome.
func envelopeStatus(res *inbound.InvokeResult) int {
	if res.Err != nil {
		return fault.HTTPStatus(fault.KindOf(res.Err))
	}
	return http.StatusOK
}

// handleListTools lists one backend's tools, unfiltered.
// GET /mcp/list-tools?mcp_server=
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("mcp_server")
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "mcp_server query parameter is required")
		return
	}
	tools, err := s.gateway.ListTools(r.Context(), name)
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toolList(tools))
}

// handlePolicyAllowedTools lists a backend's tools pre-filtered to what
// the calling principal may invoke.
// GET /mcp/servers/{name}/policy-allowed-tools
func (s *Server) handlePolicyAllowedTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.gateway.PolicyAllowedTools(r.Context(), r.PathValue("name"))
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toolList(tools))
}

// handleInvoke calls one tool on one backend.
// POST /mcp/invoke?mcp_server=
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("mcp_server")
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "mcp_server query parameter is required")
		return
	}
	var req inbound.InvokeRequest
	if err := readJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}
	if req.ToolName == "" {
		s.respondError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	s.invokeWith(w, r, func(sink outbound.StreamSink) *inbound.InvokeResult {
		return s.gateway.Invoke(r.Context(), name, req, sink)
	})
}

// handleGroupListTools lists a group's aggregated tools.
// GET /mcp/group/{id}/list-tools
func (s *Server) handleGroupListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.gateway.GroupListTools(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toolList(tools))
}

// handleGroupInvoke routes a tool call to the owning group member.
// POST /mcp/group/{id}/invoke
func (s *Server) handleGroupInvoke(w http.ResponseWriter, r *http.Request) {
	var req inbound.InvokeRequest
	if err := readJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}
	if req.ToolName == "" {
		s.respondError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	groupID := r.PathValue("id")
	s.invokeWith(w, r, func(sink outbound.StreamSink) *inbound.InvokeResult {
		return s.gateway.GroupInvoke(r.Context(), groupID, req, sink)
	})
}

// invokeWith runs an invocation and writes the envelope. Clients that
// accept text/event-stream get backend stream events forwarded as SSE
// frames, with the final envelope as the closing "result" event.
func (s *Server) invokeWith(w http.ResponseWriter, r *http.Request, call func(outbound.StreamSink) *inbound.InvokeResult) {
	if !wantsSSE(r) {
		res := call(nil)
		s.respondJSON(w, envelopeStatus(res), toEnvelope(res))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		res := call(nil)
		s.respondJSON(w, envelopeStatus(res), toEnvelope(res))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	res := call(sink)
	data, err := jsonBody(toEnvelope(res))
	if err != nil {
		s.logger.Error("encoding invoke envelope failed", "error", err)
		return
	}
	if err := sink.Event("result", data); err != nil {
		LoggerFromContext(r.Context()).Debug("client left before final event", "error", err)
	}
}

// wantsSSE reports whether the client negotiated an event stream.
func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// sseSink forwards backend stream events to the client as they arrive.
// The response status is already committed by the time events flow, so
// transport failures after the first byte surface inside the final
// result event rather than as an HTTP status.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Event(event string, data []byte) error {
	if event != "" && event != "message" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(string(data), "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// toolList is the stable JSON shape for tool listings.
func toolList(tools []mcpwire.Tool) map[string]any {
	if tools == nil {
		tools = []mcpwire.Tool{}
	}
	return map[string]any{
		"tools": tools,
		"count": len(tools),
	}
}
