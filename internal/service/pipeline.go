// Package service implements the gateway core: the policy evaluator and
// its compiled tables, the server registry, the request pipeline and
// group gateway, the stdio adapter supervisor, and the async audit
// recorder. The HTTP surface drives it through the inbound ports;
// backends are reached through the outbound ones.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wardengate/wardengate/internal/ctxkey"
	"github.com/wardengate/wardengate/internal/domain/audit"
	"github.com/wardengate/wardengate/internal/domain/auth"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/policy"
	"github.com/wardengate/wardengate/internal/domain/ratelimit"
	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/internal/port/inbound"
	"github.com/wardengate/wardengate/internal/port/outbound"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

// defaultGroupFanout bounds concurrent member listings during group
// aggregation.
const defaultGroupFanout = 4

const redactedValue = "***REDACTED***"

// Pipeline is the per-request state machine behind every MCP operation:
// resolve the target, authorize against the evaluator, proxy through
// the transport, and emit exactly one audit record. The principal and
// trace ID arrive in the context, placed there by the HTTP middleware.
type Pipeline struct {
	registry  *Registry
	evaluator *Evaluator
	transport outbound.ToolTransport
	recorder  *Recorder
	limiter   *ratelimit.Limiter
	logger    *slog.Logger

	rawParams   bool
	groupFanout int
}

var _ inbound.ToolGateway = (*Pipeline)(nil)

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithRawParameterAudit opts audit records into carrying redacted raw
// parameters alongside the hash.
func WithRawParameterAudit(on bool) PipelineOption {
	return func(p *Pipeline) { p.rawParams = on }
}

// WithGroupFanout bounds concurrent member listings.
func WithGroupFanout(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.groupFanout = n
		}
	}
}

// NewPipeline wires the pipeline over its collaborators.
func NewPipeline(
	registry *Registry, evaluator *Evaluator, transport outbound.ToolTransport,
	recorder *Recorder, limiter *ratelimit.Limiter, logger *slog.Logger,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		registry:    registry,
		evaluator:   evaluator,
		transport:   transport,
		recorder:    recorder,
		limiter:     limiter,
		logger:      logger,
		groupFanout: defaultGroupFanout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ListTools lists one backend's tools, unfiltered.
func (p *Pipeline) ListTools(ctx context.Context, serverName string) ([]mcpwire.Tool, error) {
	start := time.Now()
	rec := p.newRecord(ctx, audit.EventMCPRequest, serverName, "", nil)

	tools, err := p.listServerTools(ctx, serverName)
	p.finishRecord(&rec, start, err)
	p.recorder.Record(rec)
	return tools, err
}

// PolicyAllowedTools lists one backend's tools narrowed to those the
// calling principal could actually invoke right now.
func (p *Pipeline) PolicyAllowedTools(ctx context.Context, serverName string) ([]mcpwire.Tool, error) {
	start := time.Now()
	rec := p.newRecord(ctx, audit.EventMCPRequest, serverName, "", nil)

	desc, err := p.registry.ResolveEnabled(serverName)
	if err != nil {
		p.finishRecord(&rec, start, err)
		p.recorder.Record(rec)
		return nil, err
	}
	tools, err := p.transport.ListTools(ctx, desc)
	if err == nil {
		tools = p.filterByPolicy(ctx, "", desc, tools, start)
	}
	p.finishRecord(&rec, start, err)
	p.recorder.Record(rec)
	return tools, err
}

// Invoke calls one tool on one backend server.
func (p *Pipeline) Invoke(ctx context.Context, serverName string, req inbound.InvokeRequest, sink outbound.StreamSink) *inbound.InvokeResult {
	return p.invoke(ctx, "", serverName, req, sink)
}

// invoke is the shared single-server path; a non-empty groupID brings
// group-bound policies into the candidate set.
func (p *Pipeline) invoke(ctx context.Context, groupID, serverName string, req inbound.InvokeRequest, sink outbound.StreamSink) *inbound.InvokeResult {
	start := time.Now()
	res := &inbound.InvokeResult{ToolName: req.ToolName, Server: serverName}
	rec := p.newRecord(ctx, audit.EventMCPRequest, serverName, req.ToolName, req.Parameters)

	finish := func() *inbound.InvokeResult {
		res.Duration = time.Since(start)
		rec.DurationMS = res.Duration.Milliseconds()
		if res.Err != nil {
			rec.Error = fault.MessageOf(res.Err)
			rec.ResponseStatus = fault.HTTPStatus(fault.KindOf(res.Err))
		} else {
			rec.ResponseStatus = http.StatusOK
		}
		p.recorder.Record(rec)
		return res
	}

	desc, err := p.registry.ResolveEnabled(serverName)
	if err != nil {
		res.Err = err
		return finish()
	}

	rc := p.requestContext(ctx, desc, req.ToolName, req.Parameters, start)
	decision := p.evaluator.EvaluateVia(ctx, groupID, rc)
	res.Decision = decision
	rec.Decision = string(decision.Effect)
	rec.PolicyID = decision.PolicyID
	rec.RuleID = decision.RuleID
	rec.Obligations = decision.ObligationNames()

	if !decision.Allowed() {
		rec.EventType = audit.EventPolicyViolation
		res.Err = fault.New(fault.KindPolicyDenied, decision.Reason)
		return finish()
	}

	if err := p.enforceObligations(decision, rc.Principal.Subject); err != nil {
		if fault.IsKind(err, fault.KindPolicyDenied) {
			rec.EventType = audit.EventPolicyViolation
			rec.Decision = audit.DecisionDeny
		}
		res.Err = err
		return finish()
	}

	result, err := p.transport.InvokeTool(ctx, desc, req.ToolName, req.Parameters, sink)
	if err != nil {
		res.Err = err
		return finish()
	}
	if fields := redactFieldPaths(decision); len(fields) > 0 {
		redactResult(result, fields)
	}
	res.Result = result
	res.Success = true
	return finish()
}

func (p *Pipeline) listServerTools(ctx context.Context, serverName string) ([]mcpwire.Tool, error) {
	desc, err := p.registry.ResolveEnabled(serverName)
	if err != nil {
		return nil, err
	}
	return p.transport.ListTools(ctx, desc)
}

// filterByPolicy keeps the tools whose hypothetical invocation the
// evaluator would allow for the calling principal.
func (p *Pipeline) filterByPolicy(ctx context.Context, groupID string, desc *server.Descriptor, tools []mcpwire.Tool, now time.Time) []mcpwire.Tool {
	out := make([]mcpwire.Tool, 0, len(tools))
	for _, tool := range tools {
		rc := p.requestContext(ctx, desc, tool.Name, nil, now)
		if p.evaluator.EvaluateVia(ctx, groupID, rc).Allowed() {
			out = append(out, tool)
		}
	}
	return out
}

// enforceObligations applies the obligations the deployment can honor
// and fails closed on the ones it cannot. The evaluator_error
// pseudo-obligation is informational and passes through to the audit
// record only.
func (p *Pipeline) enforceObligations(d policy.Decision, subject string) error {
	for _, o := range d.Obligations {
		switch o.Type {
		case policy.ActionRateLimit:
			perMinute, ok := ratelimit.PerMinuteFromParams(o.Params)
			if !ok {
				return fault.New(fault.KindObligationUnmet, "rate_limit obligation needs requests_per_minute")
			}
			if !p.limiter.Allow(ratelimit.Key(d.PolicyID, d.RuleID, subject), perMinute) {
				return fault.New(fault.KindPolicyDenied, "rate limit exceeded")
			}
		case policy.ActionRequireApproval:
			return fault.New(fault.KindObligationUnmet, "approval flow is not available in this deployment")
		}
	}
	return nil
}

// requestContext assembles the evaluator's view of one request.
func (p *Pipeline) requestContext(ctx context.Context, desc *server.Descriptor, tool string, params map[string]any, now time.Time) *policy.RequestContext {
	pr, _ := auth.PrincipalFromContext(ctx)
	return &policy.RequestContext{
		Principal: pr,
		Server: policy.ServerFacts{
			Name:       desc.Name,
			Transport:  string(desc.Transport),
			AuthMethod: desc.AuthMethodName(),
			Tags:       desc.Tags,
		},
		Tool:    tool,
		Payload: params,
		Request: policy.RequestMeta{
			IP:      clientIP(ctx),
			TraceID: traceID(ctx),
			Time:    now,
		},
	}
}

// newRecord starts the single audit record every request emits. The
// payload is always hashed; raw capture is an explicit opt-in and goes
// through sensitive-key redaction first.
func (p *Pipeline) newRecord(ctx context.Context, event audit.EventType, serverName, tool string, params map[string]any) audit.Record {
	pr, _ := auth.PrincipalFromContext(ctx)
	rec := audit.Record{
		TraceID:          traceID(ctx),
		EventType:        event,
		PrincipalSubject: pr.Subject,
		PrincipalEmail:   pr.Email,
		Server:           serverName,
		Tool:             tool,
	}
	if len(params) > 0 {
		rec.ParametersHash = audit.HashParameters(params)
		if p.rawParams {
			rec.Parameters = audit.RedactSensitiveParams(params)
		}
	}
	return rec
}

// finishRecord stamps duration and outcome on listing-style records.
func (p *Pipeline) finishRecord(rec *audit.Record, start time.Time, err error) {
	rec.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		rec.Error = fault.MessageOf(err)
		rec.ResponseStatus = fault.HTTPStatus(fault.KindOf(err))
		return
	}
	rec.ResponseStatus = http.StatusOK
}

func traceID(ctx context.Context) string {
	s, _ := ctx.Value(ctxkey.TraceIDKey{}).(string)
	return s
}

func clientIP(ctx context.Context) string {
	s, _ := ctx.Value(ctxkey.ClientIPKey{}).(string)
	return s
}

// redactFieldPaths collects the field paths of every redact obligation.
func redactFieldPaths(d policy.Decision) []string {
	var fields []string
	for _, o := range d.ObligationsOfType(policy.ActionRedact) {
		fields = append(fields, fieldList(o.Params)...)
	}
	return fields
}

func fieldList(params map[string]any) []string {
	raw, ok := params["fields"]
	if !ok {
		return nil
	}
	switch x := raw.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, el := range x {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// redactResult blanks the given dotted field paths in the tool result:
// in structuredContent, and in any text content block whose body parses
// as a JSON object.
func redactResult(result *mcpwire.CallToolResult, fields []string) {
	if len(result.StructuredContent) > 0 {
		if redacted, ok := redactJSON(result.StructuredContent, fields); ok {
			result.StructuredContent = redacted
		}
	}
	if len(result.Content) == 0 {
		return
	}
	var blocks []map[string]any
	if err := json.Unmarshal(result.Content, &blocks); err != nil {
		return
	}
	changed := false
	for _, block := range blocks {
		if block["type"] != "text" {
			continue
		}
		text, ok := block["text"].(string)
		if !ok {
			continue
		}
		if redacted, ok := redactJSON([]byte(text), fields); ok {
			block["text"] = string(redacted)
			changed = true
		}
	}
	if !changed {
		return
	}
	if raw, err := json.Marshal(blocks); err == nil {
		result.Content = raw
	}
}

// redactJSON applies the field paths to a JSON object. The second
// result is false when nothing was redacted, so non-object payloads
// pass through untouched.
func redactJSON(raw []byte, fields []string) ([]byte, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	hit := false
	for _, path := range fields {
		if redactPath(m, path) {
			hit = true
		}
	}
	if !hit {
		return nil, false
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	return out, true
}

func redactPath(m map[string]any, path string) bool {
	segs := strings.Split(path, ".")
	cur := m
	for i, seg := range segs {
		if i == len(segs)-1 {
			if _, ok := cur[seg]; !ok {
				return false
			}
			cur[seg] = redactedValue
			return true
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	return false
}
