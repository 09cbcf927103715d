package service

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wardengate/wardengate/internal/domain/audit"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/internal/port/inbound"
	"github.com/wardengate/wardengate/internal/port/outbound"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

// groupLabel is how group-level operations appear in the audit record's
// server column.
func groupLabel(groupID string) string {
	return "group:" + groupID
}

// GroupListTools aggregates the group's member tools: fan out with
// bounded concurrency, narrow by tool config and policy, deduplicate by
// tool name first-wins in member order, and tag each survivor with its
// source server. A failing member contributes zero tools; the failure
// rides along on the audit record instead of failing the call.
func (p *Pipeline) GroupListTools(ctx context.Context, groupID string) ([]mcpwire.Tool, error) {
	start := time.Now()
	rec := p.newRecord(ctx, audit.EventMCPRequest, groupLabel(groupID), "", nil)

	tools, failed, err := p.groupTools(ctx, groupID)
	p.finishRecord(&rec, start, err)
	if err == nil && len(failed) > 0 {
		slices.Sort(failed)
		rec.Error = "members failed: " + strings.Join(failed, ", ")
	}
	p.recorder.Record(rec)
	return tools, err
}

// GroupInvoke routes one tool call to the owning member: an explicit
// _source_server hint wins, else the first member in order whose
// narrowed tool list carries the tool. Policy is re-evaluated against
// the concrete member; failures are not retried against other members.
func (p *Pipeline) GroupInvoke(ctx context.Context, groupID string, req inbound.InvokeRequest, sink outbound.StreamSink) *inbound.InvokeResult {
	start := time.Now()

	g, err := p.registry.ResolveEnabledGroup(groupID)
	if err != nil {
		return p.failInvoke(ctx, groupLabel(groupID), req, start, err)
	}
	member, params, err := p.resolveMember(ctx, g, req.ToolName, req.Parameters)
	if err != nil {
		return p.failInvoke(ctx, groupLabel(groupID), req, start, err)
	}
	req.Parameters = params
	return p.invoke(ctx, g.ID, member, req, sink)
}

// failInvoke finishes a group invocation that never reached a member.
func (p *Pipeline) failInvoke(ctx context.Context, label string, req inbound.InvokeRequest, start time.Time, err error) *inbound.InvokeResult {
	res := &inbound.InvokeResult{
		ToolName: req.ToolName,
		Server:   label,
		Err:      err,
		Duration: time.Since(start),
	}
	rec := p.newRecord(ctx, audit.EventMCPRequest, label, req.ToolName, req.Parameters)
	p.finishRecord(&rec, start, err)
	p.recorder.Record(rec)
	return res
}

func (p *Pipeline) groupTools(ctx context.Context, groupID string) (tools []mcpwire.Tool, failed []string, err error) {
	g, err := p.registry.ResolveEnabledGroup(groupID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	results := make([][]mcpwire.Tool, len(g.MemberNames))
	var failedMu sync.Mutex

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.groupFanout)
	for i, name := range g.MemberNames {
		eg.Go(func() error {
			memberTools, merr := p.memberTools(gctx, g, name, now)
			if merr != nil {
				p.logger.Warn("group member listing failed",
					"group_id", g.ID, "server", name, "error", merr)
				failedMu.Lock()
				failed = append(failed, name)
				failedMu.Unlock()
				return nil
			}
			results[i] = memberTools
			return nil
		})
	}
	_ = eg.Wait() // members never propagate errors

	seen := make(map[string]bool)
	for _, memberTools := range results {
		for _, tool := range memberTools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			tools = append(tools, tool)
		}
	}
	return tools, failed, nil
}

// memberTools lists one member and narrows the result by the group's
// tool config and by policy, tagging survivors with the member name.
func (p *Pipeline) memberTools(ctx context.Context, g *server.Group, name string, now time.Time) ([]mcpwire.Tool, error) {
	desc, err := p.registry.ResolveEnabled(name)
	if err != nil {
		return nil, err
	}
	all, err := p.transport.ListTools(ctx, desc)
	if err != nil {
		return nil, err
	}
	kept := make([]mcpwire.Tool, 0, len(all))
	for _, tool := range all {
		if !g.AllowsTool(name, tool.Name) {
			continue
		}
		rc := p.requestContext(ctx, desc, tool.Name, nil, now)
		if !p.evaluator.EvaluateVia(ctx, g.ID, rc).Allowed() {
			continue
		}
		tool.SourceServer = name
		kept = append(kept, tool)
	}
	return kept, nil
}

func (p *Pipeline) resolveMember(ctx context.Context, g *server.Group, toolName string, params map[string]any) (string, map[string]any, error) {
	if hint, ok := params[mcpwire.SourceServerKey].(string); ok && hint != "" {
		if !g.HasMember(hint) {
			return "", nil, fault.Newf(fault.KindResourceNotFound,
				"server %q is not a member of group %q", hint, g.ID)
		}
		if !g.AllowsTool(hint, toolName) {
			return "", nil, fault.Newf(fault.KindResourceNotFound,
				"tool %q is not exposed by member %q", toolName, hint)
		}
		stripped := maps.Clone(params)
		delete(stripped, mcpwire.SourceServerKey)
		return hint, stripped, nil
	}

	for _, name := range g.MemberNames {
		if !g.AllowsTool(name, toolName) {
			continue
		}
		desc, err := p.registry.ResolveEnabled(name)
		if err != nil {
			continue
		}
		all, err := p.transport.ListTools(ctx, desc)
		if err != nil {
			p.logger.Warn("group member listing failed during routing",
				"group_id", g.ID, "server", name, "error", err)
			continue
		}
		for _, tool := range all {
			if tool.Name == toolName {
				return name, params, nil
			}
		}
	}
	return "", nil, fault.Newf(fault.KindResourceNotFound,
		"tool %q not found in group %q", toolName, g.ID)
}
