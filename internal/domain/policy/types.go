// Package policy defines the declarative governance model: policies bind
// ordered rules to principals and resources, and each rule pairs a condition
// tree with a list of actions. The evaluation semantics live here so every
// consumer (the live evaluator, the dry-run endpoint, the offline checker)
// agrees on them.
package policy

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a policy. Only active policies
// participate in decisions.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRetired   Status = "retired"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusSuspended, StatusRetired:
		return true
	}
	return false
}

// ActionType identifies what a matched rule does to the request.
type ActionType string

const (
	// ActionAllow permits the invocation.
	ActionAllow ActionType = "allow"
	// ActionDeny blocks the invocation.
	ActionDeny ActionType = "deny"
	// ActionBlock is a synonym for deny.
	ActionBlock ActionType = "block"
	// ActionAudit requests an elevated audit record for the invocation.
	ActionAudit ActionType = "audit"
	// ActionRedact requests field-path redaction of the response.
	ActionRedact ActionType = "redact"
	// ActionRateLimit requests rate limiting of matching invocations.
	ActionRateLimit ActionType = "rate_limit"
	// ActionRequireApproval requests out-of-band approval before proceeding.
	ActionRequireApproval ActionType = "require_approval"
)

// ActionEvaluatorError is a pseudo-obligation the evaluator attaches when
// a rule faulted during evaluation and was treated as a non-match. It is
// never valid in a stored policy; it exists so audit records show that a
// decision was reached with a degraded rule.
const ActionEvaluatorError ActionType = "evaluator_error"

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionAllow, ActionDeny, ActionBlock, ActionAudit, ActionRedact, ActionRateLimit, ActionRequireApproval:
		return true
	}
	return false
}

// IsEffect reports whether the action decides the request outcome.
// Non-effect actions accumulate as obligations.
func (t ActionType) IsEffect() bool {
	switch t {
	case ActionAllow, ActionDeny, ActionBlock:
		return true
	}
	return false
}

// Effect is the outcome of an evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// EffectOf maps an effect action to its outcome. Block normalizes to deny.
// The second result is false for non-effect actions.
func EffectOf(t ActionType) (Effect, bool) {
	switch t {
	case ActionAllow:
		return EffectAllow, true
	case ActionDeny, ActionBlock:
		return EffectDeny, true
	}
	return "", false
}

// Action is one consequence of a matched rule. Params carry
// action-specific settings, e.g. {"fields": [...]} for redact or
// {"requests_per_minute": 60} for rate_limit.
type Action struct {
	Type   ActionType     `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// PrincipalType selects which caller attribute a scope matches against.
type PrincipalType string

const (
	PrincipalUser         PrincipalType = "user"
	PrincipalRole         PrincipalType = "role"
	PrincipalOrganization PrincipalType = "organization"
)

// Valid reports whether t is a known principal type.
func (t PrincipalType) Valid() bool {
	switch t {
	case PrincipalUser, PrincipalRole, PrincipalOrganization:
		return true
	}
	return false
}

// PrincipalScope binds a policy to a caller set. A policy with no scopes
// applies to everyone.
type PrincipalScope struct {
	PrincipalType PrincipalType `json:"principal_type"`
	PrincipalID   string        `json:"principal_id"`
}

// ResourceType selects what a resource binding points at.
type ResourceType string

const (
	ResourceServer ResourceType = "mcp_server"
	ResourceTool   ResourceType = "tool"
	ResourceGroup  ResourceType = "group"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceServer, ResourceTool, ResourceGroup:
		return true
	}
	return false
}

// ResourceBinding narrows a policy to a server, tool, or group. A policy
// with no bindings applies everywhere.
type ResourceBinding struct {
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
}

// ToolID forms the resource identifier of a tool binding.
func ToolID(server, tool string) string {
	return server + ":" + tool
}

// SplitToolID is the inverse of ToolID. The second result is false when
// id has no server part.
func SplitToolID(id string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(id, ":")
	return server, tool, ok && server != ""
}

// Rule is one ordered entry inside a policy.
type Rule struct {
	RuleID      string     `json:"rule_id"`
	Priority    int        `json:"priority"`
	Description string     `json:"description,omitempty"`
	Conditions  *Condition `json:"conditions"`
	Actions     []Action   `json:"actions"`
}

// EffectAction returns the first allow/deny in the rule's action list.
func (r *Rule) EffectAction() (Effect, bool) {
	for _, a := range r.Actions {
		if eff, ok := EffectOf(a.Type); ok {
			return eff, true
		}
	}
	return "", false
}

// Obligations returns the rule's non-effect actions in declaration order.
func (r *Rule) Obligations() []Action {
	var out []Action
	for _, a := range r.Actions {
		if !a.Type.IsEffect() {
			out = append(out, a)
		}
	}
	return out
}

// Policy is a named, versioned collection of rules with optional principal
// scopes and resource bindings.
type Policy struct {
	PolicyID    string            `json:"policy_id"`
	PolicyCode  string            `json:"policy_code,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Status      Status            `json:"status"`
	Priority    int               `json:"priority"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Rules       []Rule            `json:"rules"`
	Scopes      []PrincipalScope  `json:"scopes,omitempty"`
	Resources   []ResourceBinding `json:"resources,omitempty"`
}

// IsGlobal reports whether the policy has no resource bindings.
func (p *Policy) IsGlobal() bool {
	return len(p.Resources) == 0
}

// Clone deep-copies the policy so compiled snapshots never alias
// store-owned data.
func (p *Policy) Clone() *Policy {
	out := *p
	out.Rules = make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		out.Rules[i] = r
		out.Rules[i].Conditions = r.Conditions.clone()
		out.Rules[i].Actions = slices.Clone(r.Actions)
	}
	out.Scopes = slices.Clone(p.Scopes)
	out.Resources = slices.Clone(p.Resources)
	return &out
}

// SortRules orders rules for evaluation: priority descending, then rule ID
// ascending for a stable tie-break.
func SortRules(rules []Rule) {
	slices.SortStableFunc(rules, func(a, b Rule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return strings.Compare(a.RuleID, b.RuleID)
	})
}

// SortPolicies orders policies for evaluation: priority descending, then
// policy ID ascending.
func SortPolicies(ps []*Policy) {
	slices.SortStableFunc(ps, func(a, b *Policy) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return strings.Compare(a.PolicyID, b.PolicyID)
	})
}
