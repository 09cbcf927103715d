package policy

import (
	"time"

	"github.com/wardengate/wardengate/internal/domain/auth"
)

// RequestContext is everything the evaluator sees about one request. The
// dry-run endpoint accepts it verbatim, so the JSON shape is part of the
// external API.
type RequestContext struct {
	Principal auth.Principal `json:"principal"`
	Server    ServerFacts    `json:"server"`
	Tool      string         `json:"tool"`
	Payload   map[string]any `json:"payload,omitempty"`
	Request   RequestMeta    `json:"request"`
}

// ServerFacts is the evaluator's view of the target server.
type ServerFacts struct {
	Name       string   `json:"name"`
	Transport  string   `json:"transport,omitempty"`
	AuthMethod string   `json:"auth_method,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// RequestMeta carries transport-level request attributes.
type RequestMeta struct {
	IP      string    `json:"ip,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
	Time    time.Time `json:"time"`
}

// Fields flattens the context into the dotted-path namespace condition
// leaves address: subject.*, tool.*, server.*, payload.*, request.*.
func (rc *RequestContext) Fields() Fields {
	subject := map[string]any{
		"id":       rc.Principal.Subject,
		"email":    rc.Principal.Email,
		"username": rc.Principal.Username,
		"roles":    rc.Principal.Roles,
		"groups":   rc.Principal.Groups,
	}
	if len(rc.Principal.Claims) > 0 {
		subject["claims"] = rc.Principal.Claims
	}
	f := Fields{
		"subject": subject,
		"tool": map[string]any{
			"name": rc.Tool,
			"id":   ToolID(rc.Server.Name, rc.Tool),
		},
		"server": map[string]any{
			"name":        rc.Server.Name,
			"transport":   rc.Server.Transport,
			"auth_method": rc.Server.AuthMethod,
			"tags":        rc.Server.Tags,
		},
		"request": map[string]any{
			"ip":       rc.Request.IP,
			"trace_id": rc.Request.TraceID,
			"time":     rc.Request.Time.UTC().Format(time.RFC3339),
		},
	}
	if rc.Payload != nil {
		f["payload"] = rc.Payload
	}
	return f
}

// MatchesPrincipal applies scope semantics: empty scopes match everyone,
// otherwise at least one scope must match. User scopes compare against the
// subject, role scopes against realm roles, organization scopes against
// groups.
func (p *Policy) MatchesPrincipal(pr auth.Principal) bool {
	if len(p.Scopes) == 0 {
		return true
	}
	for _, s := range p.Scopes {
		switch s.PrincipalType {
		case PrincipalUser:
			if s.PrincipalID == pr.Subject {
				return true
			}
		case PrincipalRole:
			if pr.HasRole(s.PrincipalID) {
				return true
			}
		case PrincipalOrganization:
			if pr.InGroup(s.PrincipalID) {
				return true
			}
		}
	}
	return false
}

// ReasonNoMatch is the fail-closed reason when no active policy rule
// matched the request.
const ReasonNoMatch = "no matching policy"

// Decision is the outcome of evaluating a request context.
type Decision struct {
	Effect      Effect   `json:"effect"`
	PolicyID    string   `json:"policy_id,omitempty"`
	RuleID      string   `json:"rule_id,omitempty"`
	Reason      string   `json:"reason"`
	Obligations []Action `json:"obligations,omitempty"`
}

// Allowed reports whether the decision permits the request.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}

// DefaultDecision is the outcome when nothing matched. failOpen is a
// deployment-time override; the shipped default is deny.
func DefaultDecision(failOpen bool) Decision {
	if failOpen {
		return Decision{Effect: EffectAllow, Reason: ReasonNoMatch}
	}
	return Decision{Effect: EffectDeny, Reason: ReasonNoMatch}
}

// ObligationsOfType returns the decision's obligations of one type.
func (d Decision) ObligationsOfType(t ActionType) []Action {
	var out []Action
	for _, o := range d.Obligations {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

// HasObligation reports whether an obligation of the given type is present.
func (d Decision) HasObligation(t ActionType) bool {
	for _, o := range d.Obligations {
		if o.Type == t {
			return true
		}
	}
	return false
}

// ObligationNames lists obligation types for audit records.
func (d Decision) ObligationNames() []string {
	if len(d.Obligations) == 0 {
		return nil
	}
	out := make([]string, len(d.Obligations))
	for i, o := range d.Obligations {
		out[i] = string(o.Type)
	}
	return out
}
