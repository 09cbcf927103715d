package integration

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wardengate/wardengate/internal/domain/audit"
	"github.com/wardengate/wardengate/internal/domain/policy"
)

func TestDefaultDenyWithoutPolicies(t *testing.T) {
	s := newTestStack(t)
	files := newBackend(t, "files", "read_file")
	s.addBackend(t, files)

	rr := s.do(t, tokenAlice, http.MethodPost, "/mcp/invoke?mcp_server=files",
		map[string]any{"tool_name": "read_file"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403; body %s", rr.Code, rr.Body.String())
	}
	env := decodeBody[invokeEnvelope](t, rr)
	if env.Success || env.Decision == nil || env.Decision.Effect != "deny" {
		t.Fatalf("envelope = %+v", env)
	}
	if files.callCount() != 0 {
		t.Fatal("denied invocation must never reach the backend")
	}

	// The denial lands in the audit trail as a policy violation.
	waitFor(t, time.Second, func() bool {
		for _, rec := range s.recentRecords(t) {
			if rec.EventType == audit.EventPolicyViolation && rec.Server == "files" {
				return rec.PrincipalSubject == "alice" && rec.Tool == "read_file"
			}
		}
		return false
	})
}

func TestRoleScopedAllow(t *testing.T) {
	s := newTestStack(t)
	files := newBackend(t, "files", "read_file", "write_file")
	s.addBackend(t, files)
	s.createPolicy(t, allowPolicy("engineers-files", "files", 100))

	rr := s.do(t, tokenAlice, http.MethodPost, "/mcp/invoke?mcp_server=files",
		map[string]any{"tool_name": "read_file", "parameters": map[string]any{"path": "/etc/motd"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("alice: status %d, body %s", rr.Code, rr.Body.String())
	}
	env := decodeBody[invokeEnvelope](t, rr)
	if !env.Success || env.Decision == nil || env.Decision.Effect != "allow" {
		t.Fatalf("envelope = %+v", env)
	}
	if !strings.Contains(string(env.Result), "files ran read_file") {
		t.Fatalf("result = %s", env.Result)
	}
	call := files.lastCall(t)
	if call.Tool != "read_file" || call.Args["path"] != "/etc/motd" {
		t.Fatalf("backend saw %+v", call)
	}

	// bob is outside the policy's scope and falls to the default deny.
	rr = s.do(t, tokenBob, http.MethodPost, "/mcp/invoke?mcp_server=files",
		map[string]any{"tool_name": "read_file"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("bob: status %d, want 403", rr.Code)
	}
}

func TestHigherPriorityDenyWins(t *testing.T) {
	s := newTestStack(t)
	files := newBackend(t, "files", "read_file", "delete_file")
	s.addBackend(t, files)
	s.createPolicy(t, allowPolicy("engineers-files", "files", 100))

	deny := &policy.Policy{
		Name:     "no-deletes",
		Status:   policy.StatusActive,
		Priority: 200,
		Resources: []policy.ResourceBinding{
			{ResourceType: policy.ResourceServer, ResourceID: "files"},
		},
		Rules: []policy.Rule{{
			Conditions: &policy.Condition{
				Field:    "tool.name",
				Operator: policy.OpEquals,
				Value:    "delete_file",
			},
			Actions: []policy.Action{{Type: policy.ActionDeny}},
		}},
	}
	s.createPolicy(t, deny)

	rr := s.do(t, tokenAlice, http.MethodPost, "/mcp/invoke?mcp_server=files",
		map[string]any{"tool_name": "delete_file"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("delete_file: status %d, want 403", rr.Code)
	}

	// Tools the deny condition does not match still flow through the
	// lower-priority allow.
	rr = s.do(t, tokenAlice, http.MethodPost, "/mcp/invoke?mcp_server=files",
		map[string]any{"tool_name": "read_file"})
	if rr.Code != http.StatusOK {
		t.Fatalf("read_file: status %d, body %s", rr.Code, rr.Body.String())
	}

	// The filtered listing reflects the same split.
	rr = s.do(t, tokenAlice, http.MethodGet, "/mcp/servers/files/policy-allowed-tools", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("policy-allowed-tools: status %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "read_file") || strings.Contains(body, "delete_file") {
		t.Fatalf("filtered tools = %s", body)
	}
}

func TestPayloadCondition(t *testing.T) {
	s := newTestStack(t)
	mail := newBackend(t, "mail", "send")
	s.addBackend(t, mail)

	p := allowPolicy("internal-mail-only", "mail", 100)
	p.Rules[0].Conditions = &policy.Condition{
		Field:    "payload.to",
		Operator: policy.OpEndsWith,
		Value:    "@corp.example",
	}
	s.createPolicy(t, p)

	rr := s.do(t, tokenAlice, http.MethodPost, "/mcp/invoke?mcp_server=mail",
		map[string]any{"tool_name": "send", "parameters": map[string]any{"to": "dana@corp.example"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("internal recipient: status %d, body %s", rr.Code, rr.Body.String())
	}

	rr = s.do(t, tokenAlice, http.MethodPost, "/mcp/invoke?mcp_server=mail",
		map[string]any{"tool_name": "send", "parameters": map[string]any{"to": "eve@elsewhere.test"}})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("external recipient: status %d, want 403", rr.Code)
	}
	if mail.callCount() != 1 {
		t.Fatalf("backend calls = %d, want only the allowed one", mail.callCount())
	}
}

func TestClientIPCondition(t *testing.T) {
	s := newTestStack(t)
	files := newBackend(t, "files", "read_file")
	s.addBackend(t, files)

	p := allowPolicy("office-network-only", "files", 100)
	p.Rules[0].Conditions = &policy.Condition{
		Field:    "request.ip",
		Operator: policy.OpInIPRange,
		Value:    []any{"10.0.0.0/8"},
	}
	s.createPolicy(t, p)

	invoke := func(forwardedFor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mcp/invoke?mcp_server=files",
			strings.NewReader(`{"tool_name":"read_file"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tokenAlice)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rr := httptest.NewRecorder()
		s.handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := invoke("10.1.2.3"); rr.Code != http.StatusOK {
		t.Fatalf("in-range caller: status %d, body %s", rr.Code, rr.Body.String())
	}
	if rr := invoke("203.0.113.7"); rr.Code != http.StatusForbidden {
		t.Fatalf("out-of-range caller: status %d, want 403", rr.Code)
	}
}

func TestRateLimitObligation(t *testing.T) {
	s := newTestStack(t)
	files := newBackend(t, "files", "read_file")
	s.addBackend(t, files)

	p := allowPolicy("throttled-files", "files", 100)
	p.Rules[0].Actions = []policy.Action{
		{Type: policy.ActionAllow},
		{Type: policy.ActionRateLimit, Params: map[string]any{"requests_per_minute": 2}},
	}
	s.createPolicy(t, p)

	for i := 0; i < 2; i++ {
		rr := s.do(t, tokenAlice, http.MethodPost, "/mcp/invoke?mcp_server=files",
			map[string]any{"tool_name": "read_file"})
		if rr.Code != http.StatusOK {
			t.Fatalf("call %d: status %d, body %s", i+1, rr.Code, rr.Body.String())
		}
	}
	rr := s.do(t, tokenAlice, http.MethodPost, "/mcp/invoke?mcp_server=files",
		map[string]any{"tool_name": "read_file"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("over-budget call: status %d, want 403", rr.Code)
	}
	if files.callCount() != 2 {
		t.Fatalf("backend calls = %d, want 2", files.callCount())
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	s := newTestStack(t)

	rr := s.do(t, "", http.MethodGet, "/mcp/servers", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", rr.Code)
	}
	rr = s.do(t, "tok-forged", http.MethodGet, "/mcp/servers", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", rr.Code)
	}
	// Probes stay open.
	if rr = s.do(t, "", http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health: status %d", rr.Code)
	}
}
