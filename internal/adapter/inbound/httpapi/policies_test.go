package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/wardengate/wardengate/internal/domain/policy"
)

func testPolicy(name string) *policy.Policy {
	return &policy.Policy{
		Name:     name,
		Status:   policy.StatusActive,
		Priority: 100,
		Scopes: []policy.PrincipalScope{
			{PrincipalType: policy.PrincipalRole, PrincipalID: "engineer"},
		},
		Rules: []policy.Rule{
			{Actions: []policy.Action{{Type: policy.ActionAllow}}},
		},
	}
}

func TestPolicyCreateAssignsServerFields(t *testing.T) {
	fx := newAPIFixture(t)

	p := testPolicy("allow-engineers")
	// Client-supplied identity and bookkeeping must be ignored.
	p.PolicyID = "attacker-chosen"
	p.Version = 99
	p.CreatedAt = time.Now().Add(-time.Hour)

	rr := fx.do(t, http.MethodPost, "/api/v1/policies", p)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d, body %s", rr.Code, rr.Body.String())
	}
	created := decodeBody[policy.Policy](t, rr)
	if created.PolicyID == "" || created.PolicyID == "attacker-chosen" {
		t.Fatalf("policy_id = %q, want server-assigned", created.PolicyID)
	}
	if created.Version != 1 {
		t.Fatalf("version = %d, want 1", created.Version)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("created_at should be stamped")
	}

	rr = fx.do(t, http.MethodGet, "/api/v1/policies/"+created.PolicyID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET created policy: status %d", rr.Code)
	}
}

func TestPolicyCreateRejectsInvalid(t *testing.T) {
	fx := newAPIFixture(t)

	p := testPolicy("broken")
	p.Rules[0].Conditions = &policy.Condition{
		Field:    "tool.name",
		Operator: policy.OpMatches,
		Value:    "([unclosed",
	}
	rr := fx.do(t, http.MethodPost, "/api/v1/policies", p)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid regex: status %d, want 400", rr.Code)
	}

	// Unknown body fields fail loudly instead of being dropped.
	rr = fx.do(t, http.MethodPost, "/api/v1/policies", map[string]any{
		"name": "x", "prioritee": 5,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d, want 400", rr.Code)
	}
}

func TestPolicyListFilters(t *testing.T) {
	fx := newAPIFixture(t)

	for _, name := range []string{"one", "two"} {
		rr := fx.do(t, http.MethodPost, "/api/v1/policies", testPolicy(name))
		if rr.Code != http.StatusCreated {
			t.Fatalf("creating %s: status %d", name, rr.Code)
		}
	}

	rr := fx.do(t, http.MethodGet, "/api/v1/policies", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status %d", rr.Code)
	}
	if got := decodeBody[[]policy.Policy](t, rr); len(got) != 2 {
		t.Fatalf("list returned %d policies, want 2", len(got))
	}

	rr = fx.do(t, http.MethodGet, "/api/v1/policies?q=one", nil)
	if got := decodeBody[[]policy.Policy](t, rr); len(got) != 1 || got[0].Name != "one" {
		t.Fatalf("q=one returned %+v", got)
	}

	rr = fx.do(t, http.MethodGet, "/api/v1/policies?status=suspended", nil)
	if got := decodeBody[[]policy.Policy](t, rr); len(got) != 0 {
		t.Fatalf("status=suspended returned %d policies, want none", len(got))
	}

	// Unknown enum values are rejected, not silently ignored.
	if rr = fx.do(t, http.MethodGet, "/api/v1/policies?status=bogus", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d, want 400", rr.Code)
	}
	if rr = fx.do(t, http.MethodGet, "/api/v1/policies?resource_type=bogus", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad resource_type filter: %d, want 400", rr.Code)
	}
}

func TestPolicyLifecycleVerbs(t *testing.T) {
	fx := newAPIFixture(t)

	rr := fx.do(t, http.MethodPost, "/api/v1/policies", testPolicy("lifecycle"))
	created := decodeBody[policy.Policy](t, rr)

	// Retired is terminal, so it must come last.
	steps := []struct {
		verb string
		want policy.Status
	}{
		{"suspend", policy.StatusSuspended},
		{"activate", policy.StatusActive},
		{"retire", policy.StatusRetired},
	}
	for _, step := range steps {
		verb, want := step.verb, step.want
		rr = fx.do(t, http.MethodPost, "/api/v1/policies/"+created.PolicyID+"/"+verb, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d, body %s", verb, rr.Code, rr.Body.String())
		}
		if got := decodeBody[policy.Policy](t, rr); got.Status != want {
			t.Fatalf("%s: status = %s, want %s", verb, got.Status, want)
		}
	}

	rr = fx.do(t, http.MethodPost, "/api/v1/policies/nope/activate", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("activate unknown policy: status %d, want 404", rr.Code)
	}
}

func TestPolicyUpdateAndDelete(t *testing.T) {
	fx := newAPIFixture(t)

	rr := fx.do(t, http.MethodPost, "/api/v1/policies", testPolicy("before"))
	created := decodeBody[policy.Policy](t, rr)

	updated := testPolicy("after")
	updated.Priority = 200
	rr = fx.do(t, http.MethodPut, "/api/v1/policies/"+created.PolicyID, updated)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: status %d, body %s", rr.Code, rr.Body.String())
	}
	got := decodeBody[policy.Policy](t, rr)
	if got.Name != "after" || got.Priority != 200 {
		t.Fatalf("update applied %+v", got)
	}
	if got.Version <= created.Version {
		t.Fatalf("version %d should advance past %d", got.Version, created.Version)
	}

	rr = fx.do(t, http.MethodDelete, "/api/v1/policies/"+created.PolicyID, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d, want 204", rr.Code)
	}
	rr = fx.do(t, http.MethodGet, "/api/v1/policies/"+created.PolicyID, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d, want 404", rr.Code)
	}
}

func TestPolicyBindUnbindResource(t *testing.T) {
	fx := newAPIFixture(t)

	rr := fx.do(t, http.MethodPost, "/api/v1/policies", testPolicy("scoped"))
	created := decodeBody[policy.Policy](t, rr)

	b := policy.ResourceBinding{ResourceType: policy.ResourceServer, ResourceID: "github"}
	rr = fx.do(t, http.MethodPost, "/api/v1/policies/"+created.PolicyID+"/resources", b)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("bind: status %d, body %s", rr.Code, rr.Body.String())
	}

	rr = fx.do(t, http.MethodGet, "/api/v1/policies/"+created.PolicyID, nil)
	got := decodeBody[policy.Policy](t, rr)
	if len(got.Resources) != 1 || got.Resources[0].ResourceID != "github" {
		t.Fatalf("resources = %+v", got.Resources)
	}

	rr = fx.do(t, http.MethodDelete,
		"/api/v1/policies/"+created.PolicyID+"/resources/mcp_server/github", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("unbind: status %d", rr.Code)
	}
	rr = fx.do(t, http.MethodGet, "/api/v1/policies/"+created.PolicyID, nil)
	if got = decodeBody[policy.Policy](t, rr); len(got.Resources) != 0 {
		t.Fatalf("resources after unbind = %+v", got.Resources)
	}
}

func TestPolicyEvaluateDryRun(t *testing.T) {
	fx := newAPIFixture(t)

	p := testPolicy("allow-engineers")
	if rr := fx.do(t, http.MethodPost, "/api/v1/policies", p); rr.Code != http.StatusCreated {
		t.Fatalf("create: status %d", rr.Code)
	}

	rc := map[string]any{
		"principal": map[string]any{"subject": "alice", "roles": []string{"engineer"}},
		"server":    map[string]any{"name": "github", "transport": "http"},
		"tool":      "create_issue",
	}
	rr := fx.do(t, http.MethodPost, "/api/v1/policies/evaluate", rc)
	if rr.Code != http.StatusOK {
		t.Fatalf("evaluate: status %d, body %s", rr.Code, rr.Body.String())
	}
	decision := decodeBody[policy.Decision](t, rr)
	if decision.Effect != policy.EffectAllow {
		t.Fatalf("effect = %s, want allow (%s)", decision.Effect, decision.Reason)
	}

	// A caller outside the scope falls through to the default deny.
	rc["principal"] = map[string]any{"subject": "bob", "roles": []string{"intern"}}
	rr = fx.do(t, http.MethodPost, "/api/v1/policies/evaluate", rc)
	if decision = decodeBody[policy.Decision](t, rr); decision.Effect != policy.EffectDeny {
		t.Fatalf("out-of-scope effect = %s, want deny", decision.Effect)
	}
}

func TestRecentAudit(t *testing.T) {
	fx := newAPIFixture(t)

	rr := fx.do(t, http.MethodGet, "/api/v1/audit/recent?limit=0", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("limit=0: status %d, want 400", rr.Code)
	}
	rr = fx.do(t, http.MethodGet, "/api/v1/audit/recent?limit=nope", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("limit=nope: status %d, want 400", rr.Code)
	}

	rr = fx.do(t, http.MethodGet, "/api/v1/audit/recent", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("recent: status %d", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	if _, ok := body["records"]; !ok {
		t.Fatalf("response missing records: %v", body)
	}
}

func TestRecentAuditWithoutRecorder(t *testing.T) {
	fx := newAPIFixture(t)

	bare := NewServer(fx.gateway, fx.registry, fx.policies, WithLogger(testLogger()))
	rr := doHandler(t, bare.Handler(), http.MethodGet, "/api/v1/audit/recent", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("no recorder: status %d, want 503", rr.Code)
	}
}
