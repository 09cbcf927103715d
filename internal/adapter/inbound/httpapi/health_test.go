package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/wardengate/wardengate/internal/adapter/outbound/memory"
)

func TestHealthEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	rr := fx.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	body := decodeBody[map[string]string](t, rr)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyWithoutProber(t *testing.T) {
	fx := newAPIFixture(t)

	rr := fx.do(t, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	resp := decodeBody[HealthResponse](t, rr)
	if resp.Status != "ready" {
		t.Fatalf("status = %s", resp.Status)
	}
}

func TestReadyProbesStoreAndEvaluator(t *testing.T) {
	store := memory.NewPolicyStore()
	fx := newAPIFixture(t)
	checker := NewHealthChecker(store, fx.evaluator, fx.recorder, "test")

	resp := checker.Check(context.Background())
	if resp.Status != "ready" {
		t.Fatalf("status = %s, checks = %v", resp.Status, resp.Checks)
	}
	if resp.Checks["store"] != "ok" {
		t.Fatalf("store check = %q", resp.Checks["store"])
	}
	if resp.Checks["audit"] != "ok" {
		t.Fatalf("audit check = %q", resp.Checks["audit"])
	}

	// No compiled snapshot means the gateway cannot evaluate; unready.
	broken := NewHealthChecker(store, nil, fx.recorder, "test")
	if resp = broken.Check(context.Background()); resp.Status != "unready" {
		t.Fatalf("nil evaluator: status = %s", resp.Status)
	}

	srv := NewServer(fx.gateway, fx.registry, fx.policies,
		WithLogger(testLogger()), WithHealthChecker(broken))
	rr := doHandler(t, srv.Handler(), http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unready endpoint: status %d, want 503", rr.Code)
	}
}
