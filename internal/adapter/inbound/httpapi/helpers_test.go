package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/wardengate/wardengate/internal/adapter/outbound/memory"
	"github.com/wardengate/wardengate/internal/domain/audit"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/internal/port/inbound"
	"github.com/wardengate/wardengate/internal/port/outbound"
	"github.com/wardengate/wardengate/internal/service"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGateway substitutes the request pipeline behind the HTTP surface.
// Unset hooks answer resource_not_found so route tests fail loudly when
// they hit the wrong method.
type fakeGateway struct {
	listTools   func(ctx context.Context, name string) ([]mcpwire.Tool, error)
	allowed     func(ctx context.Context, name string) ([]mcpwire.Tool, error)
	invoke      func(ctx context.Context, name string, req inbound.InvokeRequest, sink outbound.StreamSink) *inbound.InvokeResult
	groupList   func(ctx context.Context, id string) ([]mcpwire.Tool, error)
	groupInvoke func(ctx context.Context, id string, req inbound.InvokeRequest, sink outbound.StreamSink) *inbound.InvokeResult
}

func (g *fakeGateway) ListTools(ctx context.Context, name string) ([]mcpwire.Tool, error) {
	if g.listTools == nil {
		return nil, fault.New(fault.KindResourceNotFound, "ListTools not wired")
	}
	return g.listTools(ctx, name)
}

func (g *fakeGateway) PolicyAllowedTools(ctx context.Context, name string) ([]mcpwire.Tool, error) {
	if g.allowed == nil {
		return nil, fault.New(fault.KindResourceNotFound, "PolicyAllowedTools not wired")
	}
	return g.allowed(ctx, name)
}

func (g *fakeGateway) Invoke(ctx context.Context, name string, req inbound.InvokeRequest, sink outbound.StreamSink) *inbound.InvokeResult {
	if g.invoke == nil {
		return &inbound.InvokeResult{
			ToolName: req.ToolName, Server: name,
			Err: fault.New(fault.KindResourceNotFound, "Invoke not wired"),
		}
	}
	return g.invoke(ctx, name, req, sink)
}

func (g *fakeGateway) GroupListTools(ctx context.Context, id string) ([]mcpwire.Tool, error) {
	if g.groupList == nil {
		return nil, fault.New(fault.KindResourceNotFound, "GroupListTools not wired")
	}
	return g.groupList(ctx, id)
}

func (g *fakeGateway) GroupInvoke(ctx context.Context, id string, req inbound.InvokeRequest, sink outbound.StreamSink) *inbound.InvokeResult {
	if g.groupInvoke == nil {
		return &inbound.InvokeResult{
			ToolName: req.ToolName,
			Err:      fault.New(fault.KindResourceNotFound, "GroupInvoke not wired"),
		}
	}
	return g.groupInvoke(ctx, id, req, sink)
}

// captureAuditStore collects records in memory for assertions.
type captureAuditStore struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *captureAuditStore) Append(_ context.Context, records ...audit.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, records...)
	return nil
}

func (c *captureAuditStore) Recent(_ context.Context, limit int) ([]audit.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Record
	for i := len(c.recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.recs[i])
	}
	return out, nil
}

func (c *captureAuditStore) Flush(context.Context) error { return nil }
func (c *captureAuditStore) Close() error                { return nil }

// apiFixture wires a Server over in-memory stores and a fake gateway.
type apiFixture struct {
	gateway   *fakeGateway
	registry  *service.Registry
	policies  *service.PolicyAdmin
	evaluator *service.Evaluator
	recorder  *service.Recorder
	audits    *captureAuditStore
	server    *Server
	handler   http.Handler
}

func newAPIFixture(t *testing.T, opts ...Option) *apiFixture {
	t.Helper()
	ctx := context.Background()

	fx := &apiFixture{
		gateway: &fakeGateway{},
		audits:  &captureAuditStore{},
	}

	registry, err := service.NewRegistry(ctx, memory.NewServerStore(), "https://gw.example", testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	fx.registry = registry

	policyStore := memory.NewPolicyStore()
	fx.evaluator, err = service.NewEvaluator(ctx, policyStore, testLogger())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	fx.policies = service.NewPolicyAdmin(policyStore, fx.evaluator, testLogger())

	fx.recorder = service.NewRecorder(fx.audits, testLogger(), service.WithBatchSize(1))
	fx.recorder.Start(ctx)
	t.Cleanup(func() { fx.recorder.Stop(context.Background()) })

	all := append([]Option{
		WithRecorder(fx.recorder),
		WithEvaluator(fx.evaluator),
		WithVersion("test"),
		WithLogger(testLogger()),
	}, opts...)
	fx.server = NewServer(fx.gateway, fx.registry, fx.policies, all...)
	fx.handler = fx.server.Handler()
	return fx
}

// do drives one request through the full middleware chain.
func (fx *apiFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, req)
	return rr
}

// doHandler drives a request through an arbitrary handler.
func doHandler(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// decodeBody unmarshals a JSON response body.
func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

// addHTTPServer registers an enabled HTTP backend.
func (fx *apiFixture) addHTTPServer(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	d := &server.Descriptor{
		Name:      name,
		URL:       "http://" + name + ".internal:8000/mcp",
		Transport: server.TransportHTTP,
	}
	if err := fx.registry.CreateServer(ctx, d); err != nil {
		t.Fatalf("CreateServer(%s): %v", name, err)
	}
	d.Enabled = true
	if err := fx.registry.UpdateServer(ctx, d); err != nil {
		t.Fatalf("enabling %s: %v", name, err)
	}
}
