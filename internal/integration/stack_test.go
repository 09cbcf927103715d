// Package integration exercises the assembled gateway: sqlite stores,
// the policy evaluator, the request pipeline, the streamable-HTTP
// transport, and the inbound HTTP surface, against fake MCP backends.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/wardengate/wardengate/internal/adapter/inbound/httpapi"
	auditstore "github.com/wardengate/wardengate/internal/adapter/outbound/audit"
	"github.com/wardengate/wardengate/internal/adapter/outbound/mcphttp"
	"github.com/wardengate/wardengate/internal/adapter/outbound/sqlite"
	"github.com/wardengate/wardengate/internal/domain/audit"
	"github.com/wardengate/wardengate/internal/domain/auth"
	"github.com/wardengate/wardengate/internal/domain/credential"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/policy"
	"github.com/wardengate/wardengate/internal/domain/ratelimit"
	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/internal/service"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

// Tokens the static verifier accepts. alice carries the engineer role,
// bob does not, and the admin token drives the management API.
const (
	tokenAdmin = "tok-admin"
	tokenAlice = "tok-alice"
	tokenBob   = "tok-bob"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// staticTokens is a bearer verifier with a fixed token table.
type staticTokens map[string]auth.Principal

func (s staticTokens) Verify(_ context.Context, token string) (auth.Principal, error) {
	pr, ok := s[token]
	if !ok {
		return auth.Principal{}, fault.New(fault.KindAuthInvalid, "unknown token")
	}
	return pr, nil
}

func knownTokens() staticTokens {
	return staticTokens{
		tokenAdmin: {Subject: "ops", Roles: []string{"admin"}},
		tokenAlice: {Subject: "alice", Email: "alice@corp.example", Roles: []string{"engineer"}},
		tokenBob:   {Subject: "bob", Roles: []string{"intern"}},
	}
}

// toolCall is one tools/call a backend received.
type toolCall struct {
	Tool string
	Args map[string]any
}

// mcpBackend is a minimal streamable-HTTP MCP server: stock initialize
// and initialized handling, a fixed tool list, and calls answered with
// a text block naming the backend and tool.
type mcpBackend struct {
	name  string
	tools []string

	mu    sync.Mutex
	calls []toolCall
	srv   *httptest.Server
}

func newBackend(t *testing.T, name string, tools ...string) *mcpBackend {
	t.Helper()
	b := &mcpBackend{name: name, tools: tools}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *mcpBackend) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		http.Error(w, "not a request", http.StatusBadRequest)
		return
	}

	switch req.Method {
	case mcpwire.MethodInitialize:
		w.Header().Set("Mcp-Session-Id", "sess-"+b.name)
		b.reply(w, req, map[string]any{"protocolVersion": mcpwire.ProtocolVersion})
	case mcpwire.MethodInitialized:
		w.WriteHeader(http.StatusAccepted)
	case mcpwire.MethodListTools:
		out := make([]mcpwire.Tool, 0, len(b.tools))
		for _, name := range b.tools {
			out = append(out, mcpwire.Tool{Name: name})
		}
		b.reply(w, req, mcpwire.ListToolsResult{Tools: out})
	case mcpwire.MethodCallTool:
		var params mcpwire.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.calls = append(b.calls, toolCall{Tool: params.Name, Args: params.Arguments})
		b.mu.Unlock()
		content, _ := json.Marshal([]map[string]string{
			{"type": "text", "text": b.name + " ran " + params.Name},
		})
		b.reply(w, req, mcpwire.CallToolResult{Content: content})
	default:
		http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
	}
}

func (b *mcpBackend) reply(w http.ResponseWriter, req *jsonrpc.Request, result any) {
	raw, _ := json.Marshal(result)
	data, _ := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: raw})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (b *mcpBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *mcpBackend) lastCall(t *testing.T) toolCall {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		t.Fatal("backend received no calls")
	}
	return b.calls[len(b.calls)-1]
}

// stack is the whole gateway assembled over one sqlite database.
type stack struct {
	handler  http.Handler
	registry *service.Registry
	policies *service.PolicyAdmin
}

// newStack boots a gateway over the given database file. Booting the
// same path twice models a process restart.
func newStack(t *testing.T, dbPath string) *stack {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	db, err := sqlite.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	registry, err := service.NewRegistry(ctx, sqlite.NewServerStore(db), "https://gw.example", logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	evaluator, err := service.NewEvaluator(ctx, sqlite.NewPolicyStore(db), logger)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	admin := service.NewPolicyAdmin(sqlite.NewPolicyStore(db), evaluator, logger)

	audits, err := auditstore.NewFileStore(auditstore.Config{Dir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	recorder := service.NewRecorder(audits, logger, service.WithBatchSize(1))
	recorder.Start(ctx)
	t.Cleanup(func() { recorder.Stop(context.Background()) })

	transport := mcphttp.NewTransport(credential.NewResolver(), 5*time.Second, logger)
	pipeline := service.NewPipeline(registry, evaluator, transport, recorder, ratelimit.NewLimiter(), logger)

	srv := httpapi.NewServer(pipeline, registry, admin,
		httpapi.WithRecorder(recorder),
		httpapi.WithEvaluator(evaluator),
		httpapi.WithVerifier(knownTokens()),
		httpapi.WithVersion("integration"),
		httpapi.WithLogger(logger),
	)
	return &stack{
		handler:  srv.Handler(),
		registry: registry,
		policies: admin,
	}
}

// newTestStack is the common case: a fresh database per test.
func newTestStack(t *testing.T) *stack {
	t.Helper()
	return newStack(t, filepath.Join(t.TempDir(), "wardengate.db"))
}

// do drives one authenticated request through the full middleware chain.
func (s *stack) do(t *testing.T, token, method, target string, body any) *httptest.ResponseRecorder {
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
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

// addBackend registers an enabled HTTP server pointing at a fake backend.
func (s *stack) addBackend(t *testing.T, b *mcpBackend) {
	t.Helper()
	ctx := context.Background()
	d := &server.Descriptor{
		Name:      b.name,
		URL:       b.srv.URL,
		Transport: server.TransportHTTP,
	}
	if err := s.registry.CreateServer(ctx, d); err != nil {
		t.Fatalf("CreateServer(%s): %v", b.name, err)
	}
	d.Enabled = true
	if err := s.registry.UpdateServer(ctx, d); err != nil {
		t.Fatalf("enabling %s: %v", b.name, err)
	}
}

// createPolicy pushes a policy through the management API so the
// evaluator reload path is exercised too.
func (s *stack) createPolicy(t *testing.T, p *policy.Policy) policy.Policy {
	t.Helper()
	rr := s.do(t, tokenAdmin, http.MethodPost, "/api/v1/policies", p)
	if rr.Code != http.StatusCreated {
		t.Fatalf("creating policy %s: status %d, body %s", p.Name, rr.Code, rr.Body.String())
	}
	return decodeBody[policy.Policy](t, rr)
}

// allowPolicy grants role engineer a given server, unconditionally.
func allowPolicy(name, serverName string, priority int) *policy.Policy {
	p := &policy.Policy{
		Name:     name,
		Status:   policy.StatusActive,
		Priority: priority,
		Scopes: []policy.PrincipalScope{
			{PrincipalType: policy.PrincipalRole, PrincipalID: "engineer"},
		},
		Rules: []policy.Rule{
			{Actions: []policy.Action{{Type: policy.ActionAllow}}},
		},
	}
	if serverName != "" {
		p.Resources = []policy.ResourceBinding{
			{ResourceType: policy.ResourceServer, ResourceID: serverName},
		}
	}
	return p
}

// invokeEnvelope mirrors the wire shape of invocation responses.
type invokeEnvelope struct {
	Success         bool            `json:"success"`
	ToolName        string          `json:"tool_name"`
	MCPServer       string          `json:"mcp_server"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	Decision        *struct {
		Effect   string `json:"effect"`
		PolicyID string `json:"policy_id,omitempty"`
		Reason   string `json:"reason,omitempty"`
	} `json:"decision,omitempty"`
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// recentRecords reads the audit trail through the admin API. The
// recorder flushes asynchronously, so callers poll.
func (s *stack) recentRecords(t *testing.T) []audit.Record {
	t.Helper()
	rr := s.do(t, tokenAdmin, http.MethodGet, "/api/v1/audit/recent?limit=100", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("audit recent: status %d, body %s", rr.Code, rr.Body.String())
	}
	body := decodeBody[struct {
		Records []audit.Record `json:"records"`
	}](t, rr)
	return body.Records
}
