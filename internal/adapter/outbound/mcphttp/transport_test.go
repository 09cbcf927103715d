package mcphttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/goleak"

	"github.com/wardengate/wardengate/internal/domain/credential"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

// fakeBackend speaks just enough streamable HTTP to exercise the
// transport: initialize and initialized are stock, tools/list and
// tools/call are per-test.
type fakeBackend struct {
	mu       sync.Mutex
	requests []string // methods seen, in order
	sessions []string // Mcp-Session-Id header per request
	onList   func(w http.ResponseWriter, req *jsonrpc.Request)
	onCall   func(w http.ResponseWriter, req *jsonrpc.Request)
}

func (b *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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

		b.mu.Lock()
		b.requests = append(b.requests, req.Method)
		b.sessions = append(b.sessions, r.Header.Get(sessionHeader))
		b.mu.Unlock()

		switch req.Method {
		case mcpwire.MethodInitialize:
			w.Header().Set(sessionHeader, "sess-1")
			writeResult(w, req, map[string]any{"protocolVersion": mcpwire.ProtocolVersion})
		case mcpwire.MethodInitialized:
			w.WriteHeader(http.StatusAccepted)
		case mcpwire.MethodListTools:
			b.onList(w, req)
		case mcpwire.MethodCallTool:
			b.onCall(w, req)
		default:
			http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
		}
	}
}

func writeResult(w http.ResponseWriter, req *jsonrpc.Request, result any) {
	raw, _ := json.Marshal(result)
	resp := &jsonrpc.Response{ID: req.ID, Result: raw}
	data, _ := jsonrpc.EncodeMessage(resp)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func newTestTransport(t *testing.T, defaultTimeout time.Duration) *Transport {
	t.Helper()
	tr := NewTransport(credential.NewResolver(), defaultTimeout, nil)
	t.Cleanup(tr.httpClient.CloseIdleConnections)
	return tr
}

func httpDescriptor(url string) *server.Descriptor {
	return &server.Descriptor{Name: "backend", URL: url, Transport: server.TransportHTTP, Enabled: true}
}

func TestListTools_Paginated(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{}
	pages := 0
	backend.onList = func(w http.ResponseWriter, req *jsonrpc.Request) {
		pages++
		if pages == 1 {
			writeResult(w, req, mcpwire.ListToolsResult{
				Tools:      []mcpwire.Tool{{Name: "create_issue"}},
				NextCursor: "page2",
			})
			return
		}
		writeResult(w, req, mcpwire.ListToolsResult{
			Tools: []mcpwire.Tool{{Name: "close_issue"}},
		})
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	tr := newTestTransport(t, 5*time.Second)
	tools, err := tr.ListTools(context.Background(), httpDescriptor(srv.URL))
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "create_issue" || tools[1].Name != "close_issue" {
		t.Errorf("tools = %+v", tools)
	}

	// The session assigned at initialize rides every later request.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	for i, method := range backend.requests {
		if method == mcpwire.MethodInitialize {
			continue
		}
		if backend.sessions[i] != "sess-1" {
			t.Errorf("request %s carried session %q, want sess-1", method, backend.sessions[i])
		}
	}
}

func TestInvokeTool_JSONResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{}
	backend.onCall = func(w http.ResponseWriter, req *jsonrpc.Request) {
		var params mcpwire.CallToolParams
		_ = json.Unmarshal(req.Params, &params)
		if params.Name != "create_issue" {
			t.Errorf("tool name = %q", params.Name)
		}
		if params.Arguments["title"] != "bug" {
			t.Errorf("arguments = %v", params.Arguments)
		}
		writeResult(w, req, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "issue #7 created"}},
		})
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	tr := newTestTransport(t, 5*time.Second)
	result, err := tr.InvokeTool(context.Background(), httpDescriptor(srv.URL),
		"create_issue", map[string]any{"title": "bug"}, nil)
	if err != nil {
		t.Fatalf("InvokeTool: %v", err)
	}
	if result.IsError {
		t.Error("IsError set on success")
	}
	if !strings.Contains(string(result.Content), "issue #7 created") {
		t.Errorf("content = %s", result.Content)
	}
}

// recordSink collects forwarded stream events.
type recordSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordSink) Event(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, string(data))
	return nil
}

func TestInvokeTool_StreamedResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{}
	backend.onCall = func(w http.ResponseWriter, req *jsonrpc.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		// A progress notification first, then the final response.
		note, _ := mcpwire.NewNotification("notifications/progress", map[string]any{"progress": 1})
		noteData, _ := jsonrpc.EncodeMessage(note)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", noteData)
		flusher.Flush()

		raw, _ := json.Marshal(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "done"}},
		})
		respData, _ := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: raw})
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", respData)
		flusher.Flush()
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	sink := &recordSink{}
	tr := newTestTransport(t, 5*time.Second)
	result, err := tr.InvokeTool(context.Background(), httpDescriptor(srv.URL), "slow_tool", nil, sink)
	if err != nil {
		t.Fatalf("InvokeTool: %v", err)
	}
	if !strings.Contains(string(result.Content), "done") {
		t.Errorf("content = %s", result.Content)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || !strings.Contains(sink.events[0], "notifications/progress") {
		t.Errorf("forwarded events = %v", sink.events)
	}
}

func TestInvokeTool_BackendError(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{}
	backend.onCall = func(w http.ResponseWriter, req *jsonrpc.Request) {
		resp := &jsonrpc.Response{ID: req.ID, Error: &jsonrpc.Error{Code: -32602, Message: "unknown tool"}}
		data, _ := jsonrpc.EncodeMessage(resp)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	tr := newTestTransport(t, 5*time.Second)
	_, err := tr.InvokeTool(context.Background(), httpDescriptor(srv.URL), "nope", nil, nil)
	if !fault.IsKind(err, fault.KindBackendUnreachable) {
		t.Errorf("InvokeTool = %v, want backend_unreachable fault", err)
	}
}

func TestInvokeTool_BackendDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := newTestTransport(t, time.Second)
	_, err := tr.InvokeTool(context.Background(), httpDescriptor(url), "any", nil, nil)
	if !fault.IsKind(err, fault.KindBackendUnreachable) {
		t.Errorf("InvokeTool = %v, want backend_unreachable fault", err)
	}
}

func TestInvokeTool_HandshakeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr := newTestTransport(t, 50*time.Millisecond)
	_, err := tr.InvokeTool(context.Background(), httpDescriptor(srv.URL), "any", nil, nil)
	if !fault.IsKind(err, fault.KindBackendTimeout) {
		t.Errorf("InvokeTool = %v, want backend_timeout fault", err)
	}
}

func TestCredentialInjection(t *testing.T) {
	defer goleak.VerifyNone(t)

	var gotAuth string
	backend := &fakeBackend{}
	backend.onList = func(w http.ResponseWriter, req *jsonrpc.Request) {
		writeResult(w, req, mcpwire.ListToolsResult{})
	}
	base := backend.handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		base(w, r)
	}))
	defer srv.Close()

	desc := httpDescriptor(srv.URL)
	desc.Auth = &server.AuthConfig{Method: server.AuthBearer, Credential: "s3cret"}

	tr := newTestTransport(t, 5*time.Second)
	if _, err := tr.ListTools(context.Background(), desc); err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want Bearer s3cret", gotAuth)
	}
}

func TestCredentialUnresolvable(t *testing.T) {
	defer goleak.VerifyNone(t)

	desc := httpDescriptor("http://localhost:1")
	desc.Auth = &server.AuthConfig{Method: server.AuthBearer, CredentialRef: "env://WARDENGATE_TEST_MISSING_VAR"}

	tr := newTestTransport(t, time.Second)
	_, err := tr.ListTools(context.Background(), desc)
	if !fault.IsKind(err, fault.KindBackendUnreachable) {
		t.Errorf("ListTools = %v, want backend_unreachable fault", err)
	}
	if err != nil && !strings.Contains(err.Error(), "credential") {
		t.Errorf("error does not mention the credential: %v", err)
	}
}
