package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/internal/port/outbound"
	"github.com/wardengate/wardengate/internal/service"
)

const proxyTestBasePort = 27300

// echoProc stands in for an adapter child: it binds the port from its
// argv and answers /ping for the supervisor's probes, echoing everything
// else back as JSON.
type echoProc struct {
	spec outbound.ProcessSpec

	mu   sync.Mutex
	srv  *http.Server
	done chan struct{}
	once sync.Once
}

func (p *echoProc) Start(context.Context) error {
	var port int
	for i, a := range p.spec.Args {
		if a == "--port" && i+1 < len(p.spec.Args) {
			port, _ = strconv.Atoi(p.spec.Args[i+1])
		}
	}
	if port == 0 {
		return fmt.Errorf("no --port in argv %v", p.spec.Args)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"method":    r.Method,
			"path":      r.URL.Path,
			"query":     r.URL.RawQuery,
			"forwarded": r.Header.Get("X-Forwarded-For"),
		})
	})
	srv := &http.Server{Handler: mux}

	p.mu.Lock()
	p.srv = srv
	p.mu.Unlock()
	go func() { _ = srv.Serve(ln) }()
	return nil
}

func (p *echoProc) Wait() error {
	<-p.done
	return nil
}

func (p *echoProc) Stop(context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		srv := p.srv
		p.mu.Unlock()
		if srv != nil {
			_ = srv.Close()
		}
		close(p.done)
	})
	return nil
}

func (p *echoProc) PID() int { return 4242 }

// supervisedFixture extends the API fixture with a running adapter.
func supervisedFixture(t *testing.T) (*apiFixture, *service.Supervisor) {
	t.Helper()
	fx := newAPIFixture(t)

	sup := service.NewSupervisor(fx.registry,
		func(spec outbound.ProcessSpec) outbound.AdapterProcess {
			return &echoProc{spec: spec, done: make(chan struct{})}
		},
		fx.recorder, testLogger(),
		service.WithBasePort(proxyTestBasePort),
		service.WithHealthRetries(5),
		service.WithProbeSchedule(time.Millisecond, 5*time.Millisecond),
		service.WithStopGrace(200*time.Millisecond),
	)
	t.Cleanup(func() { sup.Close(context.Background()) })

	// Rebuild the handler with the supervisor wired in.
	fx.server = NewServer(fx.gateway, fx.registry, fx.policies,
		WithRecorder(fx.recorder),
		WithEvaluator(fx.evaluator),
		WithSupervisor(sup),
		WithVersion("test"),
		WithLogger(testLogger()),
	)
	fx.handler = fx.server.Handler()
	return fx, sup
}

func (fx *apiFixture) addStdioServer(t *testing.T, name string) {
	t.Helper()
	d := &server.Descriptor{
		Name:      name,
		Transport: server.TransportStdio,
		Command:   "uvx",
		Args:      []string{"mcp-server-" + name},
	}
	if err := fx.registry.CreateServer(context.Background(), d); err != nil {
		t.Fatalf("CreateServer(%s): %v", name, err)
	}
}

func TestAdapterProxyForwards(t *testing.T) {
	fx, sup := supervisedFixture(t)
	fx.addStdioServer(t, "files")

	if _, err := sup.Convert(context.Background(), "files"); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	rr := fx.do(t, http.MethodGet, "/servers/files/sse/stream?session=abc", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rr.Code, rr.Body.String())
	}
	echo := decodeBody[map[string]string](t, rr)
	if echo["path"] != "/sse/stream" {
		t.Fatalf("backend saw path %q, want /sse/stream", echo["path"])
	}
	if echo["query"] != "session=abc" {
		t.Fatalf("backend saw query %q", echo["query"])
	}
	if echo["forwarded"] == "" {
		t.Fatal("proxy should stamp X-Forwarded-For")
	}
}

func TestAdapterProxyUnknownServer(t *testing.T) {
	fx, _ := supervisedFixture(t)

	rr := fx.do(t, http.MethodGet, "/servers/ghost/anything", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rr.Code)
	}
}

func TestAdapterProxyWithoutSupervisor(t *testing.T) {
	fx := newAPIFixture(t)

	rr := fx.do(t, http.MethodGet, "/servers/files/anything", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rr.Code)
	}
}

func TestListAdapters(t *testing.T) {
	fx, sup := supervisedFixture(t)
	fx.addStdioServer(t, "files")

	rr := fx.do(t, http.MethodGet, "/mcp/adapters", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	body := decodeBody[struct {
		Adapters []service.AdapterStatus `json:"adapters"`
	}](t, rr)
	if len(body.Adapters) != 0 {
		t.Fatalf("expected empty pool, got %+v", body.Adapters)
	}

	if _, err := sup.Convert(context.Background(), "files"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	rr = fx.do(t, http.MethodGet, "/mcp/adapters", nil)
	body = decodeBody[struct {
		Adapters []service.AdapterStatus `json:"adapters"`
	}](t, rr)
	if len(body.Adapters) != 1 || body.Adapters[0].ServerName != "files" {
		t.Fatalf("adapters = %+v", body.Adapters)
	}
	if body.Adapters[0].Port < proxyTestBasePort {
		t.Fatalf("port %d outside the window", body.Adapters[0].Port)
	}

	// Converting rewrote the descriptor to the adapter's endpoint.
	d, err := fx.registry.Server("files")
	if err != nil {
		t.Fatalf("Server: %v", err)
	}
	want := fmt.Sprintf("http://127.0.0.1:%d/mcp", body.Adapters[0].Port)
	if d.URL != want {
		t.Fatalf("url = %s, want %s", d.URL, want)
	}
}
