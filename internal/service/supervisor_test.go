package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/goleak"

	"github.com/wardengate/wardengate/internal/domain/audit"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/internal/port/outbound"
)

const testAdapterBasePort = 29100

// fakeAdapter plays the role of an adapter child: on Start it binds the
// port named in its argv and serves /ping, so the supervisor's health
// probing and port allocation run against a real listener.
type fakeAdapter struct {
	spec     outbound.ProcessSpec
	healthy  bool
	startErr error
	pid      int

	mu      sync.Mutex
	srv     *http.Server
	stopped bool
	waitErr error

	serveWG  sync.WaitGroup
	done     chan struct{}
	exitOnce sync.Once
}

func (f *fakeAdapter) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	port := argPort(f.spec.Args)
	if port == 0 {
		return fmt.Errorf("no --port in argv %v", f.spec.Args)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}

	status := http.StatusOK
	if !f.healthy {
		status = http.StatusServiceUnavailable
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	srv := &http.Server{Handler: mux}

	f.mu.Lock()
	f.srv = srv
	f.mu.Unlock()

	f.serveWG.Add(1)
	go func() {
		defer f.serveWG.Done()
		_ = srv.Serve(ln)
	}()
	return nil
}

func (f *fakeAdapter) Wait() error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.exit(nil)
	return nil
}

func (f *fakeAdapter) PID() int { return f.pid }

// exit simulates the child terminating with the given error.
func (f *fakeAdapter) exit(err error) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.waitErr = err
		srv := f.srv
		f.mu.Unlock()
		if srv != nil {
			_ = srv.Close()
		}
		f.serveWG.Wait()
		close(f.done)
	})
}

func (f *fakeAdapter) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func argPort(args []string) int {
	for i, a := range args {
		if a == "--port" && i+1 < len(args) {
			p, _ := strconv.Atoi(args[i+1])
			return p
		}
	}
	return 0
}

// fakeFactory records every spawned child.
type fakeFactory struct {
	mu       sync.Mutex
	healthy  bool
	startErr error
	procs    []*fakeAdapter
}

func (f *fakeFactory) new(spec outbound.ProcessSpec) outbound.AdapterProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	fa := &fakeAdapter{
		spec:     spec,
		healthy:  f.healthy,
		startErr: f.startErr,
		pid:      40000 + len(f.procs),
		done:     make(chan struct{}),
	}
	f.procs = append(f.procs, fa)
	return fa
}

func (f *fakeFactory) last() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

type supervisorFixture struct {
	registry   *Registry
	factory    *fakeFactory
	audits     *captureAuditStore
	recorder   *Recorder
	supervisor *Supervisor
	opts       []SupervisorOption
}

func newSupervisorFixture(t *testing.T, opts ...SupervisorOption) *supervisorFixture {
	t.Helper()

	fx := &supervisorFixture{
		registry: newTestRegistry(t),
		factory:  &fakeFactory{healthy: true},
		audits:   &captureAuditStore{},
	}
	fx.recorder = NewRecorder(fx.audits, testLogger(), WithBatchSize(1))
	fx.recorder.Start(context.Background())

	fx.opts = append([]SupervisorOption{
		WithBasePort(testAdapterBasePort),
		WithHealthRetries(3),
		WithProbeSchedule(time.Millisecond, 5*time.Millisecond),
		WithAdapterCommand("fake-proxy", []string{"--port", "{port}", "--", "{command}", "{args}"}),
		WithStopGrace(200 * time.Millisecond),
	}, opts...)
	fx.supervisor = NewSupervisor(fx.registry, fx.factory.new, fx.recorder, testLogger(), fx.opts...)

	t.Cleanup(func() {
		fx.supervisor.Close(context.Background())
		fx.recorder.Stop(context.Background())
	})
	return fx
}

func (fx *supervisorFixture) addStdioServer(t *testing.T, name string) {
	t.Helper()
	d := stdioDescriptor(name)
	d.Env = map[string]string{"REGION": "eu", "API_KEY": "secret"}
	if err := fx.registry.CreateServer(context.Background(), d); err != nil {
		t.Fatalf("CreateServer(%s): %v", name, err)
	}
}

// hasAdapterEvent polls for an adapter lifecycle record with the given
// phase in the Decision column.
func (fx *supervisorFixture) hasAdapterEvent(phase string) func() bool {
	return func() bool {
		recs, _ := fx.audits.Recent(context.Background(), 100)
		for _, r := range recs {
			if r.EventType == audit.EventAdapterEvent && r.Decision == phase {
				return true
			}
		}
		return false
	}
}

func TestSupervisorConvertHappyPath(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fx := newSupervisorFixture(t)
	fx.addStdioServer(t, "files")

	d, err := fx.supervisor.Convert(context.Background(), "files")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	st, ok := fx.supervisor.Status("files")
	if !ok {
		t.Fatal("adapter missing from pool")
	}
	if st.Port < testAdapterBasePort || st.Port >= testAdapterBasePort+adapterPortWindow {
		t.Fatalf("port %d outside the adapter window", st.Port)
	}
	if st.PID == 0 {
		t.Fatal("status should carry the child PID")
	}
	if d.Transport != server.TransportHTTP {
		t.Fatalf("transport = %s, want http", d.Transport)
	}
	if want := fmt.Sprintf("http://127.0.0.1:%d/mcp", st.Port); d.URL != want {
		t.Fatalf("url = %s, want %s", d.URL, want)
	}

	if v, _ := d.Metadata[server.MetaConvertedFromStdio].(bool); !v {
		t.Fatal("conversion marker missing from metadata")
	}
	if got := d.Metadata[server.MetaStdioCommand]; got != "uvx" {
		t.Fatalf("stdio_command = %v, want uvx", got)
	}
	envMeta, _ := d.Metadata[server.MetaStdioEnv].([]string)
	if !slices.Equal(envMeta, []string{"API_KEY", "REGION"}) {
		t.Fatalf("stdio_env should hold sorted names only, got %v", envMeta)
	}
	if got := d.Metadata[server.MetaStdioProxyPort]; got != st.Port {
		t.Fatalf("stdio_proxy_port = %v, want %d", got, st.Port)
	}

	spec := fx.factory.last().spec
	if spec.Command != "fake-proxy" {
		t.Fatalf("wrapper command = %s", spec.Command)
	}
	wantArgs := []string{"--port", strconv.Itoa(st.Port), "--", "uvx", "mcp-server-files"}
	if !slices.Equal(spec.Args, wantArgs) {
		t.Fatalf("argv = %v, want %v", spec.Args, wantArgs)
	}
	if spec.Env["API_KEY"] != "secret" {
		t.Fatal("child should inherit the server's env")
	}

	waitUntil(t, fx.hasAdapterEvent(adapterEventConverted))
}

func TestSupervisorConvertValidation(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fx := newSupervisorFixture(t)
	ctx := context.Background()

	if _, err := fx.supervisor.Convert(ctx, "ghost"); !fault.IsKind(err, fault.KindResourceNotFound) {
		t.Fatalf("unknown server: got %v", err)
	}

	if err := fx.registry.CreateServer(ctx, httpDescriptor("web")); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if _, err := fx.supervisor.Convert(ctx, "web"); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("http server: got %v", err)
	}

	fx.addStdioServer(t, "files")
	if _, err := fx.supervisor.Convert(ctx, "files"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	// The descriptor is HTTP now, so a second convert is rejected.
	if _, err := fx.supervisor.Convert(ctx, "files"); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("second convert: got %v", err)
	}
}

func TestSupervisorUnhealthyChildTimesOut(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fx := newSupervisorFixture(t)
	fx.factory.healthy = false
	fx.addStdioServer(t, "files")

	_, err := fx.supervisor.Convert(context.Background(), "files")
	if !fault.IsKind(err, fault.KindAdapterStartTimeout) {
		t.Fatalf("got %v, want adapter_start_timeout", err)
	}

	// The child was killed and the descriptor left untouched.
	if !fx.factory.last().wasStopped() {
		t.Fatal("unhealthy child should be stopped")
	}
	if fx.supervisor.PoolSize() != 0 {
		t.Fatal("failed conversion should not stay pooled")
	}
	d, err := fx.registry.Server("files")
	if err != nil {
		t.Fatalf("Server: %v", err)
	}
	if d.Transport != server.TransportStdio || convertedFromStdio(d) {
		t.Fatalf("descriptor should stay stdio, got %s %v", d.Transport, d.Metadata)
	}

	waitUntil(t, fx.hasAdapterEvent(adapterEventStartFailed))
}

func TestSupervisorSpawnFailure(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fx := newSupervisorFixture(t)
	fx.factory.startErr = errors.New(`exec: "fake-proxy": executable file not found`)
	fx.addStdioServer(t, "files")

	_, err := fx.supervisor.Convert(context.Background(), "files")
	if !fault.IsKind(err, fault.KindAdapterCrashed) {
		t.Fatalf("got %v, want adapter_crashed", err)
	}
	if fx.supervisor.PoolSize() != 0 {
		t.Fatal("failed spawn should not stay pooled")
	}
}

func TestSupervisorStopRevertsServer(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fx := newSupervisorFixture(t)
	ctx := context.Background()
	fx.addStdioServer(t, "files")

	if _, err := fx.supervisor.Convert(ctx, "files"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	d, err := fx.supervisor.Stop(ctx, "files")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if d.Transport != server.TransportStdio {
		t.Fatalf("transport = %s, want stdio", d.Transport)
	}
	if d.URL != "stdio://files" {
		t.Fatalf("url = %s, want stdio://files", d.URL)
	}
	if d.Enabled {
		t.Fatal("reverted server should come back disabled")
	}
	if len(d.Metadata) != 0 {
		t.Fatalf("conversion metadata should be stripped, got %v", d.Metadata)
	}
	if !fx.factory.last().wasStopped() {
		t.Fatal("child should be stopped")
	}
	if fx.supervisor.PoolSize() != 0 {
		t.Fatal("pool should be empty after stop")
	}

	waitUntil(t, fx.hasAdapterEvent(adapterEventStopped))
	// A deliberate stop removes the entry before the child exits, so the
	// crash watcher must stay silent.
	if fx.hasAdapterEvent(adapterEventCrashed)() {
		t.Fatal("deliberate stop should not audit a crash")
	}

	if _, err := fx.supervisor.Stop(ctx, "files"); !fault.IsKind(err, fault.KindResourceNotFound) {
		t.Fatalf("second stop: got %v", err)
	}
}

func TestSupervisorCrashRevertsServer(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fx := newSupervisorFixture(t)
	ctx := context.Background()
	fx.addStdioServer(t, "files")

	if _, err := fx.supervisor.Convert(ctx, "files"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	fx.factory.last().exit(errors.New("exit status 2"))

	waitUntil(t, func() bool { return fx.supervisor.PoolSize() == 0 })
	waitUntil(t, func() bool {
		d, err := fx.registry.Server("files")
		return err == nil && d.Transport == server.TransportStdio && !d.Enabled
	})
	waitUntil(t, fx.hasAdapterEvent(adapterEventCrashed))

	recs, _ := fx.audits.Recent(ctx, 100)
	for _, r := range recs {
		if r.Decision == adapterEventCrashed && r.Server == "files" {
			if r.Error == "" {
				t.Fatal("crash record should carry the exit error")
			}
			return
		}
	}
	t.Fatal("crash record not found")
}

func TestSupervisorResumesConvertedServers(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fx := newSupervisorFixture(t)
	ctx := context.Background()
	fx.addStdioServer(t, "files")

	d, err := fx.supervisor.Convert(ctx, "files")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	port := metaPort(d.Metadata[server.MetaStdioProxyPort])

	// Simulated restart: the pool dies with the process, the store keeps
	// the converted descriptor.
	fx.supervisor.Close(ctx)
	if d, err = fx.registry.Server("files"); err != nil || !convertedFromStdio(d) {
		t.Fatalf("descriptor should stay converted across shutdown, got %v %v", d, err)
	}

	resumed := NewSupervisor(fx.registry, fx.factory.new, fx.recorder, testLogger(), fx.opts...)
	t.Cleanup(func() { resumed.Close(context.Background()) })

	if n := resumed.Resume(ctx); n != 1 {
		t.Fatalf("Resume started %d adapters, want 1", n)
	}
	st, ok := resumed.Status("files")
	if !ok {
		t.Fatal("resumed adapter missing from pool")
	}
	if st.Port != port {
		t.Fatalf("resumed on port %d, want recorded port %d", st.Port, port)
	}
	// Resume is idempotent while the adapter runs.
	if n := resumed.Resume(ctx); n != 0 {
		t.Fatalf("second Resume started %d adapters, want 0", n)
	}
}

func TestSupervisorCloseStopsAll(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fx := newSupervisorFixture(t)
	ctx := context.Background()
	fx.addStdioServer(t, "files")
	fx.addStdioServer(t, "notes")

	for _, name := range []string{"files", "notes"} {
		if _, err := fx.supervisor.Convert(ctx, name); err != nil {
			t.Fatalf("Convert(%s): %v", name, err)
		}
	}
	list := fx.supervisor.List()
	if len(list) != 2 || list[0].ServerName != "files" || list[1].ServerName != "notes" {
		t.Fatalf("List() = %+v", list)
	}

	fx.supervisor.Close(ctx)

	if fx.supervisor.PoolSize() != 0 {
		t.Fatal("pool should be empty after close")
	}
	for _, p := range fx.factory.procs {
		if !p.wasStopped() {
			t.Fatal("every child should be stopped on close")
		}
	}
	// Descriptors keep their converted form so the next boot resumes them.
	for _, name := range []string{"files", "notes"} {
		d, err := fx.registry.Server(name)
		if err != nil || !convertedFromStdio(d) {
			t.Fatalf("%s should stay converted after close", name)
		}
	}

	fx.addStdioServer(t, "extra")
	if _, err := fx.supervisor.Convert(ctx, "extra"); !fault.IsKind(err, fault.KindAdapterStartTimeout) {
		t.Fatalf("convert after close: got %v", err)
	}
}

func TestSupervisorPortAllocation(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fx := newSupervisorFixture(t)
	ctx := context.Background()
	fx.addStdioServer(t, "files")

	deterministic := testAdapterBasePort + int(xxhash.Sum64String("files")%adapterPortWindow)

	// Hold the deterministic port so allocation has to probe past it.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", deterministic))
	if err != nil {
		t.Skipf("deterministic port %d unavailable: %v", deterministic, err)
	}

	if _, err := fx.supervisor.Convert(ctx, "files"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	st, _ := fx.supervisor.Status("files")
	if st.Port == deterministic {
		t.Fatal("allocator handed out an occupied port")
	}

	// With the port free again, the same name lands back on it.
	if _, err := fx.supervisor.Stop(ctx, "files"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = ln.Close()
	if _, err := fx.supervisor.Convert(ctx, "files"); err != nil {
		t.Fatalf("second Convert: %v", err)
	}
	if st, _ = fx.supervisor.Status("files"); st.Port != deterministic {
		t.Fatalf("expected deterministic port %d, got %d", deterministic, st.Port)
	}
}

func TestBuildAdapterArgs(t *testing.T) {
	got := buildAdapterArgs(
		[]string{"--port", "{port}", "--", "{command}", "{args}"},
		9123, "uvx", []string{"mcp-server-files", "--root", "/srv"})
	want := []string{"--port", "9123", "--", "uvx", "mcp-server-files", "--root", "/srv"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Placeholders may be embedded inside a token; {args} may be absent.
	got = buildAdapterArgs([]string{"--listen=127.0.0.1:{port}", "--exec={command}"}, 9123, "deno", nil)
	want = []string{"--listen=127.0.0.1:9123", "--exec=deno"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
