package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wardengate/wardengate/internal/domain/audit"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/internal/port/outbound"
)

const (
	// adapterPortWindow is the size of the port range above the base
	// port from which adapter ports are allocated.
	adapterPortWindow = 1000

	// defaultProbeInitialDelay is how long a fresh child gets before
	// the first health probe.
	defaultProbeInitialDelay = time.Second

	// defaultProbeInterval separates consecutive health probes.
	defaultProbeInterval = 500 * time.Millisecond

	// defaultStopGrace is how long a child gets between the graceful
	// termination signal and the hard kill.
	defaultStopGrace = 5 * time.Second

	// probeRequestTimeout bounds a single health probe round-trip.
	probeRequestTimeout = 2 * time.Second
)

// Adapter lifecycle phases as they appear in audit records.
const (
	adapterEventConverted   = "converted"
	adapterEventStopped     = "stopped"
	adapterEventCrashed     = "crashed"
	adapterEventStartFailed = "start_failed"
)

// AdapterStatus is the externally visible state of one pooled adapter.
type AdapterStatus struct {
	ServerName string    `json:"server_name"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Command    string    `json:"command"`
	Args       []string  `json:"args"`
	StartedAt  time.Time `json:"started_at"`
}

// adapterEntry is one pooled child. Immutable fields are set before the
// entry is published into the pool; proc and pid are written under the
// supervisor mutex once the child is running.
type adapterEntry struct {
	port      int
	command   string
	args      []string
	startedAt time.Time

	proc outbound.AdapterProcess
	pid  int
}

// Supervisor owns the pool of stdio→HTTP adapter children. Each child
// wraps one stdio MCP server and exposes it on a dedicated loopback
// port; on success the server's descriptor is rewritten to HTTP so the
// pipeline can route to it like any other backend.
//
// At most one adapter runs per server name, and a port is never handed
// out while the previous child still holds it.
type Supervisor struct {
	registry *Registry
	factory  outbound.ProcessFactory
	recorder *Recorder
	logger   *slog.Logger

	basePort      int
	healthRetries int
	command       string
	argsTemplate  []string
	initialDelay  time.Duration
	probeInterval time.Duration
	stopGrace     time.Duration
	probeClient   *http.Client

	mu     sync.Mutex
	pool   map[string]*adapterEntry
	closed bool

	wg sync.WaitGroup
}

// SupervisorOption adjusts supervisor behavior.
type SupervisorOption func(*Supervisor)

// WithBasePort sets the lower bound of the adapter port window.
func WithBasePort(port int) SupervisorOption {
	return func(s *Supervisor) { s.basePort = port }
}

// WithHealthRetries sets how many probes a starting child gets before
// the conversion is abandoned.
func WithHealthRetries(n int) SupervisorOption {
	return func(s *Supervisor) { s.healthRetries = n }
}

// WithAdapterCommand sets the wrapper executable and its argv template.
// Template entries may reference {port} and {command}; a standalone
// {args} entry is replaced by the server's own argument list.
func WithAdapterCommand(command string, argsTemplate []string) SupervisorOption {
	return func(s *Supervisor) {
		s.command = command
		s.argsTemplate = slices.Clone(argsTemplate)
	}
}

// WithProbeSchedule overrides the health probe timing, mainly for tests.
func WithProbeSchedule(initialDelay, interval time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.initialDelay = initialDelay
		s.probeInterval = interval
	}
}

// WithStopGrace sets the delay between the graceful termination signal
// and the hard kill.
func WithStopGrace(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.stopGrace = d }
}

// NewSupervisor builds an adapter supervisor over the given registry.
// The factory is invoked once per child so tests can substitute fakes.
func NewSupervisor(registry *Registry, factory outbound.ProcessFactory, recorder *Recorder, logger *slog.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		registry:      registry,
		factory:       factory,
		recorder:      recorder,
		logger:        logger,
		basePort:      9100,
		healthRetries: 20,
		command:       "mcp-proxy",
		argsTemplate:  []string{"--port", "{port}", "--", "{command}", "{args}"},
		initialDelay:  defaultProbeInitialDelay,
		probeInterval: defaultProbeInterval,
		stopGrace:     defaultStopGrace,
		// Probed children are short-lived; keep-alive connections to
		// them would outlive the probe loop.
		probeClient: &http.Client{
			Timeout:   probeRequestTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		pool: make(map[string]*adapterEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Convert spawns an adapter child for a stdio server, waits for it to
// become healthy, and rewrites the server's descriptor to the child's
// loopback HTTP endpoint. On any failure the child is killed and the
// descriptor is left untouched.
func (s *Supervisor) Convert(ctx context.Context, name string) (*server.Descriptor, error) {
	d, err := s.registry.Server(name)
	if err != nil {
		return nil, err
	}
	if d.Transport != server.TransportStdio {
		return nil, fault.Newf(fault.KindValidation,
			"server %q has %s transport; only stdio servers can be converted", name, d.Transport)
	}
	return s.launch(ctx, d, 0)
}

// Resume respawns adapters for servers the store already marks as
// converted, reusing their recorded ports. Servers whose adapters
// cannot come back are reverted to stdio form so operators see their
// true state. Called once at boot; returns how many adapters started.
func (s *Supervisor) Resume(ctx context.Context) int {
	var started int
	for _, d := range s.registry.Servers() {
		if !convertedFromStdio(d) {
			continue
		}
		if _, running := s.Status(d.Name); running {
			continue
		}
		port := metaPort(d.Metadata[server.MetaStdioProxyPort])
		if port == 0 || d.Command == "" {
			s.logger.Warn("converted server has no usable adapter record; reverting to stdio",
				"server", d.Name)
			s.restore(ctx, d.Name)
			continue
		}
		if _, err := s.launch(ctx, d, port); err != nil {
			s.logger.Warn("resuming adapter failed; reverting to stdio",
				"server", d.Name, "port", port, "error", err)
			s.restore(ctx, d.Name)
			continue
		}
		started++
	}
	if started > 0 {
		s.logger.Info("stdio adapters resumed", "count", started)
	}
	return started
}

// launch runs the full conversion for one descriptor: reserve a pool
// slot and port, spawn, probe, then persist the rewritten descriptor.
// A fixedPort of zero means allocate one.
func (s *Supervisor) launch(ctx context.Context, d *server.Descriptor, fixedPort int) (*server.Descriptor, error) {
	name := d.Name
	began := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fault.New(fault.KindAdapterStartTimeout, "adapter supervisor is shut down")
	}
	if _, ok := s.pool[name]; ok {
		s.mu.Unlock()
		return nil, fault.Newf(fault.KindValidation, "adapter for %q is already running", name)
	}
	port := fixedPort
	if port == 0 {
		var err error
		if port, err = s.allocatePortLocked(name); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	} else if s.portTakenLocked(port) {
		s.mu.Unlock()
		return nil, fault.Newf(fault.KindAdapterStartTimeout,
			"recorded port %d for %q is held by another adapter", port, name)
	}
	entry := &adapterEntry{
		port:      port,
		command:   d.Command,
		args:      slices.Clone(d.Args),
		startedAt: began.UTC(),
	}
	s.pool[name] = entry
	s.mu.Unlock()

	proc := s.factory(outbound.ProcessSpec{
		Name:    name,
		Command: s.command,
		Args:    buildAdapterArgs(s.argsTemplate, port, d.Command, d.Args),
		Env:     d.Env,
		OnLine: func(stream, line string) {
			s.logger.Debug("adapter output", "server", name, "stream", stream, "line", line)
		},
	})
	if err := proc.Start(ctx); err != nil {
		s.remove(name, entry)
		err = fault.Wrap(fault.KindAdapterCrashed, fmt.Sprintf("starting adapter for %q", name), err)
		s.adapterEvent(ctx, name, adapterEventStartFailed, began, err)
		return nil, err
	}
	s.mu.Lock()
	entry.proc = proc
	entry.pid = proc.PID()
	s.mu.Unlock()

	exited := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		exited <- proc.Wait()
	}()

	if err := s.awaitReady(ctx, name, port, exited); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.stopGrace)
		_ = proc.Stop(stopCtx)
		cancel()
		s.remove(name, entry)
		s.adapterEvent(ctx, name, adapterEventStartFailed, began, err)
		return nil, err
	}

	if err := s.registry.UpdateServer(ctx, convertedDescriptor(d, port)); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.stopGrace)
		_ = proc.Stop(stopCtx)
		cancel()
		s.remove(name, entry)
		s.adapterEvent(ctx, name, adapterEventStartFailed, began, err)
		return nil, err
	}

	s.wg.Add(1)
	go s.watch(name, entry, exited)

	s.logger.Info("stdio server converted",
		"server", name, "port", port, "pid", entry.pid,
		"startup_ms", time.Since(began).Milliseconds())
	s.adapterEvent(ctx, name, adapterEventConverted, began, nil)

	return s.registry.Server(name)
}

// Stop terminates one adapter, releases its port, and reverts the
// server's descriptor to its stdio form.
func (s *Supervisor) Stop(ctx context.Context, name string) (*server.Descriptor, error) {
	s.mu.Lock()
	entry, ok := s.pool[name]
	if !ok {
		s.mu.Unlock()
		return nil, fault.Newf(fault.KindResourceNotFound, "no adapter running for %q", name)
	}
	delete(s.pool, name)
	s.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, s.stopGrace)
	err := entry.proc.Stop(stopCtx)
	cancel()
	if err != nil {
		s.logger.Warn("stopping adapter", "server", name, "error", err)
	}

	d, err := s.registry.RestoreStdio(ctx, name)
	if err != nil {
		return nil, err
	}

	s.logger.Info("adapter stopped", "server", name, "port", entry.port)
	s.adapterEvent(ctx, name, adapterEventStopped, entry.startedAt, nil)
	return d, nil
}

// Status reports one pooled adapter.
func (s *Supervisor) Status(name string) (AdapterStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pool[name]
	if !ok {
		return AdapterStatus{}, false
	}
	return statusOf(name, entry), true
}

// List reports every pooled adapter, ordered by server name.
func (s *Supervisor) List() []AdapterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AdapterStatus, 0, len(s.pool))
	for name, entry := range s.pool {
		out = append(out, statusOf(name, entry))
	}
	slices.SortFunc(out, func(a, b AdapterStatus) int {
		return strings.Compare(a.ServerName, b.ServerName)
	})
	return out
}

// PoolSize reports how many adapters are running.
func (s *Supervisor) PoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pool)
}

// Close terminates every adapter and refuses further conversions.
// Descriptors keep their converted form so the next boot can resume
// them. Safe to call twice.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := maps.Clone(s.pool)
	s.pool = make(map[string]*adapterEntry)
	s.mu.Unlock()

	for name, entry := range entries {
		stopCtx, cancel := context.WithTimeout(ctx, s.stopGrace)
		if err := entry.proc.Stop(stopCtx); err != nil {
			s.logger.Warn("stopping adapter on shutdown", "server", name, "error", err)
		}
		cancel()
		s.logger.Info("adapter stopped", "server", name, "port", entry.port)
	}
	s.wg.Wait()
}

// watch blocks until the child exits. A deliberate stop removes the
// entry from the pool first, so finding it still there means a crash:
// log it, audit it, and revert the descriptor so the server's stored
// state matches reality.
func (s *Supervisor) watch(name string, entry *adapterEntry, exited <-chan error) {
	defer s.wg.Done()

	err := <-exited

	s.mu.Lock()
	current, ok := s.pool[name]
	if !ok || current != entry {
		s.mu.Unlock()
		return
	}
	delete(s.pool, name)
	s.mu.Unlock()

	s.logger.Error("adapter exited unexpectedly",
		"server", name, "port", entry.port, "pid", entry.pid, "error", err)
	s.adapterEvent(context.Background(), name, adapterEventCrashed, entry.startedAt,
		fmt.Errorf("adapter exited unexpectedly: %w", exitCause(err)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.restore(ctx, name)
}

// restore reverts a server to stdio form, logging rather than
// propagating failures; the callers are already on an error path.
func (s *Supervisor) restore(ctx context.Context, name string) {
	if _, err := s.registry.RestoreStdio(ctx, name); err != nil {
		s.logger.Error("reverting server to stdio failed", "server", name, "error", err)
	}
}

// awaitReady polls the child's /ping endpoint until it answers 200,
// the retry budget runs out, or the child dies first.
func (s *Supervisor) awaitReady(ctx context.Context, name string, port int, exited <-chan error) error {
	pingURL := fmt.Sprintf("http://127.0.0.1:%d/ping", port)

	wait := func(d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case err := <-exited:
			return fault.Wrap(fault.KindAdapterCrashed,
				fmt.Sprintf("adapter for %q exited during startup", name), exitCause(err))
		case <-ctx.Done():
			return fault.Wrap(fault.KindAdapterStartTimeout,
				fmt.Sprintf("adapter startup for %q canceled", name), ctx.Err())
		case <-timer.C:
			return nil
		}
	}

	if err := wait(s.initialDelay); err != nil {
		return err
	}
	for i := 0; i < s.healthRetries; i++ {
		if i > 0 {
			if err := wait(s.probeInterval); err != nil {
				return err
			}
		}
		if s.ping(ctx, pingURL) {
			return nil
		}
	}
	return fault.Newf(fault.KindAdapterStartTimeout,
		"adapter for %q did not become healthy after %d probes", name, s.healthRetries)
}

// ping is a single health probe.
func (s *Supervisor) ping(ctx context.Context, url string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, probeRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.probeClient.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// allocatePortLocked picks a free port from the window above basePort,
// starting at an offset derived from the server name so the same server
// tends to land on the same port across restarts.
func (s *Supervisor) allocatePortLocked(name string) (int, error) {
	offset := int(xxhash.Sum64String(name) % adapterPortWindow)
	for i := 0; i < adapterPortWindow; i++ {
		port := s.basePort + (offset+i)%adapterPortWindow
		if s.portTakenLocked(port) {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port, nil
	}
	return 0, fault.Newf(fault.KindAdapterStartTimeout,
		"no free adapter port in %d-%d", s.basePort, s.basePort+adapterPortWindow-1)
}

// portTakenLocked reports whether a pooled adapter holds the port.
func (s *Supervisor) portTakenLocked(port int) bool {
	for _, entry := range s.pool {
		if entry.port == port {
			return true
		}
	}
	return false
}

// remove deletes the entry only if it is still the pool's current one.
func (s *Supervisor) remove(name string, entry *adapterEntry) {
	s.mu.Lock()
	if current, ok := s.pool[name]; ok && current == entry {
		delete(s.pool, name)
	}
	s.mu.Unlock()
}

// adapterEvent writes one lifecycle record to the audit trail.
func (s *Supervisor) adapterEvent(ctx context.Context, name, phase string, began time.Time, err error) {
	rec := audit.Record{
		TraceID:    traceID(ctx),
		EventType:  audit.EventAdapterEvent,
		Server:     name,
		Decision:   phase,
		DurationMS: time.Since(began).Milliseconds(),
	}
	if err != nil {
		rec.Error = fault.MessageOf(err)
	}
	s.recorder.Record(rec)
}

func statusOf(name string, entry *adapterEntry) AdapterStatus {
	return AdapterStatus{
		ServerName: name,
		PID:        entry.pid,
		Port:       entry.port,
		Command:    entry.command,
		Args:       slices.Clone(entry.args),
		StartedAt:  entry.startedAt,
	}
}

// convertedDescriptor rewrites a stdio descriptor to the adapter's
// loopback endpoint, stamping metadata so the conversion survives a
// restart. Env values are deliberately kept out of metadata; only the
// variable names are recorded.
func convertedDescriptor(d *server.Descriptor, port int) *server.Descriptor {
	out := d.Clone()
	out.Transport = server.TransportHTTP
	out.URL = fmt.Sprintf("http://127.0.0.1:%d/mcp", port)
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 5)
	}
	out.Metadata[server.MetaConvertedFromStdio] = true
	out.Metadata[server.MetaStdioCommand] = d.Command
	out.Metadata[server.MetaStdioArgs] = slices.Clone(d.Args)
	out.Metadata[server.MetaStdioEnv] = envNames(d.Env)
	out.Metadata[server.MetaStdioProxyPort] = port
	return out
}

// convertedFromStdio reports whether the descriptor carries the
// conversion marker.
func convertedFromStdio(d *server.Descriptor) bool {
	b, ok := d.Metadata[server.MetaConvertedFromStdio].(bool)
	return ok && b
}

// metaPort decodes the recorded proxy port, which arrives as a float64
// after a JSON round-trip through the store.
func metaPort(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		p, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return p
	default:
		return 0
	}
}

// envNames lists the variable names of an environment map, sorted.
func envNames(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(env))
}

// buildAdapterArgs expands the argv template: {port} and {command} are
// substituted anywhere in a token, and a standalone {args} token is
// replaced by the server's own argument list.
func buildAdapterArgs(template []string, port int, command string, args []string) []string {
	out := make([]string, 0, len(template)+len(args))
	for _, tok := range template {
		if tok == "{args}" {
			out = append(out, args...)
			continue
		}
		tok = strings.ReplaceAll(tok, "{port}", strconv.Itoa(port))
		tok = strings.ReplaceAll(tok, "{command}", command)
		out = append(out, tok)
	}
	return out
}

// exitCause substitutes a descriptive error when the child exited
// with status zero, so audit records never carry an empty cause.
func exitCause(err error) error {
	if err == nil {
		return fmt.Errorf("exited with status 0")
	}
	return err
}
