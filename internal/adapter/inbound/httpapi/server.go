// Package httpapi is the inbound HTTP adapter: the policy admin API,
// the server/group registry API, and the MCP protocol surface, all on
// one listener behind shared auth, trace, and metrics middleware.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wardengate/wardengate/internal/domain/auth"
	"github.com/wardengate/wardengate/internal/domain/credential"
	"github.com/wardengate/wardengate/internal/domain/ratelimit"
	"github.com/wardengate/wardengate/internal/port/inbound"
	"github.com/wardengate/wardengate/internal/service"
)

// shutdownTimeout bounds graceful drain of inflight requests.
const shutdownTimeout = 10 * time.Second

// TokenVerifier validates a bearer token and returns the caller's
// principal. Satisfied by the OIDC verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Principal, error)
}

// Server is the inbound HTTP adapter.
type Server struct {
	gateway  inbound.ToolGateway
	registry *service.Registry
	policies *service.PolicyAdmin

	supervisor *service.Supervisor
	recorder   *service.Recorder
	evaluator  *service.Evaluator
	verifier   TokenVerifier
	adminKeys  *auth.AdminKeys
	resolver   *credential.Resolver
	limiter    *ratelimit.Limiter
	health     *HealthChecker

	addr    string
	origins []string
	version string
	logger  *slog.Logger

	metrics    *Metrics
	httpServer *http.Server
}

// Option configures the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithOrigins sets the allowed CORS origin list.
func WithOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithVerifier sets the bearer token verifier. Nil disables bearer
// authentication entirely; only dev deployments run that way.
func WithVerifier(v TokenVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithAdminKeys sets the X-API-Key verifier for admin access.
func WithAdminKeys(k *auth.AdminKeys) Option {
	return func(s *Server) { s.adminKeys = k }
}

// WithSupervisor wires the stdio adapter supervisor for convert routes.
func WithSupervisor(sup *service.Supervisor) Option {
	return func(s *Server) { s.supervisor = sup }
}

// WithRecorder wires the audit recorder for auth_rejected records and
// the recent-audit API.
func WithRecorder(rec *service.Recorder) Option {
	return func(s *Server) { s.recorder = rec }
}

// WithEvaluator wires the evaluator for readiness and decision metrics.
func WithEvaluator(e *service.Evaluator) Option {
	return func(s *Server) { s.evaluator = e }
}

// WithRateLimiter wires the obligation rate limiter for its bucket gauge.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHealthChecker sets the readiness prober.
func WithHealthChecker(h *HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithVersion sets the version string reported by health endpoints.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer builds the HTTP adapter over the request gateway, the
// server registry, and the policy admin service.
func NewServer(gateway inbound.ToolGateway, registry *service.Registry, policies *service.PolicyAdmin, opts ...Option) *Server {
	s := &Server{
		gateway:  gateway,
		registry: registry,
		policies: policies,
		resolver: credential.NewResolver(),
		addr:     "127.0.0.1:8080",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the full middleware chain and route table. Exposed
// so tests can drive the server through httptest without a listener.
func (s *Server) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(reg, s.metricSources())

	api := http.NewServeMux()
	s.registerPolicyRoutes(api)
	s.registerServerRoutes(api)
	s.registerGroupRoutes(api)
	s.registerMCPRoutes(api)
	protected := s.requireAuth(api)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/api/v1/", protected)
	mux.Handle("/mcp/", protected)
	mux.Handle("/servers/", protected)

	// Middleware order, outermost first: metrics capture the full
	// duration; trace and IP enrichment must precede auth so rejection
	// records carry the trace ID.
	var handler http.Handler = mux
	handler = CORSMiddleware(s.origins)(handler)
	handler = RealIPMiddleware(handler)
	handler = TraceMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

func (s *Server) metricSources() MetricSources {
	var src MetricSources
	if s.evaluator != nil {
		src.PolicyCounts = s.evaluator.Counts
	}
	if s.recorder != nil {
		src.AuditDropped = s.recorder.Dropped
	}
	if s.supervisor != nil {
		src.AdapterPool = s.supervisor.PoolSize
	}
	if s.limiter != nil {
		src.RateLimitKeys = s.limiter.Size
	}
	return src
}

func (s *Server) registerPolicyRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/policies", s.handleListPolicies)
	mux.HandleFunc("POST /api/v1/policies", s.handleCreatePolicy)
	mux.HandleFunc("POST /api/v1/policies/evaluate", s.handleEvaluatePolicy)
	mux.HandleFunc("GET /api/v1/policies/{id}", s.handleGetPolicy)
	mux.HandleFunc("PUT /api/v1/policies/{id}", s.handleUpdatePolicy)
	mux.HandleFunc("DELETE /api/v1/policies/{id}", s.handleDeletePolicy)
	mux.HandleFunc("POST /api/v1/policies/{id}/activate", s.handleSetPolicyStatus)
	mux.HandleFunc("POST /api/v1/policies/{id}/suspend", s.handleSetPolicyStatus)
	mux.HandleFunc("POST /api/v1/policies/{id}/retire", s.handleSetPolicyStatus)
	mux.HandleFunc("POST /api/v1/policies/{id}/resources", s.handleBindResource)
	mux.HandleFunc("DELETE /api/v1/policies/{id}/resources/{resource_type}/{resource_id}", s.handleUnbindResource)
	mux.HandleFunc("GET /api/v1/audit/recent", s.handleRecentAudit)
}

func (s *Server) registerServerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/servers", s.handleListServers)
	mux.HandleFunc("POST /mcp/servers", s.handleCreateServer)
	mux.HandleFunc("GET /mcp/servers/{name}", s.handleGetServer)
	mux.HandleFunc("PUT /mcp/servers/{name}", s.handleUpdateServer)
	mux.HandleFunc("DELETE /mcp/servers/{name}", s.handleDeleteServer)
	mux.HandleFunc("GET /mcp/servers/{name}/info", s.handleServerInfo)
	mux.HandleFunc("POST /mcp/servers/{name}/convert", s.handleConvertServer)
	mux.HandleFunc("DELETE /mcp/servers/{name}/convert", s.handleStopAdapter)
}

func (s *Server) registerGroupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/groups", s.handleListGroups)
	mux.HandleFunc("POST /mcp/groups", s.handleCreateGroup)
	mux.HandleFunc("GET /mcp/groups/{id}", s.handleGetGroup)
	mux.HandleFunc("PUT /mcp/groups/{id}", s.handleUpdateGroup)
	mux.HandleFunc("DELETE /mcp/groups/{id}", s.handleDeleteGroup)
	mux.HandleFunc("POST /mcp/groups/{id}/servers", s.handleAddGroupMember)
	mux.HandleFunc("DELETE /mcp/groups/{id}/servers/{name}", s.handleRemoveGroupMember)
	mux.HandleFunc("POST /mcp/groups/{id}/servers/{name}/tools", s.handleSetGroupTools)
}

func (s *Server) registerMCPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/list-tools", s.handleListTools)
	mux.HandleFunc("POST /mcp/invoke", s.handleInvoke)
	mux.HandleFunc("GET /mcp/servers/{name}/policy-allowed-tools", s.handlePolicyAllowedTools)
	mux.HandleFunc("POST /mcp/servers/{name}/mcp", s.handleServerMCP)
	mux.HandleFunc("GET /mcp/group/{id}/list-tools", s.handleGroupListTools)
	mux.HandleFunc("POST /mcp/group/{id}/invoke", s.handleGroupInvoke)
	mux.HandleFunc("POST /mcp/group/{id}/mcp", s.handleGroupMCP)
	mux.HandleFunc("GET /mcp/adapters", s.handleListAdapters)
	mux.HandleFunc("/servers/{name}/{rest...}", s.handleAdapterProxy)
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown drains inflight requests within the shutdown timeout.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown failed", "error", err)
		return err
	}
	s.logger.Info("http server shutdown complete")
	return nil
}
