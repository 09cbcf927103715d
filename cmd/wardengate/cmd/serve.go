package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardengate/wardengate/internal/adapter/inbound/httpapi"
	auditstore "github.com/wardengate/wardengate/internal/adapter/outbound/audit"
	"github.com/wardengate/wardengate/internal/adapter/outbound/mcphttp"
	"github.com/wardengate/wardengate/internal/adapter/outbound/oidc"
	"github.com/wardengate/wardengate/internal/adapter/outbound/proc"
	"github.com/wardengate/wardengate/internal/adapter/outbound/sqlite"
	"github.com/wardengate/wardengate/internal/config"
	"github.com/wardengate/wardengate/internal/domain/audit"
	"github.com/wardengate/wardengate/internal/domain/auth"
	"github.com/wardengate/wardengate/internal/domain/credential"
	"github.com/wardengate/wardengate/internal/domain/ratelimit"
	"github.com/wardengate/wardengate/internal/service"
)

// Spec §6 exit codes. Cobra's default error path exits 1, which doubles
// as the configuration-error code.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitStoreUnreached = 2
	exitSignalDrained  = 3
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the WardenGate gateway.

The gateway serves three route families on one listener: the policy
admin API (/api/v1), the server/group registry and MCP protocol surface
(/mcp), and the adapter reverse proxy (/servers). Health and readiness
are unauthenticated; everything else requires a bearer token or an
admin API key.

Examples:
  # Start with config file settings
  wardengate serve

  # Start with a specific config file
  wardengate --config /path/to/wardengate.yaml serve

  # Development mode: debug logging, auth optional without a JWKS URL
  wardengate serve --dev`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "enable development mode (debug logging, relaxed auth)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Load without validation so the --dev flag can apply first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		exitCode = exitConfigError
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		exitCode = exitConfigError
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill instead of waiting out the drain.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled; do not expose this instance")
	}

	if err := serve(ctx, cfg, logger); err != nil {
		return err
	}

	if ctx.Err() != nil {
		logger.Info("wardengate stopped on signal")
		exitCode = exitSignalDrained
		return nil
	}
	logger.Info("wardengate stopped")
	return nil
}

// serve wires every component and blocks until shutdown. Deferred stops
// run in reverse construction order, so the HTTP listener drains before
// the supervisor kills adapters and the audit recorder flushes last.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := sqlite.Open(ctx, cfg.Store.DSN)
	if err != nil {
		exitCode = exitStoreUnreached
		return fmt.Errorf("opening policy store: %w", err)
	}
	defer func() { _ = db.Close() }()

	policyStore := sqlite.NewPolicyStore(db)
	serverStore := sqlite.NewServerStore(db)

	store, err := openAuditStore(cfg, logger)
	if err != nil {
		exitCode = exitConfigError
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer func() { _ = store.Close() }()

	recorder := service.NewRecorder(store, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(parseDurationOr(cfg.Audit.FlushInterval, time.Second)),
		service.WithSendTimeout(parseDurationOr(cfg.Audit.SendTimeout, 100*time.Millisecond)),
	)
	recorder.Start(ctx)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		recorder.Stop(flushCtx)
		cancel()
	}()

	evaluator, err := service.NewEvaluator(ctx, policyStore, logger,
		service.WithFailOpen(cfg.Policy.FailOpen))
	if err != nil {
		exitCode = exitStoreUnreached
		return fmt.Errorf("compiling policy tables: %w", err)
	}

	policyAdmin := service.NewPolicyAdmin(policyStore, evaluator, logger)
	if cfg.Policy.SeedFile != "" {
		if err := policyAdmin.SeedFromFile(ctx, cfg.Policy.SeedFile); err != nil {
			exitCode = exitConfigError
			return fmt.Errorf("seeding policies: %w", err)
		}
	}

	registry, err := service.NewRegistry(ctx, serverStore, cfg.Server.ExternalHost, logger)
	if err != nil {
		exitCode = exitStoreUnreached
		return fmt.Errorf("loading server registry: %w", err)
	}

	resolver := credential.NewResolver()
	transport := mcphttp.NewTransport(resolver, cfg.BackendTimeout(), logger,
		mcphttp.WithClientInfo("wardengate", Version))

	supervisor := service.NewSupervisor(registry, proc.New, recorder, logger,
		service.WithBasePort(cfg.Adapter.BasePort),
		service.WithHealthRetries(cfg.Adapter.HealthRetries),
		service.WithAdapterCommand(cfg.Adapter.Command, cfg.Adapter.ArgsTemplate),
	)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		supervisor.Close(stopCtx)
		cancel()
	}()
	supervisor.Resume(ctx)

	limiter := ratelimit.NewLimiter()
	pipeline := service.NewPipeline(registry, evaluator, transport, recorder, limiter, logger,
		service.WithRawParameterAudit(cfg.Audit.RawParameters))

	opts := []httpapi.Option{
		httpapi.WithAddr(cfg.Server.HTTPAddr),
		httpapi.WithOrigins(cfg.CORS.Origins),
		httpapi.WithAdminKeys(auth.NewAdminKeys(cfg.Auth.AdminKeys)),
		httpapi.WithSupervisor(supervisor),
		httpapi.WithRecorder(recorder),
		httpapi.WithEvaluator(evaluator),
		httpapi.WithRateLimiter(limiter),
		httpapi.WithHealthChecker(httpapi.NewHealthChecker(policyStore, evaluator, recorder, Version)),
		httpapi.WithVersion(Version),
		httpapi.WithLogger(logger),
	}
	if cfg.Auth.Enabled {
		verifier, err := oidc.NewVerifier(ctx, oidc.Config{
			JWKSURL:  cfg.Auth.JWKSURL,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		}, logger)
		if err != nil {
			exitCode = exitConfigError
			return fmt.Errorf("configuring token verification: %w", err)
		}
		opts = append(opts, httpapi.WithVerifier(verifier))
	} else {
		logger.Warn("bearer authentication disabled")
	}

	srv := httpapi.NewServer(pipeline, registry, policyAdmin, opts...)

	logger.Info("wardengate starting",
		"version", Version,
		"addr", cfg.Server.HTTPAddr,
		"external_host", cfg.Server.ExternalHost,
		"store", cfg.Store.DSN,
		"auth", cfg.Auth.Enabled,
		"fail_open", cfg.Policy.FailOpen,
		"servers", len(registry.Servers()),
		"groups", len(registry.Groups()),
	)

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// openAuditStore builds the configured audit store: JSONL files under
// audit.path, or stdout when no path is set.
func openAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	if cfg.Audit.Path == "" {
		logger.Debug("audit output: stdout")
		return auditstore.NewStdoutStore(os.Stdout, cfg.Audit.CacheSize), nil
	}
	logger.Debug("audit output: files", "dir", cfg.Audit.Path)
	return auditstore.NewFileStore(auditstore.Config{
		Dir:           cfg.Audit.Path,
		RetentionDays: cfg.Audit.RetentionDays,
		MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
		CacheSize:     cfg.Audit.CacheSize,
	}, logger)
}

// parseLogLevel converts a configured level to slog.Level, defaulting
// to info for unrecognized values (Validate rejects those earlier).
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
