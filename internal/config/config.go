// Package config provides configuration types for WardenGate.
//
// Configuration is file-based (wardengate.yaml) with full environment
// variable override support (WARDENGATE_ prefix). The schema covers the
// gateway listener, the SQLite policy store, OIDC authentication, the
// stdio adapter supervisor, backend defaults, CORS, policy evaluation
// behaviour, and the audit sink.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for WardenGate.
type Config struct {
	// Server configures the HTTP listener and external identity.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures the durable policy/server store.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Auth configures bearer-token authentication and admin API keys.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Adapter configures the stdio→HTTP adapter supervisor.
	Adapter AdapterConfig `yaml:"adapter" mapstructure:"adapter"`

	// Backend configures defaults applied to outbound MCP calls.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// CORS restricts cross-origin access to the configured origin list.
	CORS CORSConfig `yaml:"cors" mapstructure:"cors"`

	// Policy configures evaluator behaviour and optional seeding.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Audit configures the append-only audit sink.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// DevMode enables development conveniences (debug logging, optional
	// auth when no JWKS URL is configured). Never enable in production.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// TLS is out of scope; terminate it at a reverse proxy in front.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// ExternalHost is the base URL clients use to reach this gateway.
	// Used to build externally visible group gateway paths.
	// Defaults to "http://localhost:8080".
	ExternalHost string `yaml:"external_host" mapstructure:"external_host" validate:"omitempty,url"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// StoreConfig configures the durable store for policies, servers, and groups.
type StoreConfig struct {
	// DSN is the SQLite data source name. A plain path ("wardengate.db"),
	// a file: URI, or ":memory:" for ephemeral deployments.
	// Defaults to "wardengate.db".
	DSN string `yaml:"dsn" mapstructure:"dsn" validate:"omitempty,store_dsn"`
}

// AuthConfig configures caller authentication.
//
// Bearer tokens are validated against the configured JWKS endpoint with
// issuer and audience checks. Admin routes additionally accept X-API-Key
// values matching one of the configured hashes.
type AuthConfig struct {
	// Enabled controls whether bearer authentication is enforced.
	// Defaults to true. May only be disabled in dev mode.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// JWKSURL is the JWKS endpoint of the identity provider.
	// Required when auth is enabled.
	JWKSURL string `yaml:"jwks_url" mapstructure:"jwks_url" validate:"omitempty,url"`

	// Issuer is the expected `iss` claim. Empty skips the check.
	Issuer string `yaml:"issuer" mapstructure:"issuer" validate:"omitempty,url"`

	// Audience is the expected `aud` claim. Empty skips the check.
	Audience string `yaml:"audience" mapstructure:"audience"`

	// AdminKeys are hashes of accepted X-API-Key values, either argon2id
	// ("$argon2id$...") or "sha256:<hex>". Generate with `wardengate hash-key`.
	AdminKeys []string `yaml:"admin_keys" mapstructure:"admin_keys" validate:"omitempty,dive,key_hash"`
}

// AdapterConfig configures the stdio→HTTP adapter supervisor.
type AdapterConfig struct {
	// BasePort is the lower bound of the port window used for adapter
	// children. Each server gets a deterministic offset within a
	// 1000-port window above this base. Defaults to 9100.
	BasePort int `yaml:"base_port" mapstructure:"base_port" validate:"omitempty,min=1024,max=64000"`

	// HealthRetries is how many times the supervisor probes a starting
	// adapter's /ping endpoint before giving up. Defaults to 20.
	HealthRetries int `yaml:"health_retries" mapstructure:"health_retries" validate:"omitempty,min=1,max=120"`

	// Command is the adapter wrapper executable that exposes a stdio MCP
	// server over HTTP. Defaults to "mcp-proxy".
	Command string `yaml:"command" mapstructure:"command"`

	// ArgsTemplate is the argv template for the wrapper. Placeholders:
	// {port} (allocated port), {command} (the stdio server executable),
	// {args} (expands in place to the stdio server's arguments).
	// Defaults to ["--port", "{port}", "--", "{command}", "{args}"].
	ArgsTemplate []string `yaml:"args_template" mapstructure:"args_template"`
}

// BackendConfig configures defaults for outbound MCP calls.
type BackendConfig struct {
	// Timeout is the default per-call timeout for backends that do not
	// declare their own (e.g., "30s"). Defaults to "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// CORSConfig restricts cross-origin access.
type CORSConfig struct {
	// Origins is the allowed origin list. Empty means same-origin only.
	// "*" allows any origin (dev only).
	Origins []string `yaml:"origins" mapstructure:"origins" validate:"omitempty,dive,cors_origin"`
}

// PolicyConfig configures policy evaluation behaviour.
type PolicyConfig struct {
	// FailOpen inverts the no-match default from deny to allow.
	// Defaults to false (fail closed). Leave it false.
	FailOpen bool `yaml:"fail_open" mapstructure:"fail_open"`

	// SeedFile is an optional YAML policy document loaded at boot when
	// the store contains no policies.
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`
}

// AuditConfig configures the append-only audit sink.
type AuditConfig struct {
	// Path is the directory where JSONL audit files are written.
	// Empty writes records to stdout instead of files.
	Path string `yaml:"path" mapstructure:"path"`

	// ChannelSize is the buffer size for the async audit channel.
	// Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records batched per write.
	// Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records are flushed (e.g., "1s").
	// Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long a producer blocks when the channel is full
	// before dropping the record. Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// RawParameters opts into recording raw tool parameters instead of
	// only their hash. Off by default; secrets hygiene first.
	RawParameters bool `yaml:"raw_parameters" mapstructure:"raw_parameters"`

	// RetentionDays is how many days of audit files to keep. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB is the per-file size limit before rotation. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// CacheSize is the number of recent records kept in memory for the
	// recent-audit API. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// BackendTimeout returns the parsed backend timeout, falling back to 30s
// on an unparsable value (Validate rejects those earlier).
func (c *Config) BackendTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only.
	// Network deployments must explicitly set http_addr: "0.0.0.0:8080".
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.ExternalHost == "" {
		c.Server.ExternalHost = "http://localhost:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// Store defaults
	if c.Store.DSN == "" {
		c.Store.DSN = "wardengate.db"
	}

	// Auth defaults — enforced unless the user explicitly disables it.
	// viper.IsSet distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("auth.enabled") {
		c.Auth.Enabled = true
	}

	// Adapter defaults
	if c.Adapter.BasePort == 0 {
		c.Adapter.BasePort = 9100
	}
	if c.Adapter.HealthRetries == 0 {
		c.Adapter.HealthRetries = 20
	}
	if c.Adapter.Command == "" {
		c.Adapter.Command = "mcp-proxy"
	}
	if len(c.Adapter.ArgsTemplate) == 0 {
		c.Adapter.ArgsTemplate = []string{"--port", "{port}", "--", "{command}", "{args}"}
	}

	// Backend defaults
	if c.Backend.Timeout == "" {
		c.Backend.Timeout = "30s"
	}

	// Audit defaults
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.CacheSize == 0 {
		c.Audit.CacheSize = 1000
	}
}

// SetDevDefaults applies permissive defaults for development mode.
// These are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// Without an identity provider there is nothing to validate tokens
	// against; dev mode runs unauthenticated rather than failing boot.
	if c.Auth.JWKSURL == "" {
		c.Auth.Enabled = false
	}

	// Dev UIs run on odd ports; allow any origin.
	if len(c.CORS.Origins) == 0 {
		c.CORS.Origins = []string{"*"}
	}
}
