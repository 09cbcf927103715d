package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for wardengate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("wardengate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: WARDENGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("WARDENGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a wardengate config file
// with an explicit YAML extension (.yaml or .yml). This prevents Viper from
// matching the binary "wardengate" (no extension) in the current directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".wardengate"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\wardengate (typically C:\ProgramData\wardengate)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "wardengate"))
		}
	} else {
		paths = append(paths, "/etc/wardengate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for wardengate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "wardengate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable support.
// This enables overriding nested config values via environment variables.
// Example: WARDENGATE_AUTH_JWKS_URL overrides auth.jwks_url
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.external_host")
	_ = viper.BindEnv("server.log_level")

	// Store config
	_ = viper.BindEnv("store.dsn")

	// Auth config
	_ = viper.BindEnv("auth.enabled")
	_ = viper.BindEnv("auth.jwks_url")
	_ = viper.BindEnv("auth.issuer")
	_ = viper.BindEnv("auth.audience")
	// Note: auth.admin_keys is an array; space-separated values work via
	// Viper's env parsing, but the config file is the recommended path.
	_ = viper.BindEnv("auth.admin_keys")

	// Adapter config
	_ = viper.BindEnv("adapter.base_port")
	_ = viper.BindEnv("adapter.health_retries")
	_ = viper.BindEnv("adapter.command")
	// Note: adapter.args_template is an array, handled by Viper's env parsing

	// Backend config
	_ = viper.BindEnv("backend.timeout")

	// CORS config
	_ = viper.BindEnv("cors.origins")

	// Policy config
	_ = viper.BindEnv("policy.fail_open")
	_ = viper.BindEnv("policy.seed_file")

	// Audit config
	_ = viper.BindEnv("audit.path")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
	_ = viper.BindEnv("audit.send_timeout")
	_ = viper.BindEnv("audit.raw_parameters")
	_ = viper.BindEnv("audit.retention_days")
	_ = viper.BindEnv("audit.max_file_size_mb")
	_ = viper.BindEnv("audit.cache_size")

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	// In dev mode, apply permissive defaults before validation
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
		// This allows running with pure environment variable configuration
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
