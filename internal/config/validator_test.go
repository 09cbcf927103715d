package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	cfg := &Config{
		Auth: AuthConfig{
			Enabled: true,
			JWKSURL: "https://idp.example.com/realms/dev/protocol/openid-connect/certs",
			Issuer:  "https://idp.example.com/realms/dev",
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_AuthEnabledWithoutJWKS(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.JWKSURL = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "jwks_url") {
		t.Errorf("error = %q, want to mention jwks_url", err.Error())
	}
}

func TestValidate_AuthDisabledOutsideDevMode(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.Enabled = false
	cfg.DevMode = false

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "dev_mode") {
		t.Errorf("error = %q, want to mention dev_mode", err.Error())
	}

	cfg.DevMode = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with dev_mode: %v", err)
	}
}

func TestValidate_StoreDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dsn     string
		wantErr bool
	}{
		{"plain path", "wardengate.db", false},
		{"absolute path", "/var/lib/wardengate/gate.db", false},
		{"memory", ":memory:", false},
		{"file uri", "file:gate.db?_pragma=journal_mode(WAL)", false},
		{"uri scheme", "postgres://host/db", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			cfg.Store.DSN = tt.dsn
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() with dsn %q: err = %v, wantErr %v", tt.dsn, err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CORSOrigins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origins []string
		wantErr bool
	}{
		{"empty", nil, false},
		{"wildcard", []string{"*"}, false},
		{"http origin", []string{"http://localhost:5173"}, false},
		{"https origin", []string{"https://console.example.com"}, false},
		{"with path", []string{"https://console.example.com/app"}, true},
		{"bare host", []string{"console.example.com"}, true},
		{"bad scheme", []string{"ftp://console.example.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			cfg.CORS.Origins = tt.origins
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() with origins %v: err = %v, wantErr %v", tt.origins, err, tt.wantErr)
			}
		})
	}
}

func TestValidate_AdminKeyHashes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"argon2id", "$argon2id$v=19$m=47104,t=1,p=1$abcd$efgh", false},
		{"sha256", "sha256:" + strings.Repeat("ab", 32), false},
		{"sha256 short", "sha256:abcd", true},
		{"sha256 non-hex", "sha256:" + strings.Repeat("zz", 32), true},
		{"raw key", "super-secret-key", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			cfg.Auth.AdminKeys = []string{tt.key}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() with key %q: err = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Durations(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Backend.Timeout = "not-a-duration"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted invalid backend.timeout")
	}

	cfg = minimalValidConfig()
	cfg.Audit.FlushInterval = "-1s"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted negative audit.flush_interval")
	}
}

func TestValidate_AdapterTemplate(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Adapter.ArgsTemplate = []string{"--listen", "{command}"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for template without {port}")
	}
	if !strings.Contains(err.Error(), "{port}") {
		t.Errorf("error = %q, want to mention {port}", err.Error())
	}
}

func TestValidate_AdapterPortBounds(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Adapter.BasePort = 80
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted privileged base_port")
	}
}
