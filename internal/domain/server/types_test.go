package server

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validHTTP() *Descriptor {
	return &Descriptor{
		Name:      "slack",
		URL:       "https://mcp.example.com/slack",
		Transport: TransportHTTP,
		Enabled:   true,
	}
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Descriptor)
		wantErr string
	}{
		{"valid http", func(d *Descriptor) {}, ""},
		{"missing name", func(d *Descriptor) { d.Name = "" }, "name is required"},
		{"uppercase name", func(d *Descriptor) { d.Name = "Slack" }, "name must match"},
		{"leading hyphen", func(d *Descriptor) { d.Name = "-slack" }, "name must match"},
		{"name too long", func(d *Descriptor) { d.Name = strings.Repeat("a", 65) }, "64 characters"},
		{"http without url", func(d *Descriptor) { d.URL = "" }, "url is required"},
		{"bad url", func(d *Descriptor) { d.URL = "not a url" }, "not a valid URL"},
		{"unknown transport", func(d *Descriptor) { d.Transport = "grpc" }, "transport must be"},
		{"negative timeout", func(d *Descriptor) { d.TimeoutSeconds = -1 }, "cannot be negative"},
		{
			"stdio without command",
			func(d *Descriptor) { d.Transport = TransportStdio; d.URL = ""; d.Command = "" },
			"command is required",
		},
		{
			"stdio with command ok",
			func(d *Descriptor) {
				d.Transport = TransportStdio
				d.URL = StdioURL("slack")
				d.Command = "npx"
			},
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validHTTP()
			tt.mutate(d)
			err := d.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAuthConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		auth    *AuthConfig
		wantErr string
	}{
		{"nil auth", nil, ""},
		{"none method", &AuthConfig{Method: AuthNone}, ""},
		{
			"none with credential",
			&AuthConfig{Method: AuthNone, Credential: "x"},
			"cannot carry a credential",
		},
		{
			"bearer ref",
			&AuthConfig{Method: AuthBearer, CredentialRef: "env://TOKEN"},
			"",
		},
		{
			"bearer without material",
			&AuthConfig{Method: AuthBearer},
			"requires credential_ref or credential",
		},
		{
			"both ref and inline",
			&AuthConfig{Method: AuthBearer, CredentialRef: "env://A", Credential: "b"},
			"mutually exclusive",
		},
		{
			"bad location",
			&AuthConfig{Method: AuthAPIKey, Credential: "k", Location: "body"},
			"header or query",
		},
		{
			"template without placeholder",
			&AuthConfig{Method: AuthCustom, Credential: "k", Format: FormatTemplate, Template: "Token abc"},
			"requires {credential}",
		},
		{
			"template ok",
			&AuthConfig{Method: AuthCustom, Credential: "k", Format: FormatTemplate, Template: "Token {credential}"},
			"",
		},
		{"unknown method", &AuthConfig{Method: "mtls"}, "method must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.auth.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestInlineCredentialNeverMarshals(t *testing.T) {
	d := validHTTP()
	d.Auth = &AuthConfig{Method: AuthBearer, Credential: "super-secret-token-value"}

	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "super-secret") {
		t.Fatalf("marshaled descriptor leaks inline credential: %s", raw)
	}
}

func TestEffectiveTimeout(t *testing.T) {
	d := validHTTP()
	if got := d.EffectiveTimeout(30 * time.Second); got != 30*time.Second {
		t.Errorf("default timeout = %v", got)
	}
	d.TimeoutSeconds = 5
	if got := d.EffectiveTimeout(30 * time.Second); got != 5*time.Second {
		t.Errorf("override timeout = %v", got)
	}
}

func TestDescriptorClone(t *testing.T) {
	d := validHTTP()
	d.Tags = []string{"chat"}
	d.Env = map[string]string{"A": "1"}
	d.Auth = &AuthConfig{Method: AuthBearer, CredentialRef: "env://T"}
	d.Metadata = map[string]any{MetaConvertedFromStdio: true}

	c := d.Clone()
	c.Tags[0] = "mutated"
	c.Env["A"] = "mutated"
	c.Auth.CredentialRef = "mutated"
	c.Metadata[MetaConvertedFromStdio] = false

	if d.Tags[0] != "chat" || d.Env["A"] != "1" || d.Auth.CredentialRef != "env://T" {
		t.Error("Clone shares state with the original")
	}
	if d.Metadata[MetaConvertedFromStdio] != true {
		t.Error("Clone shares metadata with the original")
	}
}

func TestGroupValidate(t *testing.T) {
	g := &Group{
		Name:        "chat-tools",
		MemberNames: []string{"slack", "teams"},
		ToolConfig:  map[string][]string{"slack": {"send_message"}},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("valid group rejected: %v", err)
	}

	bad := g.Clone()
	bad.MemberNames = []string{"slack", "slack"}
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate member") {
		t.Errorf("duplicate member: %v", err)
	}

	bad = g.Clone()
	bad.ToolConfig = map[string][]string{"github": {"*"}}
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "non-member") {
		t.Errorf("non-member tool_config: %v", err)
	}

	bad = g.Clone()
	bad.Name = "Chat Tools"
	if err := bad.Validate(); err == nil {
		t.Error("invalid name accepted")
	}
}

func TestGroupAllowsTool(t *testing.T) {
	g := &Group{
		Name:        "g",
		MemberNames: []string{"a", "b", "c"},
		ToolConfig: map[string][]string{
			"a": {"x", "y"},
			"b": {ToolWildcard},
		},
	}
	tests := []struct {
		member, tool string
		want         bool
	}{
		{"a", "x", true},
		{"a", "z", false},
		{"b", "anything", true},
		{"c", "anything", true}, // no entry means all
	}
	for _, tt := range tests {
		if got := g.AllowsTool(tt.member, tt.tool); got != tt.want {
			t.Errorf("AllowsTool(%s, %s) = %v, want %v", tt.member, tt.tool, got, tt.want)
		}
	}
}
