// Package server contains domain types for registered MCP backends and
// the groups that aggregate them.
package server

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Transport identifies how the gateway reaches a backend.
type Transport string

const (
	// TransportHTTP is a plain HTTP MCP endpoint.
	TransportHTTP Transport = "http"
	// TransportSSE is an HTTP endpoint that streams server-sent events.
	TransportSSE Transport = "sse"
	// TransportStdio is a local child process; unusable by the pipeline
	// until the adapter supervisor converts it to HTTP.
	TransportStdio Transport = "stdio"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportHTTP, TransportSSE, TransportStdio:
		return true
	}
	return false
}

// IsHTTP reports whether the transport is reachable over HTTP.
func (t Transport) IsHTTP() bool {
	return t == TransportHTTP || t == TransportSSE
}

// AuthMethod is how the gateway authenticates to a backend.
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthBearer AuthMethod = "bearer"
	AuthAPIKey AuthMethod = "api_key"
	AuthBasic  AuthMethod = "basic"
	AuthOAuth2 AuthMethod = "oauth2"
	AuthCustom AuthMethod = "custom"
)

// Valid reports whether m is a known auth method.
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthNone, AuthBearer, AuthAPIKey, AuthBasic, AuthOAuth2, AuthCustom:
		return true
	}
	return false
}

// CredentialLocation is where the credential is injected.
type CredentialLocation string

const (
	LocationHeader CredentialLocation = "header"
	LocationQuery  CredentialLocation = "query"
)

// CredentialFormat is how the credential value is rendered.
type CredentialFormat string

const (
	// FormatRaw passes the credential verbatim.
	FormatRaw CredentialFormat = "raw"
	// FormatPrefix prepends Prefix to the credential.
	FormatPrefix CredentialFormat = "prefix"
	// FormatTemplate substitutes {credential} into Template.
	FormatTemplate CredentialFormat = "template"
)

// TemplatePlaceholder is the substitution point in template-format
// credentials.
const TemplatePlaceholder = "{credential}"

// AuthConfig describes how to authenticate to one backend. Inline
// credentials never serialize; display paths go through the credential
// resolver's masking.
type AuthConfig struct {
	Method   AuthMethod         `json:"method"`
	Location CredentialLocation `json:"location,omitempty"`
	// Name is the header or query parameter the credential goes into.
	Name   string           `json:"name,omitempty"`
	Format CredentialFormat `json:"format,omitempty"`
	Prefix string           `json:"prefix,omitempty"`
	// Template must contain TemplatePlaceholder when Format is template.
	Template string `json:"template,omitempty"`
	// CredentialRef points at external material, e.g. env://SLACK_TOKEN.
	CredentialRef string `json:"credential_ref,omitempty"`
	// Credential is inline secret material. Excluded from JSON so a
	// marshaled descriptor can never leak it.
	Credential string `json:"-"`
}

// Validate checks the auth block.
func (a *AuthConfig) Validate() error {
	if a == nil {
		return nil
	}
	if !a.Method.Valid() {
		return fmt.Errorf("auth method must be one of none, bearer, api_key, basic, oauth2, custom")
	}
	if a.Method == AuthNone {
		if a.CredentialRef != "" || a.Credential != "" {
			return fmt.Errorf("auth method none cannot carry a credential")
		}
		return nil
	}
	if a.CredentialRef != "" && a.Credential != "" {
		return fmt.Errorf("credential_ref and inline credential are mutually exclusive")
	}
	if a.CredentialRef == "" && a.Credential == "" {
		return fmt.Errorf("auth method %s requires credential_ref or credential", a.Method)
	}
	switch a.Location {
	case "", LocationHeader, LocationQuery:
	default:
		return fmt.Errorf("auth location must be header or query")
	}
	switch a.Format {
	case "", FormatRaw, FormatPrefix:
	case FormatTemplate:
		if !strings.Contains(a.Template, TemplatePlaceholder) {
			return fmt.Errorf("template format requires %s in template", TemplatePlaceholder)
		}
	default:
		return fmt.Errorf("auth format must be raw, prefix, or template")
	}
	return nil
}

// Clone deep-copies the auth block.
func (a *AuthConfig) Clone() *AuthConfig {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

// Metadata keys stamped by the adapter supervisor when a stdio server is
// converted to HTTP.
const (
	MetaConvertedFromStdio = "converted_from_stdio"
	MetaStdioCommand       = "stdio_command"
	MetaStdioArgs          = "stdio_args"
	MetaStdioEnv           = "stdio_env"
	MetaStdioProxyPort     = "stdio_proxy_port"
)

// namePattern: lowercase DNS-label style names, as they appear in URLs.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// nameMaxLength bounds server names.
const nameMaxLength = 64

// StdioURL is the synthetic URL recorded for unconverted stdio servers.
func StdioURL(name string) string {
	return "stdio://" + name
}

// Descriptor is one registered MCP backend.
type Descriptor struct {
	// Name is the unique handle, usable in URL paths.
	Name string `json:"name"`
	// URL is the transport endpoint; stdio servers carry stdio://name
	// until converted.
	URL         string    `json:"url"`
	Transport   Transport `json:"transport"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	// TimeoutSeconds overrides the deployment's default backend timeout.
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
	Auth           *AuthConfig `json:"auth,omitempty"`
	// Command/Args/Env describe how to launch a stdio server; consumed by
	// the adapter supervisor on convert.
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the descriptor's configuration.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(d.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("name must match %s", namePattern.String())
	}
	switch d.Transport {
	case TransportHTTP, TransportSSE:
		if d.URL == "" {
			return fmt.Errorf("url is required for %s transport", d.Transport)
		}
		parsed, err := url.Parse(d.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL")
		}
	case TransportStdio:
		if d.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	default:
		return fmt.Errorf("transport must be one of http, sse, stdio")
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds cannot be negative")
	}
	if err := d.Auth.Validate(); err != nil {
		return err
	}
	return nil
}

// EffectiveTimeout resolves the per-backend timeout against the
// deployment default.
func (d *Descriptor) EffectiveTimeout(def time.Duration) time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return def
}

// AuthMethodName reports the auth method for evaluation contexts and
// display, defaulting to none.
func (d *Descriptor) AuthMethodName() string {
	if d.Auth == nil {
		return string(AuthNone)
	}
	return string(d.Auth.Method)
}

// Clone deep-copies the descriptor so registry snapshots never alias
// store-owned data.
func (d *Descriptor) Clone() *Descriptor {
	out := *d
	out.Tags = slices.Clone(d.Tags)
	out.Args = slices.Clone(d.Args)
	out.Auth = d.Auth.Clone()
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
