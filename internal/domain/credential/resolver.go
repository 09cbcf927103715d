// Package credential resolves backend credentials at invocation time and
// renders them for request injection or masked display. Resolved secret
// material is never cached and never leaves the request scope.
package credential

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/wardengate/wardengate/internal/domain/server"
)

// envScheme prefixes references read from the process environment.
const envScheme = "env://"

// ErrUnresolvable is returned when an auth block has no usable material.
var ErrUnresolvable = errors.New("credential cannot be resolved")

// Resolver reads credential references. Environment lookups happen on
// every call so rotated values take effect immediately.
type Resolver struct {
	lookupEnv func(string) (string, bool)
}

// NewResolver builds a resolver over the process environment.
func NewResolver() *Resolver {
	return &Resolver{lookupEnv: os.LookupEnv}
}

// NewResolverWithLookup injects the environment lookup, for tests.
func NewResolverWithLookup(lookup func(string) (string, bool)) *Resolver {
	return &Resolver{lookupEnv: lookup}
}

// Resolve returns the raw secret for an auth block. Method none resolves
// to the empty string with no error.
func (r *Resolver) Resolve(a *server.AuthConfig) (string, error) {
	if a == nil || a.Method == server.AuthNone {
		return "", nil
	}
	if a.Credential != "" {
		return a.Credential, nil
	}
	if strings.HasPrefix(a.CredentialRef, envScheme) {
		name := strings.TrimPrefix(a.CredentialRef, envScheme)
		v, ok := r.lookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("%w: environment variable %s is not set", ErrUnresolvable, name)
		}
		return v, nil
	}
	if a.CredentialRef != "" {
		return "", fmt.Errorf("%w: unsupported reference %q", ErrUnresolvable, a.CredentialRef)
	}
	return "", fmt.Errorf("%w: no credential material configured", ErrUnresolvable)
}

// maskRun is the fixed bullet run in masked credentials.
const maskRun = "••••••••"

// Mask renders a secret for display: the first and last four characters
// around a fixed bullet run. Secrets of eight characters or fewer mask
// entirely so short keys reveal nothing.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return maskRun
	}
	return secret[:4] + maskRun + secret[len(secret)-4:]
}

// Injection is a rendered credential ready to attach to an outbound
// request.
type Injection struct {
	Location server.CredentialLocation
	Name     string
	Value    string
}

// Render applies format rules and per-method defaults: bearer and oauth2
// default to "Bearer " in the Authorization header, api_key to X-API-Key,
// basic to a base64 Authorization value. Custom auth must name its target
// explicitly.
func Render(a *server.AuthConfig, secret string) (Injection, error) {
	if a == nil || a.Method == server.AuthNone || secret == "" {
		return Injection{}, nil
	}
	inj := Injection{Location: a.Location, Name: a.Name}
	if inj.Location == "" {
		inj.Location = server.LocationHeader
	}
	if inj.Name == "" {
		switch a.Method {
		case server.AuthBearer, server.AuthOAuth2, server.AuthBasic:
			inj.Name = "Authorization"
		case server.AuthAPIKey:
			inj.Name = "X-API-Key"
		default:
			return Injection{}, fmt.Errorf("auth method %s requires an explicit header or query name", a.Method)
		}
	}
	switch a.Format {
	case server.FormatTemplate:
		inj.Value = strings.ReplaceAll(a.Template, server.TemplatePlaceholder, secret)
	case server.FormatPrefix:
		inj.Value = a.Prefix + secret
	case server.FormatRaw:
		inj.Value = secret
	default:
		switch a.Method {
		case server.AuthBearer, server.AuthOAuth2:
			inj.Value = "Bearer " + secret
		case server.AuthBasic:
			inj.Value = "Basic " + base64.StdEncoding.EncodeToString([]byte(secret))
		default:
			inj.Value = secret
		}
	}
	return inj, nil
}

// Display is the masked echo of a server's credential configuration,
// safe for API responses.
type Display struct {
	Method string `json:"method"`
	// Source is where the material comes from: env, inline, or none.
	Source string `json:"source"`
	// Ref names the environment variable for env sources; never a value.
	Ref      string `json:"ref,omitempty"`
	Masked   string `json:"masked_credential,omitempty"`
	Location string `json:"location,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Display resolves and masks the configured credential. Unresolvable
// references yield an empty mask, never an error path that could leak.
func (r *Resolver) Display(a *server.AuthConfig) Display {
	if a == nil || a.Method == server.AuthNone {
		return Display{Method: string(server.AuthNone), Source: "none"}
	}
	d := Display{
		Method:   string(a.Method),
		Location: string(a.Location),
		Name:     a.Name,
	}
	switch {
	case a.Credential != "":
		d.Source = "inline"
		d.Masked = Mask(a.Credential)
	case strings.HasPrefix(a.CredentialRef, envScheme):
		d.Source = "env"
		d.Ref = strings.TrimPrefix(a.CredentialRef, envScheme)
		if v, err := r.Resolve(a); err == nil {
			d.Masked = Mask(v)
		}
	default:
		d.Source = "none"
	}
	return d
}
