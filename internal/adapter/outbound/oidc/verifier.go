// Package oidc validates bearer tokens against an identity provider's
// JWKS endpoint.
//
// Keys are cached in memory and refreshed in the background by the
// httprc client, so verification never blocks on the IdP once the key
// set is warm; a cache miss triggers at most one in-flight fetch.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/wardengate/wardengate/internal/domain/auth"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/port/outbound"
)

// Sentinel causes carried inside auth_invalid faults.
var (
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
)

// registerTimeout bounds the first JWKS registration fetch.
const registerTimeout = 5 * time.Second

// Config holds the verifier settings.
type Config struct {
	// JWKSURL is the identity provider's JWKS endpoint.
	JWKSURL string

	// Issuer, when non-empty, must equal the token's iss claim.
	Issuer string

	// Audience, when non-empty, must appear in the token's aud claim.
	Audience string

	// HTTPClient overrides the client used for JWKS fetches.
	HTTPClient *http.Client
}

// Verifier validates JWT bearer tokens using a cached JWKS.
type Verifier struct {
	jwksURL  string
	issuer   string
	audience string
	cache    *jwk.Cache
	logger   *slog.Logger

	// JWKS registration is lazy so a slow IdP cannot block boot, and
	// retried on failure so a transient outage does not brick auth.
	regMu      sync.Mutex
	registered bool
}

// NewVerifier creates a Verifier. ctx owns the cache's background
// refresh; cancel it on shutdown.
func NewVerifier(ctx context.Context, cfg Config, logger *slog.Logger) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	client := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("create jwks cache: %w", err)
	}

	return &Verifier{
		jwksURL:  cfg.JWKSURL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		cache:    cache,
		logger:   logger,
	}, nil
}

// Verify checks the token's signature against the JWKS and validates
// issuer, audience, and expiry. The returned principal is built from
// the verified claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (auth.Principal, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return v.keyFor(ctx, t)
	})
	if err != nil {
		// Key-material unavailability surfaces as 503, not 401; the
		// caller's token may be perfectly fine.
		var f *fault.Fault
		if errors.As(err, &f) && f.Kind == fault.KindAuthKeyUnavailable {
			return auth.Principal{}, f
		}
		return auth.Principal{}, fault.Wrap(fault.KindAuthInvalid, "invalid or expired token", err)
	}
	if !token.Valid {
		return auth.Principal{}, fault.New(fault.KindAuthInvalid, "invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return auth.Principal{}, fault.New(fault.KindAuthInvalid, "invalid or expired token")
	}
	if err := v.validateClaims(claims); err != nil {
		return auth.Principal{}, fault.Wrap(fault.KindAuthInvalid, "invalid or expired token", err)
	}

	return auth.FromClaims(claims), nil
}

// ensureRegistered registers the JWKS URL with the cache on first use.
// Registration performs the initial fetch, so it runs under its own
// timeout and is retried on the next request if it fails.
func (v *Verifier) ensureRegistered(ctx context.Context) error {
	v.regMu.Lock()
	defer v.regMu.Unlock()

	if v.registered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	if err := v.cache.Register(regCtx, v.jwksURL); err != nil {
		return fmt.Errorf("register jwks url: %w", err)
	}
	v.registered = true
	v.logger.Debug("jwks registered", "url", v.jwksURL)
	return nil
}

// keyFor resolves the verification key for one token via the JWKS cache.
func (v *Verifier) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, fault.Wrap(fault.KindAuthKeyUnavailable, "authentication temporarily unavailable", err)
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuthKeyUnavailable, "authentication temporarily unavailable", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key id %q not found in jwks", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("export verification key: %w", err)
	}
	return rawKey, nil
}

// validateClaims checks issuer, audience, and expiry beyond what the
// JWT library enforces by default (expiry is required here, not merely
// validated when present).
func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIssuer, err)
		}
		if strings.TrimSpace(iss) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// JWKSURL returns the configured JWKS endpoint.
func (v *Verifier) JWKSURL() string {
	return v.jwksURL
}

// Compile-time interface verification.
var _ outbound.TokenVerifier = (*Verifier)(nil)
