package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wardengate/wardengate/internal/ctxkey"
	"github.com/wardengate/wardengate/internal/domain/audit"
	"github.com/wardengate/wardengate/internal/domain/auth"
	"github.com/wardengate/wardengate/internal/domain/fault"
)

// TraceMiddleware accepts or mints the per-request trace ID, enriches
// the logger with it, and echoes it back in the X-Trace-Id header so
// clients can correlate their calls with audit records.
func TraceMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-Id")
			if traceID == "" {
				traceID = uuid.New().String()
			}

			enriched := logger.With("trace_id", traceID)

			ctx := context.WithValue(r.Context(), ctxkey.TraceIDKey{}, traceID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Trace-Id", traceID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the trace-enriched logger, falling back to
// slog.Default on paths that bypass the middleware.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware resolves the caller's IP for policy conditions and
// rate-limit keys. Only the first X-Forwarded-For entry is trusted.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxkey.ClientIPKey{}, realIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CORSMiddleware restricts cross-origin browser access to the configured
// origin list. Requests without an Origin header pass through untouched;
// an empty list means same-origin only and "*" allows any origin.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	allowAny := false
	for _, o := range origins {
		if o == "*" {
			allowAny = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := allowed[origin]; !ok && !allowAny {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Trace-Id")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth guards the API routes. X-API-Key grants admin trust when
// it matches a configured hash; otherwise a bearer token must verify
// against the JWKS. With no verifier configured (dev mode) requests
// pass through unauthenticated.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			if s.adminKeys != nil && s.adminKeys.Verify(key) {
				p := auth.Principal{Subject: "api-key", Roles: []string{"admin"}}
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
				return
			}
			s.rejectAuth(w, r, fault.New(fault.KindAuthInvalid, "invalid api key"))
			return
		}

		token, ok := bearerToken(r)
		if s.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			s.rejectAuth(w, r, fault.New(fault.KindAuthInvalid, "missing bearer token"))
			return
		}

		principal, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.rejectAuth(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// rejectAuth answers an authentication failure and leaves an
// auth_rejected audit record.
func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	if s.recorder != nil {
		traceID, _ := r.Context().Value(ctxkey.TraceIDKey{}).(string)
		s.recorder.Record(audit.Record{
			Timestamp:      time.Now().UTC(),
			TraceID:        traceID,
			EventType:      audit.EventAuthRejected,
			ResponseStatus: fault.HTTPStatus(fault.KindOf(err)),
			Error:          fault.MessageOf(err),
		})
	}
	s.respondFault(w, err)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
