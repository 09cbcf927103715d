// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with request_id fields.
type LoggerKey struct{}

// TraceIDKey is the context key type for the per-request trace identifier.
// The trace ID is minted at ingress, stamped on audit records, and echoed
// back to clients in the X-Trace-Id response header.
type TraceIDKey struct{}

// ClientIPKey is the context key type for the caller's remote IP.
// Middleware resolves it from the connection (or a trusted forwarding
// header) so policy conditions can match on request.ip.
type ClientIPKey struct{}
