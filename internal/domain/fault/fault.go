// Package fault defines the gateway's error taxonomy.
//
// Every failure that can cross a component boundary is classified by Kind.
// The HTTP layer maps kinds to status codes; everything below it works with
// wrapped errors and errors.As.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// KindAuthInvalid covers missing, malformed, expired, or mis-audienced tokens.
	KindAuthInvalid Kind = "auth_invalid"
	// KindAuthKeyUnavailable means the JWKS fetch failed and no cached key applies.
	KindAuthKeyUnavailable Kind = "auth_key_unavailable"
	// KindResourceNotFound covers unknown or disabled servers, groups, and tools.
	KindResourceNotFound Kind = "resource_not_found"
	// KindPolicyDenied is a deny decision from the evaluator.
	KindPolicyDenied Kind = "policy_denied"
	// KindPolicyInvalid is a policy that failed compile-time validation.
	KindPolicyInvalid Kind = "policy_invalid"
	// KindValidation is a malformed server, group, or request body.
	KindValidation Kind = "validation_failed"
	// KindBackendUnreachable is a transport error talking to a backend server.
	KindBackendUnreachable Kind = "backend_unreachable"
	// KindBackendTimeout is a downstream deadline exceeded.
	KindBackendTimeout Kind = "backend_timeout"
	// KindAdapterStartTimeout means a stdio adapter never became healthy.
	KindAdapterStartTimeout Kind = "adapter_start_timeout"
	// KindAdapterCrashed means a running adapter process exited unexpectedly.
	KindAdapterCrashed Kind = "adapter_crashed"
	// KindObligationUnmet means the deployment cannot honor a required obligation.
	KindObligationUnmet Kind = "obligation_unmet"
	// KindEvaluatorError is a non-fatal evaluator failure; never surfaced to clients.
	KindEvaluatorError Kind = "evaluator_error"
	// KindStoreError is a repository read/write failure.
	KindStoreError Kind = "store_error"
	// KindConfigInvalid is a malformed configuration or seed file,
	// detected at boot and mapped to the configuration exit code.
	KindConfigInvalid Kind = "config_invalid"
)

// Fault is an error carrying a taxonomy Kind. Message is safe to show to
// callers; Err holds the internal cause and is never serialized.
type Fault struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault with a caller-visible message.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Newf builds a Fault with a formatted caller-visible message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an internal cause.
func Wrap(kind Kind, message string, err error) *Fault {
	return &Fault{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report an empty Kind.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the caller-visible message for an error chain, or a
// generic fallback for unclassified errors.
func MessageOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Message
	}
	return "internal error"
}

// HTTPStatus maps a kind to the externally visible status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindAuthKeyUnavailable:
		return http.StatusServiceUnavailable
	case KindResourceNotFound:
		return http.StatusNotFound
	case KindPolicyDenied:
		return http.StatusForbidden
	case KindPolicyInvalid, KindValidation:
		return http.StatusBadRequest
	case KindBackendUnreachable:
		return http.StatusBadGateway
	case KindBackendTimeout:
		return http.StatusGatewayTimeout
	case KindAdapterStartTimeout, KindAdapterCrashed:
		return http.StatusBadGateway
	case KindObligationUnmet:
		return http.StatusServiceUnavailable
	case KindStoreError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
