package outbound

import (
	"context"

	"github.com/wardengate/wardengate/internal/domain/auth"
)

// TokenVerifier validates a bearer token and returns the caller's
// principal. Verification failures carry fault.KindAuthInvalid;
// key-material unavailability carries fault.KindAuthKeyUnavailable.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Principal, error)
}
