package auth

import "context"

type principalKey struct{}

// WithPrincipal stores the authenticated principal in the context so the
// pipeline and handlers downstream of the auth middleware can read it.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext retrieves the authenticated principal. The second
// result is false on unauthenticated paths.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
