package policy

import (
	"context"
	"errors"
)

// Sentinel errors for store operations.
var (
	ErrNotFound   = errors.New("policy not found")
	ErrCodeExists = errors.New("policy code already in use")
)

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status       Status
	ResourceType ResourceType
	ResourceID   string
	PriorityMin  *int
	PriorityMax  *int
	// Query is free text matched against name, description, and code.
	Query string
}

// Store is the persistence port for policies and their bindings.
// Mutations are atomic at the level of a single policy and its bindings,
// bump Version, and refresh UpdatedAt. The evaluator is reloaded by the
// admin service after every successful mutation.
type Store interface {
	List(ctx context.Context, f Filter) ([]*Policy, error)
	Get(ctx context.Context, id string) (*Policy, error)
	Create(ctx context.Context, p *Policy) error
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status Status) (*Policy, error)
	BindResource(ctx context.Context, id string, b ResourceBinding) (*Policy, error)
	UnbindResource(ctx context.Context, id string, b ResourceBinding) (*Policy, error)
	// ForResource returns policies bound to the given resource, optionally
	// including global policies and policies that carry principal scopes.
	ForResource(ctx context.Context, rt ResourceType, rid string, includeGlobal, includeScoped bool) ([]*Policy, error)
}
