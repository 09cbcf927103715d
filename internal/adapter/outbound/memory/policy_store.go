// Package memory provides map-backed implementations of the persistence
// ports. They mirror the SQLite stores' semantics (version bumps,
// sentinel errors, child ordering) and back tests and ephemeral
// deployments where durability is not wanted.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wardengate/wardengate/internal/domain/policy"
)

// PolicyStore implements policy.Store on maps. All returned policies
// are deep copies; callers never alias store-owned data.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*policy.Policy
}

// NewPolicyStore creates an empty in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[string]*policy.Policy)}
}

var _ policy.Store = (*PolicyStore)(nil)

// List returns policies matching the filter, priority descending,
// policy ID ascending.
func (s *PolicyStore) List(_ context.Context, f policy.Filter) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*policy.Policy
	for _, p := range s.policies {
		if !matchesFilter(p, f) {
			continue
		}
		out = append(out, p.Clone())
	}
	policy.SortPolicies(out)
	return out, nil
}

func matchesFilter(p *policy.Policy, f policy.Filter) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.PriorityMin != nil && p.Priority < *f.PriorityMin {
		return false
	}
	if f.PriorityMax != nil && p.Priority > *f.PriorityMax {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(p.Name), q) &&
			!strings.Contains(strings.ToLower(p.Description), q) &&
			!strings.Contains(strings.ToLower(p.PolicyCode), q) {
			return false
		}
	}
	if f.ResourceType != "" || f.ResourceID != "" {
		found := false
		for _, b := range p.Resources {
			if f.ResourceType != "" && b.ResourceType != f.ResourceType {
				continue
			}
			if f.ResourceID != "" && b.ResourceID != f.ResourceID {
				continue
			}
			found = true
			break
		}
		if !found {
			return false
		}
	}
	return true
}

// Get retrieves a single policy.
func (s *PolicyStore) Get(_ context.Context, id string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return p.Clone(), nil
}

// Create inserts a new policy. Version, CreatedAt, and UpdatedAt are
// assigned here and written back into p.
func (s *PolicyStore) Create(_ context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.PolicyCode != "" {
		if err := s.codeFreeLocked(p.PolicyCode, p.PolicyID); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}

	stored := p.Clone()
	normalizeChildren(stored)
	s.policies[p.PolicyID] = stored
	return nil
}

// Update replaces the stored policy, bumping Version and refreshing
// UpdatedAt. The new values are written back into p.
func (s *PolicyStore) Update(_ context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[p.PolicyID]
	if !ok {
		return policy.ErrNotFound
	}
	if p.PolicyCode != "" {
		if err := s.codeFreeLocked(p.PolicyCode, p.PolicyID); err != nil {
			return err
		}
	}

	p.Version = old.Version + 1
	p.UpdatedAt = time.Now().UTC()

	stored := p.Clone()
	stored.CreatedAt = old.CreatedAt
	normalizeChildren(stored)
	s.policies[p.PolicyID] = stored
	return nil
}

// Delete removes a policy.
func (s *PolicyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return policy.ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

// SetStatus transitions the policy lifecycle state and returns the
// refreshed policy.
func (s *PolicyStore) SetStatus(_ context.Context, id string, status policy.Status) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	p.Status = status
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	return p.Clone(), nil
}

// BindResource attaches a resource binding. Binding an already-bound
// resource is a no-op and does not bump the version.
func (s *PolicyStore) BindResource(_ context.Context, id string, b policy.ResourceBinding) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	if !slices.Contains(p.Resources, b) {
		p.Resources = append(p.Resources, b)
		sortBindings(p.Resources)
		p.Version++
		p.UpdatedAt = time.Now().UTC()
	}
	return p.Clone(), nil
}

// UnbindResource detaches a resource binding. Removing an absent
// binding is a no-op and does not bump the version.
func (s *PolicyStore) UnbindResource(_ context.Context, id string, b policy.ResourceBinding) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	if i := slices.Index(p.Resources, b); i >= 0 {
		p.Resources = slices.Delete(p.Resources, i, i+1)
		p.Version++
		p.UpdatedAt = time.Now().UTC()
	}
	return p.Clone(), nil
}

// ForResource returns policies bound to (rt, rid). includeGlobal adds
// policies with no bindings at all; includeScoped=false drops policies
// that carry principal scopes.
func (s *PolicyStore) ForResource(
	_ context.Context, rt policy.ResourceType, rid string, includeGlobal, includeScoped bool,
) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := policy.ResourceBinding{ResourceType: rt, ResourceID: rid}
	var out []*policy.Policy
	for _, p := range s.policies {
		bound := slices.Contains(p.Resources, want)
		if !bound && !(includeGlobal && p.IsGlobal()) {
			continue
		}
		if !includeScoped && len(p.Scopes) > 0 {
			continue
		}
		out = append(out, p.Clone())
	}
	policy.SortPolicies(out)
	return out, nil
}

func (s *PolicyStore) codeFreeLocked(code, selfID string) error {
	for id, p := range s.policies {
		if id != selfID && p.PolicyCode == code {
			return policy.ErrCodeExists
		}
	}
	return nil
}

// normalizeChildren orders scopes and bindings the way the SQLite store
// returns them. Rules keep declaration order.
func normalizeChildren(p *policy.Policy) {
	slices.SortFunc(p.Scopes, func(a, b policy.PrincipalScope) int {
		if a.PrincipalType != b.PrincipalType {
			return strings.Compare(string(a.PrincipalType), string(b.PrincipalType))
		}
		return strings.Compare(a.PrincipalID, b.PrincipalID)
	})
	sortBindings(p.Resources)
}

func sortBindings(bs []policy.ResourceBinding) {
	slices.SortFunc(bs, func(a, b policy.ResourceBinding) int {
		if a.ResourceType != b.ResourceType {
			return strings.Compare(string(a.ResourceType), string(b.ResourceType))
		}
		return strings.Compare(a.ResourceID, b.ResourceID)
	})
}
