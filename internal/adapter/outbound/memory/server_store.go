package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wardengate/wardengate/internal/domain/server"
)

// ServerStore implements server.Store on maps. Deleting a server
// removes it from every group, matching the SQLite store's transactional
// behaviour.
type ServerStore struct {
	mu      sync.RWMutex
	servers map[string]*server.Descriptor
	groups  map[string]*server.Group
}

// NewServerStore creates an empty in-memory server store.
func NewServerStore() *ServerStore {
	return &ServerStore{
		servers: make(map[string]*server.Descriptor),
		groups:  make(map[string]*server.Group),
	}
}

var _ server.Store = (*ServerStore)(nil)

// ListServers returns every backend, ordered by name.
func (s *ServerStore) ListServers(_ context.Context) ([]*server.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*server.Descriptor, 0, len(s.servers))
	for _, d := range s.servers {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b *server.Descriptor) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// GetServer retrieves a backend by name.
func (s *ServerStore) GetServer(_ context.Context, name string) (*server.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.servers[name]
	if !ok {
		return nil, server.ErrServerNotFound
	}
	return d.Clone(), nil
}

// CreateServer inserts a new backend. CreatedAt and UpdatedAt are
// assigned here and written back into d.
func (s *ServerStore) CreateServer(_ context.Context, d *server.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[d.Name]; ok {
		return server.ErrServerExists
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.servers[d.Name] = d.Clone()
	return nil
}

// UpdateServer replaces a backend, refreshing UpdatedAt. CreatedAt is
// never touched.
func (s *ServerStore) UpdateServer(_ context.Context, d *server.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.servers[d.Name]
	if !ok {
		return server.ErrServerNotFound
	}

	d.UpdatedAt = time.Now().UTC()
	stored := d.Clone()
	stored.CreatedAt = old.CreatedAt
	s.servers[d.Name] = stored
	return nil
}

// DeleteServer removes a backend and its group memberships.
func (s *ServerStore) DeleteServer(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[name]; !ok {
		return server.ErrServerNotFound
	}
	delete(s.servers, name)

	for _, g := range s.groups {
		if i := slices.Index(g.MemberNames, name); i >= 0 {
			g.MemberNames = slices.Delete(g.MemberNames, i, i+1)
			delete(g.ToolConfig, name)
		}
	}
	return nil
}

// ListGroups returns every group with its ordered membership, ordered
// by name.
func (s *ServerStore) ListGroups(_ context.Context) ([]*server.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*server.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	slices.SortFunc(out, func(a, b *server.Group) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// GetGroup retrieves a group by ID.
func (s *ServerStore) GetGroup(_ context.Context, id string) (*server.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, server.ErrGroupNotFound
	}
	return g.Clone(), nil
}

// CreateGroup inserts a new group with its membership.
func (s *ServerStore) CreateGroup(_ context.Context, g *server.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; ok {
		return server.ErrGroupExists
	}

	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	s.groups[g.ID] = g.Clone()
	return nil
}

// UpdateGroup replaces a group, refreshing UpdatedAt.
func (s *ServerStore) UpdateGroup(_ context.Context, g *server.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.groups[g.ID]
	if !ok {
		return server.ErrGroupNotFound
	}

	g.UpdatedAt = time.Now().UTC()
	stored := g.Clone()
	stored.CreatedAt = old.CreatedAt
	s.groups[g.ID] = stored
	return nil
}

// DeleteGroup removes a group.
func (s *ServerStore) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[id]; !ok {
		return server.ErrGroupNotFound
	}
	delete(s.groups, id)
	return nil
}
