package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/server"
)

// Registry is the gateway's view of configured backends and groups. The
// authoritative copy lives in the store; the registry mirrors it behind
// an RWMutex so the request path never touches the database. Every
// mutation writes through to the store first and updates the mirror
// only on success.
type Registry struct {
	store        server.Store
	logger       *slog.Logger
	externalHost string

	mu      sync.RWMutex
	servers map[string]*server.Descriptor
	groups  map[string]*server.Group
}

// NewRegistry loads the full server and group set from the store. A
// store failure here is fatal; the gateway cannot route without its
// registry.
func NewRegistry(ctx context.Context, store server.Store, externalHost string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:        store,
		logger:       logger,
		externalHost: strings.TrimRight(externalHost, "/"),
		servers:      make(map[string]*server.Descriptor),
		groups:       make(map[string]*server.Group),
	}

	servers, err := store.ListServers(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, "loading server registry", err)
	}
	for _, d := range servers {
		r.servers[d.Name] = d
	}

	groups, err := store.ListGroups(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, "loading group registry", err)
	}
	for _, g := range groups {
		r.groups[g.ID] = g
	}

	logger.Info("server registry loaded",
		"servers", len(r.servers), "groups", len(r.groups))
	return r, nil
}

// Servers returns every backend, ordered by name.
func (r *Registry) Servers() []*server.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*server.Descriptor, 0, len(r.servers))
	for _, d := range r.servers {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b *server.Descriptor) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Server returns one backend by name.
func (r *Registry) Server(name string) (*server.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.servers[name]
	if !ok {
		return nil, fault.Newf(fault.KindResourceNotFound, "server %q not found", name)
	}
	return d.Clone(), nil
}

// ResolveEnabled returns a backend only if it is enabled. The request
// pipeline treats disabled backends the same as unknown ones.
func (r *Registry) ResolveEnabled(name string) (*server.Descriptor, error) {
	d, err := r.Server(name)
	if err != nil {
		return nil, err
	}
	if !d.Enabled {
		return nil, fault.Newf(fault.KindResourceNotFound, "server %q is disabled", name)
	}
	return d, nil
}

// CreateServer registers a new backend. Servers are created disabled
// and enabled explicitly; stdio servers get a synthetic stdio:// URL
// until the supervisor converts them.
func (r *Registry) CreateServer(ctx context.Context, d *server.Descriptor) error {
	if d.Transport == server.TransportStdio {
		d.URL = server.StdioURL(d.Name)
	}
	if err := d.Validate(); err != nil {
		return fault.Newf(fault.KindValidation, "invalid server: %v", err)
	}
	d.Enabled = false

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[d.Name]; ok {
		return fault.Newf(fault.KindValidation, "server %q already exists", d.Name)
	}
	if err := r.store.CreateServer(ctx, d); err != nil {
		if errors.Is(err, server.ErrServerExists) {
			return fault.Newf(fault.KindValidation, "server %q already exists", d.Name)
		}
		return fault.Wrap(fault.KindStoreError, "creating server", err)
	}
	r.servers[d.Name] = d.Clone()

	r.logger.Info("server registered",
		"server", d.Name, "transport", string(d.Transport))
	return nil
}

// UpdateServer replaces a backend's descriptor. Reverting a group
// member to stdio transport is rejected; groups carry HTTP members
// only.
func (r *Registry) UpdateServer(ctx context.Context, d *server.Descriptor) error {
	if d.Transport == server.TransportStdio && !strings.HasPrefix(d.URL, "stdio://") {
		d.URL = server.StdioURL(d.Name)
	}
	if err := d.Validate(); err != nil {
		return fault.Newf(fault.KindValidation, "invalid server: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[d.Name]; !ok {
		return fault.Newf(fault.KindResourceNotFound, "server %q not found", d.Name)
	}
	if !d.Transport.IsHTTP() {
		if holders := r.memberOfLocked(d.Name); len(holders) > 0 {
			return fault.Newf(fault.KindValidation,
				"server %q is a member of groups (%s); group members must stay HTTP",
				d.Name, strings.Join(holders, ", "))
		}
	}
	if err := r.store.UpdateServer(ctx, d); err != nil {
		if errors.Is(err, server.ErrServerNotFound) {
			return fault.Newf(fault.KindResourceNotFound, "server %q not found", d.Name)
		}
		return fault.Wrap(fault.KindStoreError, "updating server", err)
	}
	r.servers[d.Name] = d.Clone()
	return nil
}

// RestoreStdio rewrites a converted backend to its stdio form after its
// adapter stopped or crashed. Unlike UpdateServer it skips the
// group-membership guard: the adapter is gone either way, and holding
// groups degrade to zero tools from that member until it is converted
// again. The server comes back disabled, like a freshly created one.
func (r *Registry) RestoreStdio(ctx context.Context, name string) (*server.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.servers[name]
	if !ok {
		return nil, fault.Newf(fault.KindResourceNotFound, "server %q not found", name)
	}
	d := cur.Clone()
	d.Transport = server.TransportStdio
	d.URL = server.StdioURL(name)
	d.Enabled = false
	for _, k := range []string{
		server.MetaConvertedFromStdio,
		server.MetaStdioCommand,
		server.MetaStdioArgs,
		server.MetaStdioEnv,
		server.MetaStdioProxyPort,
	} {
		delete(d.Metadata, k)
	}
	if len(d.Metadata) == 0 {
		d.Metadata = nil
	}
	if err := r.store.UpdateServer(ctx, d); err != nil {
		return nil, fault.Wrap(fault.KindStoreError, "reverting server", err)
	}
	r.servers[name] = d.Clone()

	r.logger.Info("server reverted to stdio", "server", name)
	return d, nil
}

// DeleteServer removes a backend and its group memberships. The caller
// is responsible for stopping any running adapter first.
func (r *Registry) DeleteServer(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[name]; !ok {
		return fault.Newf(fault.KindResourceNotFound, "server %q not found", name)
	}
	if err := r.store.DeleteServer(ctx, name); err != nil {
		if errors.Is(err, server.ErrServerNotFound) {
			return fault.Newf(fault.KindResourceNotFound, "server %q not found", name)
		}
		return fault.Wrap(fault.KindStoreError, "deleting server", err)
	}
	delete(r.servers, name)
	for _, g := range r.groups {
		if i := slices.Index(g.MemberNames, name); i >= 0 {
			g.MemberNames = slices.Delete(g.MemberNames, i, i+1)
			delete(g.ToolConfig, name)
		}
	}

	r.logger.Info("server removed", "server", name)
	return nil
}

// memberOfLocked lists the groups a server belongs to.
func (r *Registry) memberOfLocked(name string) []string {
	var holders []string
	for _, g := range r.groups {
		if g.HasMember(name) {
			holders = append(holders, g.Name)
		}
	}
	slices.Sort(holders)
	return holders
}

// Groups returns every group, ordered by name.
func (r *Registry) Groups() []*server.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*server.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.Clone())
	}
	slices.SortFunc(out, func(a, b *server.Group) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Group returns one group by ID.
func (r *Registry) Group(id string) (*server.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[id]
	if !ok {
		return nil, fault.Newf(fault.KindResourceNotFound, "group %q not found", id)
	}
	return g.Clone(), nil
}

// ResolveEnabledGroup returns a group only if it is enabled.
func (r *Registry) ResolveEnabledGroup(id string) (*server.Group, error) {
	g, err := r.Group(id)
	if err != nil {
		return nil, err
	}
	if !g.Enabled {
		return nil, fault.Newf(fault.KindResourceNotFound, "group %q is disabled", id)
	}
	return g, nil
}

// CreateGroup registers a virtual aggregate. Members must exist and be
// HTTP; stdio servers need conversion first. A missing ID is assigned,
// and the gateway path is derived from the external host.
func (r *Registry) CreateGroup(ctx context.Context, g *server.Group) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.GatewayPath == "" {
		g.GatewayPath = r.externalHost + "/mcp/group/" + g.ID + "/mcp"
	}
	if err := g.Validate(); err != nil {
		return fault.Newf(fault.KindValidation, "invalid group: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[g.ID]; ok {
		return fault.Newf(fault.KindValidation, "group %q already exists", g.ID)
	}
	if err := r.checkMembersLocked(g.MemberNames); err != nil {
		return err
	}
	if err := r.store.CreateGroup(ctx, g); err != nil {
		if errors.Is(err, server.ErrGroupExists) {
			return fault.Newf(fault.KindValidation, "group %q already exists", g.ID)
		}
		return fault.Wrap(fault.KindStoreError, "creating group", err)
	}
	r.groups[g.ID] = g.Clone()

	r.logger.Info("group registered",
		"group_id", g.ID, "name", g.Name, "members", len(g.MemberNames))
	return nil
}

// UpdateGroup replaces a group's definition under the same invariants
// as CreateGroup.
func (r *Registry) UpdateGroup(ctx context.Context, g *server.Group) error {
	if err := g.Validate(); err != nil {
		return fault.Newf(fault.KindValidation, "invalid group: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.groups[g.ID]
	if !ok {
		return fault.Newf(fault.KindResourceNotFound, "group %q not found", g.ID)
	}
	if g.GatewayPath == "" {
		g.GatewayPath = old.GatewayPath
	}
	if err := r.checkMembersLocked(g.MemberNames); err != nil {
		return err
	}
	if err := r.store.UpdateGroup(ctx, g); err != nil {
		if errors.Is(err, server.ErrGroupNotFound) {
			return fault.Newf(fault.KindResourceNotFound, "group %q not found", g.ID)
		}
		return fault.Wrap(fault.KindStoreError, "updating group", err)
	}
	r.groups[g.ID] = g.Clone()
	return nil
}

// DeleteGroup removes a group. Member servers are untouched.
func (r *Registry) DeleteGroup(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[id]; !ok {
		return fault.Newf(fault.KindResourceNotFound, "group %q not found", id)
	}
	if err := r.store.DeleteGroup(ctx, id); err != nil {
		if errors.Is(err, server.ErrGroupNotFound) {
			return fault.Newf(fault.KindResourceNotFound, "group %q not found", id)
		}
		return fault.Wrap(fault.KindStoreError, "deleting group", err)
	}
	delete(r.groups, id)

	r.logger.Info("group removed", "group_id", id)
	return nil
}

// AddGroupMember appends a server to a group's ordered member list.
func (r *Registry) AddGroupMember(ctx context.Context, groupID, name string) (*server.Group, error) {
	return r.mutateGroup(ctx, groupID, func(g *server.Group) error {
		if g.HasMember(name) {
			return fault.Newf(fault.KindValidation, "server %q is already a member", name)
		}
		g.MemberNames = append(g.MemberNames, name)
		return nil
	})
}

// RemoveGroupMember removes a server from a group, dropping its tool
// config entry with it.
func (r *Registry) RemoveGroupMember(ctx context.Context, groupID, name string) (*server.Group, error) {
	return r.mutateGroup(ctx, groupID, func(g *server.Group) error {
		i := slices.Index(g.MemberNames, name)
		if i < 0 {
			return fault.Newf(fault.KindResourceNotFound, "server %q is not a member", name)
		}
		g.MemberNames = slices.Delete(g.MemberNames, i, i+1)
		delete(g.ToolConfig, name)
		return nil
	})
}

// SetGroupTools narrows which tools a member contributes to the group.
// ["*"] or an empty list restores the member's full tool set.
func (r *Registry) SetGroupTools(ctx context.Context, groupID, name string, tools []string) (*server.Group, error) {
	return r.mutateGroup(ctx, groupID, func(g *server.Group) error {
		if !g.HasMember(name) {
			return fault.Newf(fault.KindResourceNotFound, "server %q is not a member", name)
		}
		if g.ToolConfig == nil {
			g.ToolConfig = make(map[string][]string)
		}
		g.ToolConfig[name] = slices.Clone(tools)
		return nil
	})
}

// mutateGroup applies fn to a copy of the group, re-validates the
// invariants, and writes through. The mirror only changes on store
// success.
func (r *Registry) mutateGroup(ctx context.Context, groupID string, fn func(*server.Group) error) (*server.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.groups[groupID]
	if !ok {
		return nil, fault.Newf(fault.KindResourceNotFound, "group %q not found", groupID)
	}
	g := old.Clone()
	if err := fn(g); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, fault.Newf(fault.KindValidation, "invalid group: %v", err)
	}
	if err := r.checkMembersLocked(g.MemberNames); err != nil {
		return nil, err
	}
	if err := r.store.UpdateGroup(ctx, g); err != nil {
		return nil, fault.Wrap(fault.KindStoreError, "updating group", err)
	}
	r.groups[groupID] = g.Clone()
	return g, nil
}

// checkMembersLocked enforces the membership invariant: every member
// exists and speaks HTTP. Offenders are listed so the caller knows what
// to convert.
func (r *Registry) checkMembersLocked(members []string) error {
	var missing, stdio []string
	for _, name := range members {
		d, ok := r.servers[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if !d.Transport.IsHTTP() {
			stdio = append(stdio, name)
		}
	}
	if len(missing) > 0 {
		return fault.Newf(fault.KindValidation,
			"unknown members: %s", strings.Join(missing, ", "))
	}
	if len(stdio) > 0 {
		return fault.Newf(fault.KindValidation,
			"members require stdio conversion before joining a group: %s",
			strings.Join(stdio, ", "))
	}
	return nil
}
