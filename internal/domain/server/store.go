package server

import (
	"context"
	"errors"
)

// Sentinel errors for store operations.
var (
	ErrServerNotFound = errors.New("server not found")
	ErrServerExists   = errors.New("server already exists")
	ErrGroupNotFound  = errors.New("group not found")
	ErrGroupExists    = errors.New("group already exists")
)

// Store is the persistence port for server descriptors and groups.
// DeleteServer removes the server from every group in the same
// transaction, so groups never reference a vanished member.
type Store interface {
	ListServers(ctx context.Context) ([]*Descriptor, error)
	GetServer(ctx context.Context, name string) (*Descriptor, error)
	CreateServer(ctx context.Context, d *Descriptor) error
	UpdateServer(ctx context.Context, d *Descriptor) error
	DeleteServer(ctx context.Context, name string) error

	ListGroups(ctx context.Context) ([]*Group, error)
	GetGroup(ctx context.Context, id string) (*Group, error)
	CreateGroup(ctx context.Context, g *Group) error
	UpdateGroup(ctx context.Context, g *Group) error
	DeleteGroup(ctx context.Context, id string) error
}
