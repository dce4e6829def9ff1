package bridge

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
)

// Registry maps opaque handles to open connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]*Connection)}
}

// Create opens a connection on dev and registers it under a fresh handle.
func (r *Registry) Create(dev hal.Device, opts Options) (uuid.UUID, *Connection, error) {
	conn, err := Open(dev, opts)
	if err != nil {
		return uuid.Nil, nil, err
	}

	id := uuid.New()
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	pkg.LogInfo(pkg.ComponentBridge, "connection created", "handle", id.String())
	return id, conn, nil
}

// Get returns the connection registered under id.
func (r *Registry) Get(id uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Lookup parses a handle string and returns its connection.
func (r *Registry) Lookup(handle string) (*Connection, error) {
	id, err := uuid.Parse(handle)
	if err != nil {
		return nil, fmt.Errorf("handle %q: %w", handle, pkg.ErrInvalidParameter)
	}
	conn, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("handle %s: %w", id, pkg.ErrNotFound)
	}
	return conn, nil
}

// Destroy unregisters and closes the connection under id.
func (r *Registry) Destroy(id uuid.UUID) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("handle %s: %w", id, pkg.ErrNotFound)
	}
	pkg.LogInfo(pkg.ComponentBridge, "connection destroyed", "handle", id.String())
	return conn.Close()
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Handles returns every registered handle in no particular order.
func (r *Registry) Handles() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes and unregisters every connection.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uuid.UUID]*Connection)
	r.mu.Unlock()

	var result *multierror.Error
	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("handle %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}
