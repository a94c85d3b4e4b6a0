// Package registry binds storage adapters to live connections: at most one
// adapter per connection, opened on bind and closed on release.
package registry

import (
	"context"
	"sync"

	"github.com/zot/databridge/internal/backend"
)

// Factory constructs an unconnected adapter. Overridable for tests.
type Factory func(kind backend.Kind, params backend.ConnectParams, log backend.Logger) (backend.Adapter, error)

// Registry maps connection ids to their bound adapters.
type Registry struct {
	mu       sync.Mutex
	adapters map[string]backend.Adapter
	factory  Factory
	log      backend.Logger
}

// New creates an empty registry.
func New(log backend.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]backend.Adapter),
		factory:  backend.New,
		log:      log,
	}
}

// SetFactory replaces the adapter factory.
func (r *Registry) SetFactory(factory Factory) {
	r.factory = factory
}

// Bind opens a new adapter for the connection and records it. A prior
// adapter for the same connection is closed before being replaced so no
// handle leaks.
func (r *Registry) Bind(ctx context.Context, connectionID string, kind backend.Kind, params backend.ConnectParams) (backend.Adapter, error) {
	adapter, err := r.factory(kind, params, r.log)
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	prior := r.adapters[connectionID]
	r.adapters[connectionID] = adapter
	r.mu.Unlock()

	if prior != nil {
		if err := prior.Close(); err != nil {
			r.log.Log(0, "close error replacing adapter for %s: %v", connectionID, err)
		}
		r.log.Log(1, "rebound %s to %s backend", connectionID, kind)
	} else {
		r.log.Log(1, "bound %s to %s backend", connectionID, kind)
	}
	return adapter, nil
}

// Get returns the bound adapter, or ErrNotBound when the connection has not
// initialized a backend.
func (r *Registry) Get(connectionID string) (backend.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	adapter, ok := r.adapters[connectionID]
	if !ok {
		return nil, backend.ErrNotBound
	}
	return adapter, nil
}

// Release closes and removes the connection's adapter. Idempotent; close
// failures are logged and do not block cleanup.
func (r *Registry) Release(connectionID string) {
	r.mu.Lock()
	adapter, ok := r.adapters[connectionID]
	delete(r.adapters, connectionID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := adapter.Close(); err != nil {
		r.log.Log(0, "close error releasing adapter for %s: %v", connectionID, err)
	}
	r.log.Log(1, "released adapter for %s", connectionID)
}

// Count returns the number of bound adapters.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.adapters)
}
