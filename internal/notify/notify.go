// Package notify keeps per-user push subscriptions and fans notifications
// out to every endpoint a user registered.
package notify

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrNoSubscriptions reports a send to a user with no registered endpoints.
var ErrNoSubscriptions = errors.New("no subscriptions for user")

// Subscription is an opaque push endpoint registration. The Endpoint field
// deduplicates registrations; the Keys and raw payload travel to the
// deliverer untouched.
type Subscription struct {
	Endpoint string          `json:"endpoint"`
	Keys     json.RawMessage `json:"keys,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// Deliverer pushes one notification payload to one endpoint. Implementations
// wrap a concrete push service; tests use a recording stub.
type Deliverer interface {
	Deliver(sub *Subscription, payload json.RawMessage) error
}

// Registry maps users to their push subscriptions, keyed by endpoint so
// re-registering the same endpoint is idempotent.
type Registry struct {
	mu        sync.RWMutex
	subs      map[string]map[string]*Subscription
	deliverer Deliverer
}

// NewRegistry creates a notification registry. A nil deliverer makes Send
// a registration-only no-op that still validates the target.
func NewRegistry(d Deliverer) *Registry {
	return &Registry{
		subs:      map[string]map[string]*Subscription{},
		deliverer: d,
	}
}

// SetDeliverer installs or replaces the delivery implementation.
func (r *Registry) SetDeliverer(d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverer = d
}

// Subscribe registers a push endpoint for a user.
func (r *Registry) Subscribe(userID string, raw json.RawMessage) error {
	var sub Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	if sub.Endpoint == "" {
		return errors.New("subscription missing endpoint")
	}
	sub.Raw = raw

	r.mu.Lock()
	defer r.mu.Unlock()
	endpoints := r.subs[userID]
	if endpoints == nil {
		endpoints = map[string]*Subscription{}
		r.subs[userID] = endpoints
	}
	endpoints[sub.Endpoint] = &sub
	return nil
}

// Unsubscribe removes one endpoint, or all of a user's endpoints when the
// endpoint is empty.
func (r *Registry) Unsubscribe(userID, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if endpoint == "" {
		delete(r.subs, userID)
		return
	}
	if endpoints := r.subs[userID]; endpoints != nil {
		delete(endpoints, endpoint)
		if len(endpoints) == 0 {
			delete(r.subs, userID)
		}
	}
}

// Send delivers a payload to every endpoint the user registered. Endpoints
// whose delivery fails are dropped, mirroring push services expiring
// subscriptions.
func (r *Registry) Send(userID string, payload json.RawMessage) error {
	r.mu.RLock()
	deliverer := r.deliverer
	endpoints := r.subs[userID]
	snapshot := make([]*Subscription, 0, len(endpoints))
	for _, sub := range endpoints {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		return ErrNoSubscriptions
	}
	if deliverer == nil {
		return nil
	}

	var failed []string
	for _, sub := range snapshot {
		if err := deliverer.Deliver(sub, payload); err != nil {
			failed = append(failed, sub.Endpoint)
		}
	}
	for _, endpoint := range failed {
		r.Unsubscribe(userID, endpoint)
	}
	return nil
}

// Count reports how many endpoints a user has registered.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[userID])
}
