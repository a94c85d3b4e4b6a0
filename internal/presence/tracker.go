// Package presence tracks which authenticated users are online and on which
// connection.
package presence

import (
	"sort"
	"sync"
)

// Tracker maps user ids to their current connection. At most one connection
// per user; the last writer wins.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]string // userID -> connectionID
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{online: make(map[string]string)}
}

// MarkOnline records the user's connection. Returns true when the user was
// not previously online, meaning the online set changed.
func (t *Tracker) MarkOnline(userID, connectionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.online[userID]
	t.online[userID] = connectionID
	return !existed
}

// MarkOffline removes the user. Returns true when the user was online.
func (t *Tracker) MarkOffline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.online[userID]
	delete(t.online, userID)
	return existed
}

// DropConnection removes the presence entry pointing at the disconnecting
// connection. Returns the affected user id, if any.
func (t *Tracker) DropConnection(connectionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, connID := range t.online {
		if connID == connectionID {
			delete(t.online, userID)
			return userID, true
		}
	}
	return "", false
}

// Snapshot returns the online user ids in stable order.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.online))
	for userID := range t.online {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether the user has a live connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}
