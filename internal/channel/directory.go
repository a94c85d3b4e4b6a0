// Package channel implements the named fan-out groups connections subscribe
// to for receiving broadcast results.
package channel

import (
	"sync"

	"github.com/zot/databridge/internal/protocol"
)

// Sender delivers an event to one connection.
type Sender interface {
	Send(connectionID string, evt *protocol.Event) error
}

// Logger is the leveled logging surface. *config.Config satisfies it.
type Logger interface {
	Log(level int, format string, args ...interface{})
}

// Directory maps channel names to their subscriber sets. Channels are
// created lazily on first subscribe and removed once empty.
type Directory struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
	sender   Sender
	log      Logger
}

// New creates an empty directory delivering through sender.
func New(sender Sender, log Logger) *Directory {
	return &Directory{
		channels: make(map[string]map[string]struct{}),
		sender:   sender,
		log:      log,
	}
}

// Subscribe adds the connection to the channel's member set.
func (d *Directory) Subscribe(channel, connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	members, ok := d.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		d.channels[channel] = members
	}
	members[connectionID] = struct{}{}
	d.log.Log(1, "subscribe: %s -> %s", connectionID, channel)
}

// Unsubscribe removes the connection from the channel, deleting the channel
// once its member set is empty.
func (d *Directory) Unsubscribe(channel, connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	members, ok := d.channels[channel]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(d.channels, channel)
	}
	d.log.Log(1, "unsubscribe: %s -x- %s", connectionID, channel)
}

// Publish delivers the event to every member of the channel except the
// optionally excluded origin. Publishing to an unknown channel is a no-op.
func (d *Directory) Publish(channel string, evt *protocol.Event, excludeConnectionID string) {
	d.mu.RLock()
	members := make([]string, 0, len(d.channels[channel]))
	for connID := range d.channels[channel] {
		if connID != excludeConnectionID {
			members = append(members, connID)
		}
	}
	d.mu.RUnlock()

	if len(members) == 0 {
		return
	}
	d.log.Log(3, "publish %s to %d subscribers", channel, len(members))
	for _, connID := range members {
		if err := d.sender.Send(connID, evt); err != nil {
			d.log.Log(0, "publish to %s failed: %v", connID, err)
		}
	}
}

// DropConnection removes the connection from every channel it belongs to,
// garbage-collecting channels left empty. Invoked on disconnect.
func (d *Directory) DropConnection(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for channel, members := range d.channels {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(d.channels, channel)
		}
	}
}

// Members returns a snapshot of the channel's subscribers.
func (d *Directory) Members(channel string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := make([]string, 0, len(d.channels[channel]))
	for connID := range d.channels[channel] {
		members = append(members, connID)
	}
	return members
}

// Has reports whether the channel currently exists.
func (d *Directory) Has(channel string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.channels[channel]
	return ok
}
