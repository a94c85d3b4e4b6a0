// Package broker executes client-issued commands against the connection's
// bound adapter and fans normalized results out to channel subscribers.
package broker

import (
	"context"
	"time"

	"github.com/zot/databridge/internal/channel"
	"github.com/zot/databridge/internal/protocol"
	"github.com/zot/databridge/internal/registry"
)

// Broker routes commands through the session registry and channel directory.
type Broker struct {
	registry       *registry.Registry
	channels       *channel.Directory
	sender         channel.Sender
	log            channel.Logger
	executeTimeout time.Duration
}

// New creates a broker.
func New(reg *registry.Registry, channels *channel.Directory, sender channel.Sender, log channel.Logger, executeTimeout time.Duration) *Broker {
	return &Broker{
		registry:       reg,
		channels:       channels,
		sender:         sender,
		log:            log,
		executeTimeout: executeTimeout,
	}
}

// Handle processes one command: bound-check, execute, normalize, reply to
// the origin, then broadcast. Failures are reported only to the origin;
// every command gets exactly one terminal outcome.
func (b *Broker) Handle(ctx context.Context, connectionID string, data *protocol.ActionData) {
	if data.Action != "" && data.Action != "execute" {
		b.sendResult(connectionID, data.Channel, protocol.ErrorResult(data.Method, "unknown action"))
		return
	}
	if data.Command == nil {
		b.sendResult(connectionID, data.Channel, protocol.ErrorResult(data.Method, "missing command"))
		return
	}

	adapter, err := b.registry.Get(connectionID)
	if err != nil {
		b.sendResult(connectionID, data.Channel, protocol.ErrorResult(data.Method, "Database not initialized"))
		return
	}

	b.log.Log(2, "command: conn=%s channel=%s method=%s collection=%s",
		connectionID, data.Channel, data.Method, data.Command.Collection)

	execCtx := ctx
	if b.executeTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, b.executeTimeout)
		defer cancel()
	}
	result := adapter.Execute(execCtx, data.Method, data.Command)

	// The origin always receives its terminal outcome on <channel>:result.
	b.sendResult(connectionID, data.Channel, result)
	if result.Status == protocol.StatusError {
		return
	}

	// Successful results fan out on <channel> to every subscriber,
	// including the origin when it is subscribed.
	evt, err := protocol.NewEvent(protocol.EventType(data.Channel), result)
	if err != nil {
		b.log.Log(0, "encode broadcast for %s failed: %v", data.Channel, err)
		return
	}
	b.channels.Publish(data.Channel, evt, "")
}

func (b *Broker) sendResult(connectionID, channelName string, result *protocol.Result) {
	evt, err := protocol.NewEvent(protocol.EventType(channelName+":result"), result)
	if err != nil {
		b.log.Log(0, "encode result for %s failed: %v", channelName, err)
		return
	}
	if err := b.sender.Send(connectionID, evt); err != nil {
		b.log.Log(0, "send result to %s failed: %v", connectionID, err)
	}
}
