// Package server implements the websocket endpoint: connection lifecycle,
// per-connection serialized dispatch, and the event surface that ties the
// registry, broker, auth bridge, and notification registry together.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zot/databridge/internal/auth"
	"github.com/zot/databridge/internal/backend"
	"github.com/zot/databridge/internal/broker"
	"github.com/zot/databridge/internal/channel"
	"github.com/zot/databridge/internal/config"
	"github.com/zot/databridge/internal/notify"
	"github.com/zot/databridge/internal/protocol"
	"github.com/zot/databridge/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// wsConn pairs a websocket connection with a write lock. Fan-out and watch
// pollers write from goroutines outside the connection's executor.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Endpoint handles websocket connections and event dispatch.
type Endpoint struct {
	config        *config.Config
	registry      *registry.Registry
	channels      *channel.Directory
	broker        *broker.Broker
	bridge        *auth.Bridge
	tokens        *auth.TokenIssuer
	notifications *notify.Registry

	mu          sync.RWMutex
	connections map[string]*wsConn               // connectionID -> conn
	connSvc     map[string]ChanSvc               // connectionID -> executor
	watches     map[string]map[string]watchEntry // connectionID -> channel -> watch
}

type watchEntry struct {
	sub *backend.Subscription
}

// NewEndpoint creates a websocket endpoint wired to the given services.
func NewEndpoint(cfg *config.Config, reg *registry.Registry, tokens *auth.TokenIssuer, notifications *notify.Registry) *Endpoint {
	ep := &Endpoint{
		config:        cfg,
		registry:      reg,
		tokens:        tokens,
		notifications: notifications,
		connections:   make(map[string]*wsConn),
		connSvc:       make(map[string]ChanSvc),
		watches:       make(map[string]map[string]watchEntry),
	}
	return ep
}

// SetServices attaches the channel directory, broker, and auth bridge. They
// are constructed after the endpoint because each needs it as its Sender.
func (ep *Endpoint) SetServices(channels *channel.Directory, b *broker.Broker, bridge *auth.Bridge) {
	ep.channels = channels
	ep.broker = b
	ep.bridge = bridge
}

// Log logs a message via the config.
func (ep *Endpoint) Log(level int, format string, args ...interface{}) {
	ep.config.Log(level, format, args...)
}

// HandleWebSocket upgrades an incoming request and starts its read loop.
func (ep *Endpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ep.Log(0, "websocket upgrade failed: %v", err)
		return
	}

	connectionID := generateConnectionID()
	svc := make(ChanSvc)

	ep.mu.Lock()
	ep.connections[connectionID] = &wsConn{conn: conn}
	ep.connSvc[connectionID] = svc
	ep.mu.Unlock()

	RunSvc(svc)
	ep.Log(1, "connected: conn=%s remote=%s", connectionID, r.RemoteAddr)

	go ep.readPump(connectionID, conn)
}

// readPump reads frames from a connection and queues them on its executor.
func (ep *Endpoint) readPump(connectionID string, conn *websocket.Conn) {
	defer func() {
		ep.onDisconnect(connectionID)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ep.Log(0, "websocket error: conn=%s %v", connectionID, err)
			}
			return
		}

		ep.mu.RLock()
		svc, ok := ep.connSvc[connectionID]
		ep.mu.RUnlock()
		if !ok {
			return
		}

		// Enqueue synchronously so frames are processed in arrival order.
		msg := message
		svc <- func() {
			ep.processMessage(connectionID, msg)
		}
	}
}

// processMessage parses one frame and dispatches it. Runs on the
// connection's executor.
func (ep *Endpoint) processMessage(connectionID string, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			ep.Log(0, "PANIC in processMessage: %v", r)
			ep.sendError(connectionID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	evt, err := protocol.ParseEvent(message)
	if err != nil {
		ep.Log(0, "bad frame from %s: %v", connectionID, err)
		ep.sendError(connectionID, "malformed event")
		return
	}

	if ep.config.Verbosity() >= 4 {
		ep.Log(4, "[IN] %s: from=%s data=%s", evt.Type, connectionID, string(evt.Data))
	} else {
		ep.Log(2, "[IN] %s: from=%s", evt.Type, connectionID)
	}

	ep.dispatch(connectionID, evt)
}

func (ep *Endpoint) dispatch(connectionID string, evt *protocol.Event) {
	ctx := context.Background()

	switch evt.Type {
	case protocol.EvtInitialize:
		ep.handleInitialize(ctx, connectionID, evt.Data)

	case protocol.EvtSubscribe, protocol.EvtListen:
		ep.handleSubscribe(connectionID, evt.Data)

	case protocol.EvtUnsubscribe:
		ep.handleUnsubscribe(connectionID, evt.Data)

	case protocol.EvtMessage:
		ep.handleMessage(connectionID, evt.Data)

	case protocol.EvtAction:
		var data protocol.ActionData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			ep.sendError(connectionID, "malformed action")
			return
		}
		ep.broker.Handle(ctx, connectionID, &data)

	case protocol.EvtAccount:
		var data protocol.AccountActionData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			ep.sendError(connectionID, "malformed account action")
			return
		}
		ep.bridge.HandleAccountAction(ctx, connectionID, &data)

	case protocol.EvtUsers:
		var data protocol.UsersActionData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			ep.sendError(connectionID, "malformed users action")
			return
		}
		ep.bridge.HandleUsersAction(ctx, connectionID, &data)

	case protocol.EvtWatch:
		ep.handleWatch(connectionID, evt.Data)

	case protocol.EvtUnwatch:
		ep.handleUnwatch(connectionID, evt.Data)

	case protocol.EvtSubscribeNot, protocol.EvtUnsubscribeNot, protocol.EvtSendNot:
		ep.handleNotify(connectionID, evt.Type, evt.Data)

	case protocol.EvtCreateBucket, protocol.EvtUploadFile, protocol.EvtGetFile,
		protocol.EvtListFiles, protocol.EvtDeleteFile, protocol.EvtListBuckets,
		protocol.EvtDeleteBucket, protocol.EvtRenameBucket:
		ep.handleBucket(ctx, connectionID, evt.Type, evt.Data)

	case protocol.EvtClose:
		ep.closeConnection(connectionID)

	default:
		ep.sendError(connectionID, fmt.Sprintf("unknown event type %q", evt.Type))
	}
}

func (ep *Endpoint) handleInitialize(ctx context.Context, connectionID string, raw json.RawMessage) {
	var data protocol.InitializeData
	if err := json.Unmarshal(raw, &data); err != nil {
		ep.sendError(connectionID, "malformed initialize")
		return
	}

	kind, err := backend.ParseKind(data.BackendKind)
	if err != nil {
		ep.sendError(connectionID, err.Error())
		return
	}
	params, err := backend.ParseParams(data.ConnectionInfo)
	if err != nil {
		ep.sendError(connectionID, "malformed connection info")
		return
	}
	// A concrete engine name doubles as the driver choice.
	if kind == backend.KindRelational && params.Driver == "" {
		switch data.BackendKind {
		case "mysql", "postgres", "postgresql", "sqlite", "sqlite3":
			params.Driver = data.BackendKind
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, ep.config.Backend.ConnectTimeout.Duration())
	defer cancel()
	if _, err := ep.registry.Bind(connectCtx, connectionID, kind, params); err != nil {
		ep.Log(0, "initialize failed: conn=%s %v", connectionID, err)
		ep.sendError(connectionID, err.Error())
		return
	}
	ep.Log(1, "initialized: conn=%s kind=%s", connectionID, kind)
}

func (ep *Endpoint) handleSubscribe(connectionID string, raw json.RawMessage) {
	var data protocol.ChannelData
	if err := json.Unmarshal(raw, &data); err != nil || data.Channel == "" {
		ep.sendError(connectionID, "malformed subscribe")
		return
	}
	ep.channels.Subscribe(data.Channel, connectionID)
	ep.sendEvent(connectionID, "subscribed", &protocol.ChannelData{Channel: data.Channel})
}

func (ep *Endpoint) handleUnsubscribe(connectionID string, raw json.RawMessage) {
	var data protocol.ChannelData
	if err := json.Unmarshal(raw, &data); err != nil || data.Channel == "" {
		ep.sendError(connectionID, "malformed unsubscribe")
		return
	}
	ep.channels.Unsubscribe(data.Channel, connectionID)
	ep.sendEvent(connectionID, "unsubscribed", &protocol.ChannelData{Channel: data.Channel})
}

// handleMessage relays a plain payload to a channel's other subscribers.
func (ep *Endpoint) handleMessage(connectionID string, raw json.RawMessage) {
	var data protocol.MessageData
	if err := json.Unmarshal(raw, &data); err != nil || data.Channel == "" {
		ep.sendError(connectionID, "malformed message")
		return
	}
	evt, err := protocol.NewEvent(protocol.EvtMessage, &data)
	if err != nil {
		ep.sendError(connectionID, err.Error())
		return
	}
	ep.channels.Publish(data.Channel, evt, connectionID)
}

// handleWatch starts a change watch on the bound adapter, republishing each
// detected batch on the named channel. One watch per channel per connection;
// rewatching a channel replaces the previous watch.
func (ep *Endpoint) handleWatch(connectionID string, raw json.RawMessage) {
	var data protocol.WatchData
	if err := json.Unmarshal(raw, &data); err != nil || data.Channel == "" {
		ep.sendError(connectionID, "malformed watch")
		return
	}
	adapter, err := ep.registry.Get(connectionID)
	if err != nil {
		ep.sendError(connectionID, "Database not initialized")
		return
	}

	name := data.Collection
	if name == "" {
		name = data.Channel
	}
	opts := backend.WatchOptions{PollInterval: ep.config.Watch.PollInterval.Duration()}
	if data.PollIntervalMs > 0 {
		opts.PollInterval = time.Duration(data.PollIntervalMs) * time.Millisecond
	}

	channelName := data.Channel
	sub, err := adapter.WatchChanges(name, func(changes []backend.Change) {
		evt, err := protocol.NewEvent(protocol.EventType(channelName), changes)
		if err != nil {
			return
		}
		ep.channels.Publish(channelName, evt, "")
	}, opts)
	if err != nil {
		ep.sendError(connectionID, err.Error())
		return
	}

	ep.mu.Lock()
	entries := ep.watches[connectionID]
	if entries == nil {
		entries = make(map[string]watchEntry)
		ep.watches[connectionID] = entries
	}
	prior, had := entries[channelName]
	entries[channelName] = watchEntry{sub: sub}
	ep.mu.Unlock()
	if had {
		prior.sub.Close()
	}
	ep.Log(1, "watch started: conn=%s channel=%s target=%s", connectionID, channelName, name)
}

func (ep *Endpoint) handleUnwatch(connectionID string, raw json.RawMessage) {
	var data protocol.WatchData
	if err := json.Unmarshal(raw, &data); err != nil || data.Channel == "" {
		ep.sendError(connectionID, "malformed unwatch")
		return
	}

	ep.mu.Lock()
	entries := ep.watches[connectionID]
	entry, ok := entries[data.Channel]
	if ok {
		delete(entries, data.Channel)
		if len(entries) == 0 {
			delete(ep.watches, connectionID)
		}
	}
	ep.mu.Unlock()

	if ok {
		entry.sub.Close()
		ep.Log(1, "watch stopped: conn=%s channel=%s", connectionID, data.Channel)
	}
}

func (ep *Endpoint) handleNotify(connectionID string, evtType protocol.EventType, raw json.RawMessage) {
	var data protocol.NotifyData
	if err := json.Unmarshal(raw, &data); err != nil {
		ep.sendError(connectionID, "malformed notification event")
		return
	}
	claims, err := ep.tokens.Verify(data.Token)
	if err != nil {
		ep.sendError(connectionID, err.Error())
		return
	}

	switch evtType {
	case protocol.EvtSubscribeNot:
		if err := ep.notifications.Subscribe(claims.UserID, data.Subscription); err != nil {
			ep.sendError(connectionID, err.Error())
		}
	case protocol.EvtUnsubscribeNot:
		ep.notifications.Unsubscribe(claims.UserID, data.Endpoint)
	case protocol.EvtSendNot:
		target := data.UserID
		if target == "" {
			target = claims.UserID
		}
		if err := ep.notifications.Send(target, data.Payload); err != nil {
			ep.sendError(connectionID, err.Error())
		}
	}
}

// handleBucket runs one bucket operation against the bound adapter's blob
// store and acknowledges with an operation-specific event.
func (ep *Endpoint) handleBucket(ctx context.Context, connectionID string, evtType protocol.EventType, raw json.RawMessage) {
	adapter, err := ep.registry.Get(connectionID)
	if err != nil {
		ep.sendError(connectionID, "Database not initialized")
		return
	}
	blobs := adapter.Blobs()
	if blobs == nil {
		ep.sendError(connectionID, "bucket storage not supported by this backend")
		return
	}

	var data protocol.BucketData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			ep.sendError(connectionID, "malformed bucket event")
			return
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, ep.config.Backend.ExecuteTimeout.Duration())
	defer cancel()

	switch evtType {
	case protocol.EvtCreateBucket:
		bucketID, err := blobs.CreateBucket(opCtx)
		if err != nil {
			ep.sendError(connectionID, err.Error())
			return
		}
		ep.sendEvent(connectionID, "bucketCreated", &protocol.BucketData{BucketID: bucketID})

	case protocol.EvtUploadFile:
		fileID, err := blobs.UploadFile(opCtx, data.BucketID, data.Name, data.Data)
		if err != nil {
			ep.sendError(connectionID, err.Error())
			return
		}
		ep.sendEvent(connectionID, "fileUploaded", &protocol.BucketData{
			BucketID: data.BucketID,
			FileID:   fileID,
			Name:     data.Name,
		})

	case protocol.EvtGetFile:
		file, err := blobs.GetFile(opCtx, data.BucketID, data.FileID)
		if err != nil {
			ep.sendError(connectionID, err.Error())
			return
		}
		ep.sendEvent(connectionID, "fileRetrieved", file)

	case protocol.EvtListFiles:
		files, err := blobs.ListFiles(opCtx, data.BucketID)
		if err != nil {
			ep.sendError(connectionID, err.Error())
			return
		}
		ep.sendEvent(connectionID, "filesListed", map[string]interface{}{
			"bucketId": data.BucketID,
			"files":    files,
		})

	case protocol.EvtDeleteFile:
		if err := blobs.DeleteFile(opCtx, data.BucketID, data.FileID); err != nil {
			ep.sendError(connectionID, err.Error())
			return
		}
		ep.sendEvent(connectionID, "fileDeleted", &protocol.BucketData{
			BucketID: data.BucketID,
			FileID:   data.FileID,
		})

	case protocol.EvtListBuckets:
		buckets, err := blobs.ListBuckets(opCtx)
		if err != nil {
			ep.sendError(connectionID, err.Error())
			return
		}
		ep.sendEvent(connectionID, "bucketsListed", map[string]interface{}{"buckets": buckets})

	case protocol.EvtDeleteBucket:
		if err := blobs.DeleteBucket(opCtx, data.BucketID); err != nil {
			ep.sendError(connectionID, err.Error())
			return
		}
		ep.sendEvent(connectionID, "bucketDeleted", &protocol.BucketData{BucketID: data.BucketID})

	case protocol.EvtRenameBucket:
		if err := blobs.RenameBucket(opCtx, data.BucketID, data.NewBucketID); err != nil {
			ep.sendError(connectionID, err.Error())
			return
		}
		ep.sendEvent(connectionID, "bucketRenamed", &protocol.BucketData{
			BucketID:    data.BucketID,
			NewBucketID: data.NewBucketID,
		})
	}
}

// closeConnection tears a connection down at the client's request.
func (ep *Endpoint) closeConnection(connectionID string) {
	ep.mu.RLock()
	wc, ok := ep.connections[connectionID]
	ep.mu.RUnlock()
	if ok {
		wc.conn.Close() // readPump unblocks and runs onDisconnect
	}
}

// onDisconnect runs full teardown: release adapter, drop channel
// memberships, clear presence, stop watchers, retire the executor.
func (ep *Endpoint) onDisconnect(connectionID string) {
	ep.mu.Lock()
	delete(ep.connections, connectionID)
	svc, hadSvc := ep.connSvc[connectionID]
	delete(ep.connSvc, connectionID)
	entries := ep.watches[connectionID]
	delete(ep.watches, connectionID)
	ep.mu.Unlock()

	ep.registry.Release(connectionID)
	ep.channels.DropConnection(connectionID)
	ep.bridge.DropConnection(connectionID)
	for _, entry := range entries {
		entry.sub.Close()
	}
	if hadSvc {
		close(svc)
	}

	ep.Log(1, "disconnected: conn=%s", connectionID)
}

// Send delivers an event to one connection. Implements channel.Sender.
func (ep *Endpoint) Send(connectionID string, evt *protocol.Event) error {
	ep.mu.RLock()
	wc, ok := ep.connections[connectionID]
	ep.mu.RUnlock()
	if !ok {
		return nil
	}

	if ep.config.Verbosity() >= 4 {
		ep.Log(4, "[OUT] %s: to=%s data=%s", evt.Type, connectionID, string(evt.Data))
	} else {
		ep.Log(3, "[OUT] %s: to=%s", evt.Type, connectionID)
	}

	data, err := evt.Encode()
	if err != nil {
		return err
	}
	return wc.write(data)
}

// IsConnected checks if a connection is active.
func (ep *Endpoint) IsConnected(connectionID string) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	_, ok := ep.connections[connectionID]
	return ok
}

func (ep *Endpoint) sendEvent(connectionID string, evtType protocol.EventType, payload interface{}) {
	evt, err := protocol.NewEvent(evtType, payload)
	if err != nil {
		ep.Log(0, "encode %s failed: %v", evtType, err)
		return
	}
	if err := ep.Send(connectionID, evt); err != nil {
		ep.Log(0, "send %s to %s failed: %v", evtType, connectionID, err)
	}
}

func (ep *Endpoint) sendError(connectionID, message string) {
	ep.sendEvent(connectionID, protocol.EvtError, &protocol.ErrorData{Message: message})
}

func generateConnectionID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "conn-" + hex.EncodeToString(bytes)
}
