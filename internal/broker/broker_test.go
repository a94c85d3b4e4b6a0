package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/databridge/internal/backend"
	"github.com/zot/databridge/internal/channel"
	"github.com/zot/databridge/internal/protocol"
	"github.com/zot/databridge/internal/registry"
)

type testLogger struct{}

func (testLogger) Log(int, string, ...interface{}) {}

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Event
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: map[string][]*protocol.Event{}}
}

func (s *recordingSender) Send(connectionID string, evt *protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[connectionID] = append(s.sent[connectionID], evt)
	return nil
}

func (s *recordingSender) events(connectionID string) []*protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Event(nil), s.sent[connectionID]...)
}

// stubAdapter returns a canned result for every command.
type stubAdapter struct {
	result *protocol.Result
}

func (s *stubAdapter) Kind() backend.Kind              { return backend.KindRelational }
func (s *stubAdapter) Connect(context.Context) error   { return nil }
func (s *stubAdapter) Identity() backend.IdentityStore { return nil }
func (s *stubAdapter) Blobs() backend.BlobStore        { return nil }
func (s *stubAdapter) Close() error                    { return nil }

func (s *stubAdapter) Execute(ctx context.Context, method string, cmd *protocol.Command) *protocol.Result {
	return s.result
}

func (s *stubAdapter) WatchChanges(name string, fn backend.ChangeFunc, opts backend.WatchOptions) (*backend.Subscription, error) {
	return nil, backend.ErrNotBound
}

func newTestBroker(t *testing.T, result *protocol.Result) (*Broker, *recordingSender, *channel.Directory) {
	t.Helper()
	sender := newRecordingSender()
	channels := channel.New(sender, testLogger{})
	reg := registry.New(testLogger{})
	reg.SetFactory(func(kind backend.Kind, params backend.ConnectParams, log backend.Logger) (backend.Adapter, error) {
		return &stubAdapter{result: result}, nil
	})
	_, err := reg.Bind(context.Background(), "origin", backend.KindRelational, backend.ConnectParams{})
	require.NoError(t, err)

	return New(reg, channels, sender, testLogger{}, time.Second), sender, channels
}

func decodeResult(t *testing.T, evt *protocol.Event) *protocol.Result {
	t.Helper()
	var result protocol.Result
	require.NoError(t, json.Unmarshal(evt.Data, &result))
	return &result
}

func TestHandleSuccessFansOut(t *testing.T) {
	canned := protocol.SuccessResult(protocol.OpInsert, &protocol.InsertResult{InsertedID: "7"})
	b, sender, channels := newTestBroker(t, canned)

	// The origin subscribes to its own channel and gets both the terminal
	// result and the broadcast.
	channels.Subscribe("todos", "origin")
	channels.Subscribe("todos", "watcher")

	b.Handle(context.Background(), "origin", &protocol.ActionData{
		Action:  "execute",
		Channel: "todos",
		Method:  protocol.OpInsert,
		Command: &protocol.Command{Collection: "todos", Document: map[string]interface{}{"title": "x"}},
	})

	origin := sender.events("origin")
	require.Len(t, origin, 2)
	assert.Equal(t, protocol.EventType("todos:result"), origin[0].Type)
	assert.Equal(t, protocol.StatusSuccess, decodeResult(t, origin[0]).Status)
	assert.Equal(t, protocol.EventType("todos"), origin[1].Type)

	watcher := sender.events("watcher")
	require.Len(t, watcher, 1)
	assert.Equal(t, protocol.EventType("todos"), watcher[0].Type)
	assert.Equal(t, protocol.OpInsert, decodeResult(t, watcher[0]).Method)
}

func TestHandleErrorsStayWithOrigin(t *testing.T) {
	canned := protocol.ErrorResult(protocol.OpGet, "no such table")
	b, sender, channels := newTestBroker(t, canned)

	channels.Subscribe("todos", "origin")
	channels.Subscribe("todos", "watcher")

	b.Handle(context.Background(), "origin", &protocol.ActionData{
		Channel: "todos",
		Method:  protocol.OpGet,
		Command: &protocol.Command{Collection: "todos"},
	})

	origin := sender.events("origin")
	require.Len(t, origin, 1)
	assert.Equal(t, protocol.EventType("todos:result"), origin[0].Type)
	assert.Equal(t, protocol.StatusError, decodeResult(t, origin[0]).Status)

	assert.Empty(t, sender.events("watcher"))
}

func TestHandleUnboundConnection(t *testing.T) {
	b, sender, _ := newTestBroker(t, protocol.SuccessResult(protocol.OpGet, nil))

	b.Handle(context.Background(), "stranger", &protocol.ActionData{
		Channel: "todos",
		Method:  protocol.OpGet,
		Command: &protocol.Command{Collection: "todos"},
	})

	events := sender.events("stranger")
	require.Len(t, events, 1)
	result := decodeResult(t, events[0])
	assert.Equal(t, protocol.StatusError, result.Status)
	assert.Equal(t, "Database not initialized", result.Message)
}

func TestHandleRejectsUnknownAction(t *testing.T) {
	b, sender, _ := newTestBroker(t, protocol.SuccessResult(protocol.OpGet, nil))

	b.Handle(context.Background(), "origin", &protocol.ActionData{
		Action:  "eval",
		Channel: "todos",
		Method:  protocol.OpGet,
		Command: &protocol.Command{Collection: "todos"},
	})

	events := sender.events("origin")
	require.Len(t, events, 1)
	assert.Equal(t, protocol.StatusError, decodeResult(t, events[0]).Status)
}

func TestHandleRejectsMissingCommand(t *testing.T) {
	b, sender, _ := newTestBroker(t, protocol.SuccessResult(protocol.OpGet, nil))

	b.Handle(context.Background(), "origin", &protocol.ActionData{
		Action:  "execute",
		Channel: "todos",
		Method:  protocol.OpGet,
	})

	events := sender.events("origin")
	require.Len(t, events, 1)
	result := decodeResult(t, events[0])
	assert.Equal(t, protocol.StatusError, result.Status)
	assert.Equal(t, "missing command", result.Message)
}
