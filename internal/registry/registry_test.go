package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/databridge/internal/backend"
	"github.com/zot/databridge/internal/protocol"
)

type testLogger struct{}

func (testLogger) Log(int, string, ...interface{}) {}

// fakeAdapter records lifecycle calls.
type fakeAdapter struct {
	kind       backend.Kind
	connectErr error
	connected  bool
	closed     int
}

func (f *fakeAdapter) Kind() backend.Kind { return f.kind }

func (f *fakeAdapter) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) Execute(ctx context.Context, method string, cmd *protocol.Command) *protocol.Result {
	return protocol.SuccessResult(method, nil)
}

func (f *fakeAdapter) WatchChanges(name string, fn backend.ChangeFunc, opts backend.WatchOptions) (*backend.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeAdapter) Identity() backend.IdentityStore { return nil }
func (f *fakeAdapter) Blobs() backend.BlobStore        { return nil }

func (f *fakeAdapter) Close() error {
	f.closed++
	return nil
}

func newTestRegistry(next func() *fakeAdapter) *Registry {
	r := New(testLogger{})
	r.SetFactory(func(kind backend.Kind, params backend.ConnectParams, log backend.Logger) (backend.Adapter, error) {
		a := next()
		a.kind = kind
		return a, nil
	})
	return r
}

func TestBindAndGet(t *testing.T) {
	adapter := &fakeAdapter{}
	r := newTestRegistry(func() *fakeAdapter { return adapter })

	bound, err := r.Bind(context.Background(), "conn-1", backend.KindDocument, backend.ConnectParams{})
	require.NoError(t, err)
	assert.True(t, adapter.connected)
	assert.Same(t, backend.Adapter(adapter), bound)

	got, err := r.Get("conn-1")
	require.NoError(t, err)
	assert.Same(t, bound, got)
	assert.Equal(t, 1, r.Count())
}

func TestGetUnbound(t *testing.T) {
	r := newTestRegistry(func() *fakeAdapter { return &fakeAdapter{} })

	_, err := r.Get("conn-1")
	assert.ErrorIs(t, err, backend.ErrNotBound)
}

func TestRebindClosesPriorAdapter(t *testing.T) {
	first := &fakeAdapter{}
	second := &fakeAdapter{}
	adapters := []*fakeAdapter{first, second}
	r := newTestRegistry(func() *fakeAdapter {
		a := adapters[0]
		adapters = adapters[1:]
		return a
	})

	_, err := r.Bind(context.Background(), "conn-1", backend.KindDocument, backend.ConnectParams{})
	require.NoError(t, err)
	_, err = r.Bind(context.Background(), "conn-1", backend.KindRelational, backend.ConnectParams{})
	require.NoError(t, err)

	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 0, second.closed)

	got, err := r.Get("conn-1")
	require.NoError(t, err)
	assert.Equal(t, backend.KindRelational, got.Kind())
	assert.Equal(t, 1, r.Count())
}

func TestBindConnectFailureLeavesNoBinding(t *testing.T) {
	r := newTestRegistry(func() *fakeAdapter {
		return &fakeAdapter{connectErr: errors.New("refused")}
	})

	_, err := r.Bind(context.Background(), "conn-1", backend.KindDocument, backend.ConnectParams{})
	require.Error(t, err)

	_, err = r.Get("conn-1")
	assert.ErrorIs(t, err, backend.ErrNotBound)
	assert.Equal(t, 0, r.Count())
}

func TestReleaseClosesAndForgets(t *testing.T) {
	adapter := &fakeAdapter{}
	r := newTestRegistry(func() *fakeAdapter { return adapter })

	_, err := r.Bind(context.Background(), "conn-1", backend.KindDocument, backend.ConnectParams{})
	require.NoError(t, err)

	r.Release("conn-1")
	assert.Equal(t, 1, adapter.closed)
	_, err = r.Get("conn-1")
	assert.ErrorIs(t, err, backend.ErrNotBound)

	// Releasing again is a no-op.
	r.Release("conn-1")
	assert.Equal(t, 1, adapter.closed)
}
