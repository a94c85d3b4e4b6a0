package backend

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	var stops int32
	sub := newSubscription(func() { atomic.AddInt32(&stops, 1) })

	sub.Close()
	sub.Close()
	sub.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&stops))
}

func TestSubscriptionSetStopAfterClose(t *testing.T) {
	sub := newSubscription(func() {})
	sub.Close()

	// The replacement is rejected; the caller must stop it itself.
	assert.False(t, sub.setStop(func() {}))
}

func TestSubscriptionSetStopSwaps(t *testing.T) {
	var first, second int32
	sub := newSubscription(func() { atomic.AddInt32(&first, 1) })

	assert.True(t, sub.setStop(func() { atomic.AddInt32(&second, 1) }))
	sub.Close()

	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
}

func TestStartPollerRearmsCursorOnBatch(t *testing.T) {
	batches := make(chan []Change, 4)
	var calls int32
	var firstSince atomic.Value

	poll := func(since time.Time) ([]Change, error) {
		n := atomic.AddInt32(&calls, 1)
		switch n {
		case 1:
			firstSince.Store(since)
			return nil, nil
		case 2:
			// No re-arm after an empty poll.
			assert.Equal(t, firstSince.Load().(time.Time), since)
			return []Change{{"id": 1}}, nil
		default:
			assert.True(t, since.After(firstSince.Load().(time.Time)))
			return nil, nil
		}
	}

	stop := startPoller("things", 10*time.Millisecond, poll, func(changes []Change) {
		batches <- changes
	}, nopLogger{})
	defer stop()

	select {
	case changes := <-batches:
		assert.Len(t, changes, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch delivered")
	}

	// Let at least one post-batch poll observe the advanced cursor.
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&calls) < 3 {
		select {
		case <-deadline:
			t.Fatal("poller stalled")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStartPollerSurvivesErrors(t *testing.T) {
	var calls int32
	poll := func(since time.Time) ([]Change, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return []Change{{"ok": true}}, nil
	}

	batches := make(chan []Change, 1)
	stop := startPoller("things", 10*time.Millisecond, poll, func(changes []Change) {
		select {
		case batches <- changes:
		default:
		}
	}, nopLogger{})
	defer stop()

	select {
	case <-batches:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not recover from error")
	}
}
