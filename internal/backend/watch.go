package backend

import (
	"sync"
	"time"
)

// Change is one detected change record.
type Change map[string]interface{}

// ChangeFunc receives each detected batch of changes.
type ChangeFunc func(changes []Change)

// WatchOptions tunes change detection.
type WatchOptions struct {
	// PollInterval is the polling period for the relational backend and the
	// document backend's fallback. Zero means one second.
	PollInterval time.Duration
}

func (o WatchOptions) interval() time.Duration {
	if o.PollInterval <= 0 {
		return time.Second
	}
	return o.PollInterval
}

// Subscription is a handle to a running change watch. Close is safe to call
// any number of times; calls after the first have no effect.
type Subscription struct {
	mu     sync.Mutex
	closed bool
	stop   func()
}

func newSubscription(stop func()) *Subscription {
	return &Subscription{stop: stop}
}

// Close stops the underlying stream or timer.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
}

// setStop swaps in a replacement stop function, used when a document change
// stream degrades to polling mid-flight. Returns false if the subscription
// was already closed, in which case the caller must stop the replacement
// itself.
func (s *Subscription) setStop(stop func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.stop = stop
	return true
}

// pollFunc fetches the changes recorded after since.
type pollFunc func(since time.Time) ([]Change, error)

// startPoller runs timestamp-cursor polling on its own timer. The cursor
// re-arms only after a batch is detected, matching the poll contract.
func startPoller(name string, interval time.Duration, poll pollFunc, fn ChangeFunc, log Logger) func() {
	done := make(chan struct{})
	go func() {
		last := time.Now()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runPoll := func() {
			changes, err := poll(last)
			if err != nil {
				log.Log(0, "poll error for %s: %v", name, err)
				return
			}
			if len(changes) > 0 {
				last = time.Now()
				log.Log(3, "change detected in %s: %d records", name, len(changes))
				fn(changes)
			}
		}

		runPoll()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				runPoll()
			}
		}
	}()
	return func() { close(done) }
}
