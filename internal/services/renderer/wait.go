package renderer

import (
	"context"
	"sync/atomic"
	"time"
)

// quiescenceTracker counts in-flight network requests from CDP events so
// idle waits can detect when the page has stopped talking.
type quiescenceTracker struct {
	inflight atomic.Int64
	last     atomic.Int64 // UnixNano of the most recent network activity
}

func newQuiescenceTracker() *quiescenceTracker {
	t := &quiescenceTracker{}
	t.last.Store(time.Now().UnixNano())
	return t
}

func (t *quiescenceTracker) add() {
	t.inflight.Add(1)
	t.last.Store(time.Now().UnixNano())
}

func (t *quiescenceTracker) done() {
	// Events can arrive for requests started before the listener attached;
	// clamp instead of going negative.
	if t.inflight.Add(-1) < 0 {
		t.inflight.Store(0)
	}
	t.last.Store(time.Now().UnixNano())
}

// awaitIdle blocks until nothing has been in flight for quiesceSettle, the
// budget elapses, or ctx is done. Reports whether idle was reached.
func (t *quiescenceTracker) awaitIdle(ctx context.Context, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if t.inflight.Load() == 0 &&
				time.Since(time.Unix(0, t.last.Load())) >= quiesceSettle {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}
