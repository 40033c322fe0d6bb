package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// fetchTracker records recent get_deliberation calls so the ranking and
// critique handlers can detect when a caller submits against a round it
// never fetched and nudge it toward get_deliberation first. Rankings must
// cite the current round's statement IDs, so a submission without a recent
// fetch is usually working from stale IDs.
//
// The tracker is keyed on (agentID, deliberationID) with a time window.
// It is an in-memory, per-process structure and does not survive restarts,
// which is acceptable because the nudge is advisory, not a gate.
type fetchTracker struct {
	mu      sync.Mutex
	fetches map[fetchKey]time.Time
	window  time.Duration // how long a fetch is considered "recent"
}

type fetchKey struct {
	agentID        uuid.UUID
	deliberationID uuid.UUID
}

func newFetchTracker(window time.Duration) *fetchTracker {
	return &fetchTracker{
		fetches: make(map[fetchKey]time.Time),
		window:  window,
	}
}

// Record notes that the given agent fetched this deliberation's detail.
func (t *fetchTracker) Record(agentID, deliberationID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetches[fetchKey{agentID, deliberationID}] = time.Now()

	// Lazy cleanup: if the map has grown large, purge stale entries to
	// prevent unbounded growth from many distinct pairs over time.
	if len(t.fetches) > 1000 {
		t.purgeStale()
	}
}

// WasFetched reports whether the given agent fetched this deliberation
// within the configured time window.
func (t *fetchTracker) WasFetched(agentID, deliberationID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.fetches[fetchKey{agentID, deliberationID}]
	if !ok {
		return false
	}
	if time.Since(ts) > t.window {
		delete(t.fetches, fetchKey{agentID, deliberationID})
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *fetchTracker) purgeStale() {
	now := time.Now()
	for k, ts := range t.fetches {
		if now.Sub(ts) > t.window {
			delete(t.fetches, k)
		}
	}
}
