// Package heartbeat keeps a last-seen timestamp per running instance. The
// tracker is an in-memory cache; the durable lease expiry in the database
// stays the source of truth for reclaims.
package heartbeat

import (
	"sync"
	"time"
)

type Tracker struct {
	Now func() time.Time

	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

func New() *Tracker {
	return &Tracker{Now: time.Now, lastSeen: make(map[string]time.Time)}
}

// Mark records a ping for the instance.
func (t *Tracker) Mark(instanceID string) {
	t.mu.Lock()
	t.lastSeen[instanceID] = t.now()
	t.mu.Unlock()
}

// LastSeen returns the last recorded ping, if any.
func (t *Tracker) LastSeen(instanceID string) (time.Time, bool) {
	t.mu.RLock()
	ts, ok := t.lastSeen[instanceID]
	t.mu.RUnlock()
	return ts, ok
}

// FreshWithin reports whether the instance pinged within the window. A fresh
// ping lets the sweeper skip a row whose durable expiry write is still in
// flight; it never extends the lease by itself.
func (t *Tracker) FreshWithin(instanceID string, window time.Duration) bool {
	ts, ok := t.LastSeen(instanceID)
	if !ok {
		return false
	}
	return t.now().Sub(ts) < window
}

// Forget drops the instance, typically after a terminal report or reclaim.
func (t *Tracker) Forget(instanceID string) {
	t.mu.Lock()
	delete(t.lastSeen, instanceID)
	t.mu.Unlock()
}

func (t *Tracker) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}
