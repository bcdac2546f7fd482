package farm

import (
	"sync"
	"time"
)

// Dedup is a short-TTL set of recently-seen message IDs. It exists so
// a component that might observe the same durable message twice (a
// re-scanned inbox entry, a retried notification) can recognize the
// duplicate without growing without bound.
type Dedup struct {
	mu  sync.Mutex
	ttl time.Duration
	// seen maps a message ID to the time it was recorded.
	seen map[string]time.Time
}

// NewDedup creates a Dedup that forgets an ID after ttl has elapsed
// since it was first recorded; repeat Seen calls do not extend that.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		ttl:  ttl,
		seen: make(map[string]time.Time),
	}
}

// Seen records id as seen and reports whether it had already been
// recorded within the TTL window. It also opportunistically evicts
// expired entries so the set doesn't grow across a long-running
// process.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	d.evictLocked(now)
	if t, ok := d.seen[id]; ok && now.Sub(t) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

func (d *Dedup) evictLocked(now time.Time) {
	for id, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len returns the number of IDs currently tracked, for tests.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
