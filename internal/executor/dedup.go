package executor

import (
	"sync"
	"time"
)

// Dedup guards idempotency keys that are currently being submitted so two
// goroutines in this process never work the same key at once. Entries
// expire after ttl in case a holder never releases. It is safe for
// concurrent use.
type Dedup struct {
	held map[string]time.Time // key -> acquired at
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup whose entries expire after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		held: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Acquire marks key as in flight. It returns false when the key is already
// held and has not expired.
func (d *Dedup) Acquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if at, ok := d.held[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.held[key] = now
	return true
}

// Release frees key.
func (d *Dedup) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.held, key)
}

// Cleanup removes entries that have expired beyond the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, at := range d.held {
		if now.Sub(at) >= d.ttl {
			delete(d.held, key)
		}
	}
}

// Len returns the number of held keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}
