// Package seen implements a time-bounded set of identifiers already handled.
//
// A node receiving a broadcast or a request records its id here; a second
// copy arriving over another path is dropped instead of being processed and
// forwarded again.
package seen

import (
	"sync"
	"time"
)

const DefaultExpiry = 60 * time.Second

// Cache is a concurrent-safe deduplication set. Entries expire after the
// configured duration.
type Cache[K comparable] struct {
	mu      sync.Mutex
	entries map[K]time.Time
	expiry  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache and starts its reaper. Call Close to stop it.
func New[K comparable](expiry time.Duration) *Cache[K] {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	c := &Cache[K]{
		entries: make(map[K]time.Time),
		expiry:  expiry,
		stop:    make(chan struct{}),
	}
	go c.reap()
	return c
}

// Has reports whether id was added and has not expired.
func (c *Cache[K]) Has(id K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[id]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(c.entries, id)
		return false
	}
	return true
}

// Add records id. It returns true if id was not already present.
func (c *Cache[K]) Add(id K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if exp, ok := c.entries[id]; ok && now.Before(exp) {
		return false
	}
	c.entries[id] = now.Add(c.expiry)
	return true
}

// Len returns the current number of entries, expired ones included until
// the reaper sweeps them.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the reaper.
func (c *Cache[K]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[K]) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, id)
		}
	}
}

func (c *Cache[K]) reap() {
	ticker := time.NewTicker(c.expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.sweep(now)
		case <-c.stop:
			return
		}
	}
}
