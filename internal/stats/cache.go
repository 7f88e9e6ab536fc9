package stats

import (
	"sync"
	"time"
)

// Cache is the process-wide slot holding the latest snapshot. It starts
// empty and is lost on restart.
type Cache struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Store replaces the cached snapshot. A snapshot computed before the
// cached one is dropped, so a slow refresh cannot roll the slot back.
func (c *Cache) Store(s *Snapshot) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap != nil && s.ComputedAt.Before(c.snap.ComputedAt) {
		return
	}
	c.snap = s
}

// Load returns the cached snapshot regardless of age. ok is false until
// the first Store.
func (c *Cache) Load() (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, c.snap != nil
}

// Age returns how long ago the cached snapshot was computed.
func (c *Cache) Age(now time.Time) (time.Duration, bool) {
	s, ok := c.Load()
	if !ok {
		return 0, false
	}
	return now.Sub(s.ComputedAt), true
}
