package services

import (
	"sync"
	"time"
)

// LastEntryCache holds the newest stored timestamp per station.
// Entries only ever move forward.
type LastEntryCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewLastEntryCache creates an empty cache
func NewLastEntryCache() *LastEntryCache {
	return &LastEntryCache{entries: make(map[string]time.Time)}
}

// Get returns the cached entry for station
func (c *LastEntryCache) Get(station string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts, ok := c.entries[station]
	return ts, ok
}

// Update stores ts for station if it is strictly later than the cached value.
// It reports whether the entry changed.
func (c *LastEntryCache) Update(station string, ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[station]; ok && !ts.After(cur) {
		return false
	}
	c.entries[station] = ts
	return true
}

// Reset forgets every entry. Used after the store has been dropped.
func (c *LastEntryCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time)
}
