package connection

import (
	"sync"
	"time"
)

type snapshotEntry struct {
	uri      string
	cachedAt time.Time
}

// SnapshotCache maps profile tokens to snapshot URIs for a limited time.
// Expired entries are dropped when looked up.
type SnapshotCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]snapshotEntry
}

func NewSnapshotCache(ttl time.Duration, now func() time.Time) *SnapshotCache {
	if now == nil {
		now = time.Now
	}
	return &SnapshotCache{ttl: ttl, now: now, entries: map[string]snapshotEntry{}}
}

// Get returns the cached URI for token while it is younger than the TTL.
func (c *SnapshotCache) Get(token string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[token]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.cachedAt) >= c.ttl {
		delete(c.entries, token)
		return "", false
	}
	return e.uri, true
}

func (c *SnapshotCache) Set(token, uri string) {
	c.mu.Lock()
	c.entries[token] = snapshotEntry{uri: uri, cachedAt: c.now()}
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	c.entries = map[string]snapshotEntry{}
	c.mu.Unlock()
}

func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
