package metastore

import (
	"sync"
	"time"
)

// ttlCache is the bounded read cache in front of the primary store.
// Entries expire after ttl; when the cache is full the entry closest to
// expiry is evicted.
type ttlCache struct {
	max int
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	m       Metadata
	expires time.Time
}

func newTTLCache(max int, ttl time.Duration) *ttlCache {
	return &ttlCache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *ttlCache) get(sessionID string) (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		return Metadata{}, false
	}

	if time.Now().After(e.expires) {
		delete(c.entries, sessionID)
		return Metadata{}, false
	}

	return e.m, true
}

func (c *ttlCache) set(m Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if _, ok := c.entries[m.SessionID]; !ok && len(c.entries) >= c.max {
		c.evictLocked(now)
	}

	c.entries[m.SessionID] = cacheEntry{m: m, expires: now.Add(c.ttl)}
}

func (c *ttlCache) remove(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// evictLocked drops expired entries, then the entry closest to expiry if
// the cache is still full.
func (c *ttlCache) evictLocked(now time.Time) {
	var (
		victim  string
		nearest time.Time
	)

	for id, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, id)
			continue
		}

		if victim == "" || e.expires.Before(nearest) {
			victim = id
			nearest = e.expires
		}
	}

	if len(c.entries) >= c.max && victim != "" {
		delete(c.entries, victim)
	}
}
