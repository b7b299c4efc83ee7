package governance

import (
	"sync"
	"time"
)

// resultCache remembers the last successful result per fqsid so the kernel
// can offer a last-known-good value as an invocation's fallback when no
// decision supplies a static FallbackValue. A small TTL-expiring cache,
// trimmed to just remember/recall since retry-with-backoff already lives in
// the kernel's own executeWithRetry.
type resultCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value      interface{}
	expiration time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &resultCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *resultCache) remember(fqsid string, value interface{}) {
	if fqsid == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fqsid] = cacheEntry{value: value, expiration: time.Now().Add(c.ttl)}
}

func (c *resultCache) recall(fqsid string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[fqsid]
	if !ok || time.Now().After(e.expiration) {
		return nil, false
	}
	return e.value, true
}
