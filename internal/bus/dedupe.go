package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so transport redeliveries are dropped.
// Entries expire after ttl; when the cache is full, expired entries are pruned
// and then the oldest entries are evicted. Safe for concurrent use.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	seen    map[string]time.Time
	nowFunc func() time.Time
}

// NewDedupeCache creates a cache holding at most max keys for ttl each.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1000
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		seen:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// IsDuplicate records key and reports whether it was already seen within ttl.
// Empty keys are never duplicates.
func (c *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	if len(c.seen) >= c.max {
		c.pruneLocked(now)
	}
	c.seen[key] = now
	return false
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DedupeCache) pruneLocked(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	for len(c.seen) >= c.max {
		var oldestKey string
		var oldest time.Time
		for k, at := range c.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(c.seen, oldestKey)
	}
}
