package cache

import (
	"context"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"time"
)

const DefaultMemorySize = 10000

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is an in-process LRU. maxTTL caps every entry, per-key ttls are
// enforced on read.
type MemoryCache struct {
	entries *expirable.LRU[string, memoryEntry]
	now     func() time.Time
}

func NewMemoryCache(size int, maxTTL time.Duration) *MemoryCache {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &MemoryCache{
		entries: expirable.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now:     time.Now,
	}
}

func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(c.now()) {
		c.entries.Remove(key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (c *MemoryCache) Has(_ context.Context, key string) (bool, error) {
	_, ok := c.lookup(key)
	return ok, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	entry, ok := c.lookup(key)
	return entry.value, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries.Add(key, entry)
	return nil
}

func (c *MemoryCache) Remove(_ context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

func (c *MemoryCache) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	entry, ok := c.lookup(key)
	if !ok {
		return 0, false, nil
	}
	if entry.expiresAt.IsZero() {
		return 0, true, nil
	}
	return entry.expiresAt.Sub(c.now()), true, nil
}

func (c *MemoryCache) Disconnect(context.Context) error {
	c.entries.Purge()
	return nil
}

func (c *MemoryCache) IsHealthy(context.Context) bool {
	return true
}
