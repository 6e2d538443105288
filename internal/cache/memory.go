package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/smallbiznis/quotaguard/internal/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is a size-bounded LRU with per-entry expiry.
type MemoryCache struct {
	entries *lru.LRU[string, memoryEntry]
	clock   clock.Clock
}

// NewMemoryCache keeps at most size entries. Expired entries are dropped on read.
func NewMemoryCache(size int, clk clock.Clock) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache{
		// Expiry is tracked per entry, so the LRU itself never ages items out.
		entries: lru.NewLRU[string, memoryEntry](size, nil, 0),
		clock:   clk,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	entry, ok := c.lookup(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := validate(key, ttl); err != nil {
		return err
	}
	c.entries.Add(strings.TrimSpace(key), memoryEntry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	})
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.entries.Remove(strings.TrimSpace(key))
	return nil
}

func (c *MemoryCache) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	entry, ok := c.lookup(key)
	if !ok {
		return 0, false, nil
	}
	return entry.expiresAt.Sub(c.clock.Now()), true, nil
}

func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	key = strings.TrimSpace(key)
	entry, ok := c.entries.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		return memoryEntry{}, false
	}
	return entry, true
}
