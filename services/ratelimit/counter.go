package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowCount struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounter is a single-process Counter. Expired keys are swept on
// write once the map grows past sweepAt entries.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*windowCount
	sweepAt int
	now     func() time.Time
}

// NewMemoryCounter creates an empty counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*windowCount),
		sweepAt: 10000,
		now:     time.Now,
	}
}

// Incr implements Counter
func (c *MemoryCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		if len(c.entries) >= c.sweepAt {
			c.sweepLocked(now)
		}
		e = &windowCount{expiresAt: now.Add(ttl)}
		c.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Len returns the number of tracked keys
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCounter) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
