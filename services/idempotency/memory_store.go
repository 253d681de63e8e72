package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// cacheEntry represents a single cached response
type cacheEntry struct {
	key     string
	record  *Record
	element *list.Element // For LRU tracking
}

// MemoryStore is an in-memory LRU cache of responses. Each record carries
// its own expiry; expired entries are dropped on read and by
// CleanupExpired.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruList *list.List
	maxSize int
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// NewMemoryStore creates a store holding at most maxSize responses
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryStore{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get retrieves a live record
func (c *MemoryStore) Get(ctx context.Context, key Key) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := key.String()
	entry, exists := c.entries[keyStr]
	if !exists || entry.record.Expired(c.now()) {
		c.misses++
		if exists {
			c.removeEntry(keyStr)
		}
		return nil, nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return copyRecord(entry.record), nil
}

// Put stores a record, evicting the least recently used entry when full
func (c *MemoryStore) Put(ctx context.Context, key Key, rec *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := key.String()
	if entry, exists := c.entries[keyStr]; exists {
		entry.record = copyRecord(rec)
		c.lruList.MoveToFront(entry.element)
		return nil
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{key: keyStr, record: copyRecord(rec)}
	entry.element = c.lruList.PushFront(keyStr)
	c.entries[keyStr] = entry
	return nil
}

// PutIfAbsent stores rec unless a live record holds the key
func (c *MemoryStore) PutIfAbsent(ctx context.Context, key Key, rec *Record) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := key.String()
	if entry, exists := c.entries[keyStr]; exists {
		if !entry.record.Expired(c.now()) {
			return false, nil
		}
		c.removeEntry(keyStr)
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}
	entry := &cacheEntry{key: keyStr, record: copyRecord(rec)}
	entry.element = c.lruList.PushFront(keyStr)
	c.entries[keyStr] = entry
	return true, nil
}

// Delete drops the record for key
func (c *MemoryStore) Delete(ctx context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeEntry(key.String())
	return nil
}

// Stats returns cache statistics
func (c *MemoryStore) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: c.calculateHitRate(),
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

func (c *MemoryStore) calculateHitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// removeEntry must be called with lock held
func (c *MemoryStore) removeEntry(keyStr string) {
	if entry, exists := c.entries[keyStr]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, keyStr)
	}
}

// evictLRU must be called with lock held
func (c *MemoryStore) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	keyStr := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, keyStr)
}

// CleanupExpired removes all expired entries and returns how many
func (c *MemoryStore) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expired := make([]string, 0)
	for keyStr, entry := range c.entries {
		if entry.record.Expired(now) {
			expired = append(expired, keyStr)
		}
	}
	for _, keyStr := range expired {
		c.removeEntry(keyStr)
	}
	return len(expired)
}

// StartCleanupWorker removes expired entries every interval until ctx is
// done
func (c *MemoryStore) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-ctx.Done():
			return
		}
	}
}

func copyRecord(r *Record) *Record {
	out := *r
	out.Header = r.Header.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}
