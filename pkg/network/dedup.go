package network

import (
	"crypto/sha256"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/heitortanoue/sdeit/pkg/delta"
)

// MessageKey identifies a delta by the hash of its signature
type MessageKey [sha256.Size]byte

// KeyOf returns the dedup key of m
func KeyOf(m delta.Message) MessageKey {
	return sha256.Sum256(m.Signature)
}

// SeenCache is an LRU set of recently received delta keys
type SeenCache struct {
	capacity int
	cache    *lru.Cache
	mutex    sync.Mutex // makes MarkSeen a single check-and-set
}

// NewSeenCache creates a cache holding up to capacity keys (default 1000)
func NewSeenCache(capacity int) *SeenCache {
	if capacity <= 0 {
		capacity = 1000
	}
	cache, err := lru.New(capacity)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &SeenCache{capacity: capacity, cache: cache}
}

// Contains reports whether key is cached
func (c *SeenCache) Contains(key MessageKey) bool {
	return c.cache.Contains(key)
}

// MarkSeen records key and reports whether it was new. A repeat refreshes
// the key's recency.
func (c *SeenCache) MarkSeen(key MessageKey) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.cache.Get(key); exists {
		return false
	}
	c.cache.Add(key, struct{}{})
	return true
}

// Size returns the number of cached keys
func (c *SeenCache) Size() int {
	return c.cache.Len()
}

// GetStats returns cache statistics
func (c *SeenCache) GetStats() map[string]interface{} {
	size := c.cache.Len()
	return map[string]interface{}{
		"capacity":    c.capacity,
		"size":        size,
		"utilization": float64(size) / float64(c.capacity),
	}
}
