// Package cache holds the two in-process caches and the per-source version
// counters that invalidate them.
//
// Embedding cache: a text always embeds to the same vector, so entries never
// expire and LRU eviction alone bounds memory. Result cache: answers are
// only valid until the underlying data source re-syncs, so entries carry a
// TTL and the cache key embeds a per-source version counter; bumping the
// counter makes every old key stop matching without an active purge.
//
// All types are safe for concurrent use. State is single-process; multiple
// processes will each see their own caches.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// EmbeddingCache is a fixed-capacity LRU from text to its embedding vector.
// A nil *EmbeddingCache is a valid disabled cache: Get always misses and
// Put is a no-op.
type EmbeddingCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type embeddingEntry struct {
	key    string
	vector []float32
}

// NewEmbeddingCache creates a cache holding at most capacity vectors.
// Returns nil (disabled) when capacity < 1.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	if capacity < 1 {
		return nil
	}
	return &EmbeddingCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func embedKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for text and marks it most recently used.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[embedKey(text)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*embeddingEntry).vector, true
}

// Put stores the vector for text, evicting the least recently used entry
// when at capacity.
func (c *EmbeddingCache) Put(text string, vector []float32) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := embedKey(text)
	if el, ok := c.entries[key]; ok {
		el.Value.(*embeddingEntry).vector = vector
		c.order.MoveToFront(el)
		return
	}
	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*embeddingEntry).key)
	}
	c.entries[key] = c.order.PushFront(&embeddingEntry{key: key, vector: vector})
}

// Len returns the number of cached vectors.
func (c *EmbeddingCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
