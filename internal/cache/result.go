package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ResultCache is a fixed-capacity TTL cache for answer payloads.
// A nil *ResultCache is a valid disabled cache.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front = most recently inserted
	now      func() time.Time
}

type resultEntry struct {
	key       string
	value     any
	expiresAt time.Time
}

// NewResultCache creates a cache holding at most capacity entries, each
// valid for ttl. Returns nil (disabled) when capacity < 1 or ttl <= 0.
func NewResultCache(capacity int, ttl time.Duration) *ResultCache {
	if capacity < 1 || ttl <= 0 {
		return nil
	}
	return &ResultCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

// ResultKey derives the cache key for a question. The per-source version is
// part of the hashed material, so a version bump makes all previously
// written keys unreachable; they age out via TTL or capacity eviction.
// dsID 0 means unscoped.
func ResultKey(question string, dsID int64, topK int, version uint64) string {
	scope := "none"
	if dsID != 0 {
		scope = strconv.FormatInt(dsID, 10)
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|v%d", question, scope, topK, version))
	return hex.EncodeToString(sum[:])
}

// Get returns the value for key unless it is missing or expired.
// Expired entries are removed on access.
func (c *ResultCache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*resultEntry)
	if c.now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Put stores value under key with the configured TTL. At capacity, expired
// entries are dropped first, then the oldest insertion.
func (c *ResultCache) Put(key string, value any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*resultEntry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	c.dropExpiredLocked()
	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*resultEntry).key)
	}
	c.entries[key] = c.order.PushFront(&resultEntry{key: key, value: value, expiresAt: expiresAt})
}

// Len returns the number of entries, including any not yet lazily expired.
func (c *ResultCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) dropExpiredLocked() {
	now := c.now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*resultEntry); now.After(e.expiresAt) {
			c.order.Remove(el)
			delete(c.entries, e.key)
		}
		el = prev
	}
}

// Versions tracks a monotonic counter per data source. The counter is the
// sole staleness signal for cached results: it is read at key construction
// time and bumped once per completed sync, success or failure alike.
type Versions struct {
	mu       sync.Mutex
	counters map[int64]uint64
}

// NewVersions creates an empty counter set.
func NewVersions() *Versions {
	return &Versions{counters: make(map[int64]uint64)}
}

// Current returns the counter for dsID; unseen sources and dsID 0
// (unscoped) are version 0.
func (v *Versions) Current(dsID int64) uint64 {
	if dsID == 0 {
		return 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.counters[dsID]
}

// Bump increments the counter for dsID and returns the new value.
func (v *Versions) Bump(dsID int64) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counters[dsID]++
	return v.counters[dsID]
}
