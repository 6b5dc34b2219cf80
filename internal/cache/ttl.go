package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTLCache is a thread-safe, size-bounded LRU cache with per-entry TTL
// expiration. It bounds memory for caches keyed by high-cardinality ids
// (model responses during repeated evaluation runs).
type TTLCache[K comparable, V any] struct {
	mu     sync.Mutex
	cache  *lru.Cache[K, *entry[V]]
	ttl    time.Duration
	hits   uint64
	misses uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a TTL cache holding at most size entries. ttl <= 0 disables
// expiration.
func New[K comparable, V any](size int, ttl time.Duration) (*TTLCache[K, V], error) {
	inner, err := lru.New[K, *entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &TTLCache[K, V]{cache: inner, ttl: ttl}, nil
}

// Get returns the cached value if present and unexpired. Expired entries
// are removed on access.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(key)
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		c.cache.Remove(key)
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.cache.Add(key, &entry[V]{value: value, expiresAt: expiresAt})
}

// Len returns the number of entries currently held, expired or not.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// HitRate returns the fraction of Gets served from cache.
func (c *TTLCache[K, V]) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Purge removes all entries.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}
