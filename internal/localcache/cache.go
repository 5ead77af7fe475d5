// Package localcache provides a size-bounded LRU cache with per-entry
// jittered TTL. Jitter spreads entry expiry across instances so that a
// fleet restarting or warming together does not refresh against the
// backing store at the same moment.
package localcache

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	simplelru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// maxJitterFactor caps the configured jitter; beyond 0.5 an entry could
// expire immediately or live twice its TTL, which defeats the point.
const maxJitterFactor = 0.5

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache maps K to V with LRU size bounding and per-entry expiry of
// ttl × (1 + ε), ε ~ Uniform(-jitter, +jitter). Reads never extend expiry.
type Cache[K comparable, V any] struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[K, *entry[V]]
	ttl    time.Duration
	jitter float64

	now   func() time.Time
	rnd   *rand.Rand
	rndMu sync.Mutex

	evictions atomic.Int64
}

// New creates a cache holding at most maxEntries values with the given ttl
// and jitter factor. jitter is clamped to [0, 0.5]. A non-positive ttl
// disables time-based expiry; entries then live until LRU eviction.
func New[K comparable, V any](maxEntries int, ttl time.Duration, jitter float64) *Cache[K, V] {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > maxJitterFactor {
		jitter = maxJitterFactor
	}
	c := &Cache[K, V]{
		ttl:    ttl,
		jitter: jitter,
		now:    time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	lru, _ := simplelru.NewLRU[K, *entry[V]](maxEntries, func(K, *entry[V]) {
		c.evictions.Add(1)
	})
	c.lru = lru
	return c
}

// SetClock replaces the time source. Call before use; not synchronized
// against concurrent operations.
func (c *Cache[K, V]) SetClock(now func() time.Time) {
	c.now = now
}

// SetRandSeed makes jitter deterministic for tests.
func (c *Cache[K, V]) SetRandSeed(seed int64) {
	c.rndMu.Lock()
	c.rnd = rand.New(rand.NewSource(seed))
	c.rndMu.Unlock()
}

// Get returns the value for k if present and not expired. Expired entries
// are dropped on observation.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(k)
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.lru.Remove(k)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores v under k. Expiry is scheduled once, at insertion; later
// reads or re-insertions of other keys do not move it.
func (c *Cache[K, V]) Put(k K, v V) {
	e := &entry[V]{value: v}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.jitteredTTL())
	}
	c.mu.Lock()
	c.lru.Add(k, e)
	c.mu.Unlock()
}

// Invalidate drops k immediately. Dropping an absent key is a no-op.
func (c *Cache[K, V]) Invalidate(k K) {
	c.mu.Lock()
	c.lru.Remove(k)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// EstimatedLen reports the current entry count. Expired-but-unobserved
// entries are included, so the value may lag reality.
func (c *Cache[K, V]) EstimatedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Evictions returns the number of LRU evictions since creation.
func (c *Cache[K, V]) Evictions() int64 {
	return c.evictions.Load()
}

func (c *Cache[K, V]) jitteredTTL() time.Duration {
	if c.jitter == 0 {
		return c.ttl
	}
	c.rndMu.Lock()
	eps := (c.rnd.Float64()*2 - 1) * c.jitter
	c.rndMu.Unlock()
	return time.Duration(float64(c.ttl) * (1 + eps))
}
