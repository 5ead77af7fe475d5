package localcache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestGetPut(t *testing.T) {
	c := New[string, int](10, time.Minute, 0)

	if _, ok := c.Get("a"); ok {
		t.Fatal("Get on empty cache should miss")
	}

	c.Put("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v; want 1, true", v, ok)
	}
}

func TestExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New[string, string](10, time.Minute, 0)
	c.SetClock(clk.Now)

	c.Put("k", "v")

	clk.Advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	clk.Advance(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should have expired")
	}
	if c.EstimatedLen() != 0 {
		t.Errorf("expired entry should be dropped on observation, len = %d", c.EstimatedLen())
	}
}

func TestReadsDoNotExtendExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New[string, string](10, time.Minute, 0)
	c.SetClock(clk.Now)

	c.Put("k", "v")

	// Read repeatedly right up to the TTL; the expiry must not move.
	for i := 0; i < 5; i++ {
		clk.Advance(11 * time.Second)
		c.Get("k")
	}
	clk.Advance(10 * time.Second) // 65s total
	if _, ok := c.Get("k"); ok {
		t.Fatal("reads must not extend entry lifetime")
	}
}

func TestJitterBounds(t *testing.T) {
	clk := newFakeClock()
	const ttl = 100 * time.Second
	const jitter = 0.2

	c := New[int, int](2048, ttl, jitter)
	c.SetClock(clk.Now)
	c.SetRandSeed(42)

	// All entries must survive below ttl*(1-j) and none beyond ttl*(1+j).
	for i := 0; i < 1000; i++ {
		c.Put(i, i)
	}

	clk.Advance(79 * time.Second) // < 80s = ttl*(1-j)
	for i := 0; i < 1000; i++ {
		if _, ok := c.Get(i); !ok {
			t.Fatalf("entry %d expired at %v, below the minimum jittered TTL", i, 79*time.Second)
		}
	}

	clk.Advance(42 * time.Second) // 121s > 120s = ttl*(1+j)
	for i := 0; i < 1000; i++ {
		if _, ok := c.Get(i); ok {
			t.Fatalf("entry %d alive at %v, beyond the maximum jittered TTL", i, 121*time.Second)
		}
	}
}

func TestJitterSpreadsExpiry(t *testing.T) {
	clk := newFakeClock()
	const ttl = 100 * time.Second

	c := New[int, int](2048, ttl, 0.5)
	c.SetClock(clk.Now)
	c.SetRandSeed(1)

	for i := 0; i < 1000; i++ {
		c.Put(i, i)
	}

	// At exactly ttl, roughly half the entries should be gone. With 1000
	// samples the below bounds have effectively no flake risk.
	clk.Advance(ttl)
	alive := 0
	for i := 0; i < 1000; i++ {
		if _, ok := c.Get(i); ok {
			alive++
		}
	}
	if alive < 300 || alive > 700 {
		t.Errorf("alive at ttl = %d of 1000; jitter is not spreading expiry", alive)
	}
}

func TestJitterFactorClamped(t *testing.T) {
	clk := newFakeClock()
	c := New[string, int](10, 100*time.Second, 3.0) // clamped to 0.5
	c.SetClock(clk.Now)
	c.SetRandSeed(7)

	c.Put("k", 1)
	clk.Advance(49 * time.Second) // < ttl*(1-0.5)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired below ttl*(1-0.5); jitter factor not clamped")
	}
}

func TestInvalidate(t *testing.T) {
	c := New[string, int](10, time.Minute, 0)
	c.Put("a", 1)
	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("Invalidate should drop the entry")
	}
	// Invalidating an absent key is a no-op.
	c.Invalidate("missing")
}

func TestLRUBound(t *testing.T) {
	c := New[int, int](4, time.Minute, 0)
	for i := 0; i < 10; i++ {
		c.Put(i, i)
	}
	if got := c.EstimatedLen(); got != 4 {
		t.Errorf("EstimatedLen = %d, want 4", got)
	}
	if c.Evictions() != 6 {
		t.Errorf("Evictions = %d, want 6", c.Evictions())
	}
	// Oldest entries evicted first.
	for i := 0; i < 6; i++ {
		if _, ok := c.Get(i); ok {
			t.Errorf("entry %d should have been LRU-evicted", i)
		}
	}
	for i := 6; i < 10; i++ {
		if _, ok := c.Get(i); !ok {
			t.Errorf("entry %d should still be present", i)
		}
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	clk := newFakeClock()
	c := New[string, int](10, 0, 0.3)
	c.SetClock(clk.Now)

	c.Put("k", 1)
	clk.Advance(1000 * time.Hour)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("zero TTL entries must not time-expire")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](128, time.Minute, 0.1)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("key-%d", i%64)
				c.Put(k, i)
				c.Get(k)
				if i%100 == 0 {
					c.Invalidate(k)
				}
			}
		}(g)
	}
	wg.Wait()
}
