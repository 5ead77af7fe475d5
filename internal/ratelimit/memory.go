package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aussielabs/aussie/internal/hashutil"
)

const numShards = 64

// MemoryProvider keeps token buckets in a sharded in-process map. It is
// the priority-0 provider: always available, and the fallback when the
// distributed provider degrades.
type MemoryProvider struct {
	shards [numShards]bucketShard

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

type bucketShard struct {
	mu    sync.Mutex
	items map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
	window time.Duration

	windowStart time.Time
	count       int64
}

// NewMemoryProvider creates the in-memory provider and starts its
// janitor goroutine. Close stops the janitor.
func NewMemoryProvider() *MemoryProvider {
	p := &MemoryProvider{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i].items = make(map[string]*bucket)
	}
	go p.janitor(5 * time.Minute)
	return p
}

// SetClock replaces the time source for tests. Call before use.
func (p *MemoryProvider) SetClock(now func() time.Time) { p.now = now }

func (p *MemoryProvider) Name() string { return "memory" }

func (p *MemoryProvider) Priority() int { return 0 }

func (p *MemoryProvider) Available(context.Context) bool { return true }

func (p *MemoryProvider) Close() error {
	p.once.Do(func() { close(p.stop) })
	return nil
}

// Check refills the key's bucket for elapsed time and consumes one token
// if available. Updates are serialized per shard, so two concurrent
// callers on the same key observe distinct token states.
func (p *MemoryProvider) Check(_ context.Context, key Key, eff Effective) (Decision, error) {
	now := p.now()
	rate := float64(eff.RequestsPerWindow)
	window := time.Duration(eff.WindowSeconds) * time.Second
	burst := float64(eff.Burst())

	s := &p.shards[hashutil.Shard(key.String(), numShards)]
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.items[key.String()]
	if !ok {
		b = &bucket{tokens: burst, last: now, windowStart: now}
		s.items[key.String()] = b
	}
	b.window = window

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate / window.Seconds()
		if b.tokens > burst {
			b.tokens = burst
		}
		b.last = now
	}
	if now.Sub(b.windowStart) >= window {
		b.windowStart = now
		b.count = 0
	}
	b.count++

	d := Decision{
		Limit:        int64(eff.RequestsPerWindow),
		Window:       int64(eff.WindowSeconds),
		ResetAt:      b.last.Add(window).Unix(),
		RequestCount: b.count,
	}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int64(b.tokens)
		return d, nil
	}
	retry := int64(math.Ceil((1 - b.tokens) * window.Seconds() / rate))
	if retry < 1 {
		retry = 1
	}
	d.RetryAfter = retry
	return d, nil
}

// janitor sweeps buckets idle for two windows. Idle buckets are full
// again on next use, so dropping them is invisible to callers.
func (p *MemoryProvider) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			now := p.now()
			for i := range p.shards {
				s := &p.shards[i]
				s.mu.Lock()
				for k, b := range s.items {
					cutoff := 2 * b.window
					if cutoff < time.Minute {
						cutoff = time.Minute
					}
					if now.Sub(b.last) > cutoff {
						delete(s.items, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}

// Len reports the bucket count across shards.
func (p *MemoryProvider) Len() int {
	n := 0
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
