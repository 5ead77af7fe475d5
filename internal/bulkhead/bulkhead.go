// Package bulkhead isolates dependencies behind bounded concurrency
// pools so one slow collaborator cannot drain the whole process.
package bulkhead

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrFull is returned when the pool has no free slot and the caller
// does not want to wait.
var ErrFull = errors.New("bulkhead: pool exhausted")

// Pool is a counting semaphore guarding one dependency. Exhaustion is
// load shedding, not a health signal.
type Pool struct {
	name  string
	slots chan struct{}

	inUse    atomic.Int64
	rejected atomic.Int64

	// onChange observes occupancy for the in-use gauge. Optional.
	onChange func(name string, inUse int64)
}

// NewPool creates a pool with the given capacity; capacity <= 0 means
// unbounded (the pool becomes a no-op).
func NewPool(name string, capacity int) *Pool {
	p := &Pool{name: name}
	if capacity > 0 {
		p.slots = make(chan struct{}, capacity)
	}
	return p
}

// OnChange registers an occupancy observer.
func (p *Pool) OnChange(fn func(name string, inUse int64)) { p.onChange = fn }

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Capacity returns the configured slot count; 0 means unbounded.
func (p *Pool) Capacity() int { return cap(p.slots) }

// InUse returns the currently held slot count.
func (p *Pool) InUse() int64 { return p.inUse.Load() }

// Rejected returns how many acquisitions were refused.
func (p *Pool) Rejected() int64 { return p.rejected.Load() }

// Acquire takes a slot, waiting until one frees or ctx is done. The
// returned release function must be called exactly once.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	if p.slots == nil {
		return func() {}, nil
	}
	select {
	case p.slots <- struct{}{}:
		return p.acquired(), nil
	default:
	}
	select {
	case p.slots <- struct{}{}:
		return p.acquired(), nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return nil, ctx.Err()
	}
}

// TryAcquire takes a slot without waiting; ErrFull when none is free.
func (p *Pool) TryAcquire() (func(), error) {
	if p.slots == nil {
		return func() {}, nil
	}
	select {
	case p.slots <- struct{}{}:
		return p.acquired(), nil
	default:
		p.rejected.Add(1)
		return nil, ErrFull
	}
}

func (p *Pool) acquired() func() {
	n := p.inUse.Add(1)
	if p.onChange != nil {
		p.onChange(p.name, n)
	}
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		<-p.slots
		n := p.inUse.Add(-1)
		if p.onChange != nil {
			p.onChange(p.name, n)
		}
	}
}

// Set groups the process's pools for readiness reporting.
type Set struct {
	Backend   *Pool
	RateLimit *Pool
	Sessions  *Pool
	JWKS      *Pool
}

// All returns the pools in a stable order, skipping nil entries.
func (s *Set) All() []*Pool {
	pools := make([]*Pool, 0, 4)
	for _, p := range []*Pool{s.Backend, s.RateLimit, s.Sessions, s.JWKS} {
		if p != nil {
			pools = append(pools, p)
		}
	}
	return pools
}
