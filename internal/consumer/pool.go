package consumer

import (
	"context"
	"sync"
)

// Pool bounds how many messages are processed simultaneously across every
// lattice that shares it. Acquire blocks when the pool is exhausted; that
// blocking is the engine's only backpressure and it is global, so one lattice
// saturating the pool throttles pulling for all of them.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with the given capacity. Capacities below one are
// raised to one.
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is available or ctx is done. The returned
// permit must be released exactly once; Permit.Release is safe to call more
// than once and releases only the first time.
func (p *Pool) Acquire(ctx context.Context) (*Permit, error) {
	select {
	case p.slots <- struct{}{}:
		return &Permit{pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Capacity returns the fixed number of slots.
func (p *Pool) Capacity() int { return cap(p.slots) }

// InUse returns the number of slots currently held.
func (p *Pool) InUse() int { return len(p.slots) }

// Permit is one held slot of the pool.
type Permit struct {
	pool *Pool
	once sync.Once
}

// Release returns the slot to the pool. Extra calls are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { <-p.pool.slots })
}
