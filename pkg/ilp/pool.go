package ilp

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of models solved at the same time. It is safe for
// concurrent use.
type Pool struct {
	backend Backend
	sem     *semaphore.Weighted
	size    int64
	active  atomic.Int64
	peak    atomic.Int64
}

// NewPool creates a pool running at most workers solves at once. workers
// <= 0 means one per CPU.
func NewPool(b Backend, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{backend: b, sem: semaphore.NewWeighted(int64(workers)), size: int64(workers)}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return int(p.size)
}

// Solve waits for a free worker and solves m on it.
func (p *Pool) Solve(ctx context.Context, m *Model) (*Solution, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return p.backend.Solve(ctx, m)
}

// Peak returns the largest number of solves that ran at the same time.
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}
