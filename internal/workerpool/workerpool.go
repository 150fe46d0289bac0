// Package workerpool bounds the number of object-store calls in flight across
// all concurrent jobs of the process.
package workerpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is the number of concurrent part copies allowed per process.
const DefaultSize = 50

// Pool is a process-wide concurrency limit shared by every job that uses it.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
}

func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the configured limit.
func (p *Pool) Size() int {
	return int(p.size)
}

// InUse returns the number of slots currently held.
func (p *Pool) InUse() int {
	return int(p.active.Load())
}

// Do runs fn once a slot is available. It returns ctx.Err() if ctx ends
// before a slot frees up.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.sem.Release(1)
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Run executes fn for i in [0, n) on the pool. The first error cancels the
// context passed to the remaining calls; calls that have not yet acquired a
// slot are skipped. Run returns the first error.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return p.Do(gctx, func(ctx context.Context) error {
				return fn(ctx, i)
			})
		})
	}
	return g.Wait()
}
