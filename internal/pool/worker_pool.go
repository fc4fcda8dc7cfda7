// Package pool bounds concurrent capability invocations process-wide so
// CPU-bound nodes cannot starve the network loop.
package pool

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a unit of work executed on the pool.
type Task func(ctx context.Context) error

// WorkerPool caps concurrent task execution with a weighted semaphore.
// Run blocks until a slot frees up or ctx is cancelled, which gives the
// executor natural backpressure instead of an unbounded queue.
type WorkerPool struct {
	sem    *semaphore.Weighted
	closed atomic.Bool

	// counters
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a pool with maxWorkers slots.
func New(maxWorkers int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 64
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(maxWorkers))}
}

// Run executes task synchronously once a slot is available. The slot is held
// for the duration of the task.
func (p *WorkerPool) Run(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.submitted.Add(1)
	err := task(ctx)
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	return err
}

// Close rejects further submissions. In-flight tasks finish normally.
func (p *WorkerPool) Close() {
	p.closed.Store(true)
}

// Counters reports lifetime submission statistics.
func (p *WorkerPool) Counters() (submitted, completed, failed int64) {
	return p.submitted.Load(), p.completed.Load(), p.failed.Load()
}
