package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PoolMetrics is a point-in-time view of the worker pool counters.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

type poolCounters struct {
	queued, active, completed, failed, panics atomic.Int64
}

// WorkerPool bounds how many node runs execute at once. A run that cannot
// get a slot waits (queued) until one frees up, its context ends or the
// pool shuts down.
type WorkerPool struct {
	size     int
	sem      *semaphore.Weighted
	closing  context.Context
	shutdown context.CancelFunc

	mu     sync.Mutex // guards wg.Add against Shutdown's Wait
	wg     sync.WaitGroup
	closed bool

	n poolCounters
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	closing, shutdown := context.WithCancel(context.Background())
	return &WorkerPool{
		size:     size,
		sem:      semaphore.NewWeighted(int64(size)),
		closing:  closing,
		shutdown: shutdown,
	}
}

// Submit waits for a slot, then runs fn on its own goroutine with ctx.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.closing.Err() != nil {
		return ErrPoolShutdown
	}

	p.n.queued.Add(1)
	err := p.acquire(ctx)
	p.n.queued.Add(-1)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.n.active.Add(1)
	go p.run(ctx, fn)
	return nil
}

// acquire takes a slot, giving up when ctx ends or the pool shuts down.
func (p *WorkerPool) acquire(ctx context.Context) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	if err := p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolShutdown
	}
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.n.panics.Add(1)
			p.n.failed.Add(1)
		}
		p.n.active.Add(-1)
		p.sem.Release(1)
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.n.failed.Add(1)
		return
	}
	p.n.completed.Add(1)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions, releases queued ones and waits for
// running work to return. Safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.shutdown()
	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.size,
		Queued:    p.n.queued.Load(),
		Active:    p.n.active.Load(),
		Completed: p.n.completed.Load(),
		Failed:    p.n.failed.Load(),
		Panics:    p.n.panics.Load(),
	}
}
