package ecs

import (
	"context"
	"runtime"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds how many goroutines the dispatcher and parallel queries run at
// once. A task that finds every worker busy runs on the goroutine that
// submitted it, so nested fan-out from inside a task never waits on the pool.
type Pool struct {
	workers int
	sem     *semaphore.Weighted
}

// NewPool creates a pool of n workers. n <= 0 uses GOMAXPROCS.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		workers: n,
		sem:     semaphore.NewWeighted(int64(n)),
	}
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// acquire blocks until a worker is free. Only the dispatcher waits this way;
// tasks started from inside a worker use Group.Go, which never blocks.
func (p *Pool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *Pool) release() {
	p.sem.Release(1)
}

// chunkSize spreads rows over roughly four chunks per worker.
func (p *Pool) chunkSize(rows int) int {
	const minChunk = 64
	size := rows / (p.workers * 4)
	return max(size, minChunk)
}

// Group runs a set of tasks on the pool and waits for them.
type Group struct {
	pool *Pool
	eg   errgroup.Group

	mu        sync.Mutex
	inlineErr error
	panicked  bool
	panicVal  any
}

// Group returns an empty task group.
func (p *Pool) Group() *Group {
	return &Group{pool: p}
}

// Go runs fn on a free worker, or inline when there is none.
func (g *Group) Go(fn func() error) {
	if g.pool.sem.TryAcquire(1) {
		g.eg.Go(func() error {
			defer g.pool.release()
			return g.run(fn)
		})
		return
	}
	if err := g.run(fn); err != nil {
		g.mu.Lock()
		if g.inlineErr == nil {
			g.inlineErr = err
		}
		g.mu.Unlock()
	}
}

func (g *Group) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.mu.Lock()
			if !g.panicked {
				g.panicked = true
				g.panicVal = r
			}
			g.mu.Unlock()
			err = eris.Errorf("task panicked: %v", r)
		}
	}()
	return fn()
}

// Wait blocks until every task is done and returns the first error. If a task
// panicked, Wait panics with the same value on the calling goroutine.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	if g.panicked {
		panic(g.panicVal)
	}
	if err != nil {
		return err
	}
	return g.inlineErr
}
