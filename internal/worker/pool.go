// Package worker runs a fixed number of goroutines over a job channel.
package worker

import (
	"context"
	"runtime"
	"sync"
)

// Handler processes one job. Failures are the handler's to report.
type Handler[J any] func(context.Context, J)

type Pool[J any] struct {
	jobs        <-chan J
	handle      Handler[J]
	workerCount int
}

type poolConfig struct {
	workerCount int
}

type PoolOption func(*poolConfig)

func WithWorkerCount(n int) PoolOption {
	return func(c *poolConfig) {
		if n > 0 {
			c.workerCount = n
		}
	}
}

func NewPool[J any](jobs <-chan J, handle Handler[J], opts ...PoolOption) *Pool[J] {
	cfg := poolConfig{workerCount: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workerCount <= 0 {
		cfg.workerCount = 1
	}
	if handle == nil {
		handle = func(context.Context, J) {}
	}
	return &Pool[J]{jobs: jobs, handle: handle, workerCount: cfg.workerCount}
}

func (p *Pool[J]) WorkerCount() int {
	return p.workerCount
}

// Start launches the workers. They exit when jobs is closed or ctx ends.
func (p *Pool[J]) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	return &wg
}

func (p *Pool[J]) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.handle(ctx, job)
		}
	}
}

// Run feeds items through a pool and waits for every handler to return.
func Run[J any](ctx context.Context, items []J, handle Handler[J], opts ...PoolOption) error {
	jobs := make(chan J)
	wg := NewPool(jobs, handle, opts...).Start(ctx)

	var err error
feed:
	for _, item := range items {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case jobs <- item:
		}
	}
	close(jobs)
	wg.Wait()
	return err
}
