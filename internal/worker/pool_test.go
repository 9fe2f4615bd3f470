package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolProcessesJob(t *testing.T) {
	jobs := make(chan string, 1)
	processed := atomic.Int32{}
	var (
		mu   sync.Mutex
		seen []string
	)
	handle := func(ctx context.Context, job string) {
		mu.Lock()
		seen = append(seen, job)
		mu.Unlock()
		processed.Add(1)
	}

	p := NewPool(jobs, handle, WithWorkerCount(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := p.Start(ctx)

	jobs <- "192.0.2.53"

	deadline := time.NewTimer(200 * time.Millisecond)
	defer deadline.Stop()

	for {
		if processed.Load() > 0 {
			break
		}
		select {
		case <-deadline.C:
			t.Fatalf("timeout waiting for job to process")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	close(jobs)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "192.0.2.53" {
		t.Fatalf("unexpected jobs %v", seen)
	}
}

func TestWorkerCountDefaults(t *testing.T) {
	p := NewPool[int](nil, nil, WithWorkerCount(-3))
	if p.WorkerCount() < 1 {
		t.Fatalf("expected at least one worker, got %d", p.WorkerCount())
	}
	if got := NewPool[int](nil, nil, WithWorkerCount(10)).WorkerCount(); got != 10 {
		t.Fatalf("expected 10 workers, got %d", got)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var (
		active  atomic.Int32
		peak    atomic.Int32
		handled atomic.Int32
	)
	items := make([]int, 25)
	handle := func(ctx context.Context, _ int) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		handled.Add(1)
	}
	if err := Run(context.Background(), items, handle, WithWorkerCount(3)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled.Load() != 25 {
		t.Fatalf("expected 25 handled, got %d", handled.Load())
	}
	if peak.Load() > 3 {
		t.Fatalf("concurrency exceeded: %d", peak.Load())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, []int{1, 2, 3}, func(context.Context, int) {}, WithWorkerCount(1))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
