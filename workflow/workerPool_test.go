package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_RunsEverySubmittedTask(t *testing.T) {
	pool := NewWorkerPool()
	pool.Start(context.Background())

	const total = 500
	var done int64
	var wg sync.WaitGroup
	wg.Add(total)
	for i := 0; i < total; i++ {
		pool.Submit(func() {
			atomic.AddInt64(&done, 1)
			wg.Done()
		})
	}
	wg.Wait()
	pool.Stop()

	if done != total {
		t.Fatalf("ran %d of %d tasks", done, total)
	}
}

// With core workers blocked and the queue full, Submit must degrade to
// running tasks on the caller instead of dropping them.
func TestWorkerPool_CallerRunsWhenSaturated(t *testing.T) {
	pool := &WorkerPool{
		CoreWorkers:  1,
		BurstWorkers: 0,
		QueueDepth:   1,
	}
	pool.Start(context.Background())

	block := make(chan struct{})
	pool.Submit(func() { <-block }) // occupies the single worker
	time.Sleep(50 * time.Millisecond)
	pool.Submit(func() {}) // fills the queue

	ranInline := false
	finished := make(chan struct{})
	go func() {
		pool.Submit(func() { ranInline = true })
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("saturated Submit must not block forever")
	}
	if !ranInline {
		t.Fatalf("expected caller-runs execution under saturation")
	}

	close(block)
	pool.Stop()
}

func TestWorkerPool_BurstWorkersDrainBacklog(t *testing.T) {
	pool := &WorkerPool{
		CoreWorkers:  1,
		BurstWorkers: 4,
		QueueDepth:   2,
	}
	pool.Start(context.Background())

	const total = 50
	var done int64
	var wg sync.WaitGroup
	wg.Add(total)
	for i := 0; i < total; i++ {
		pool.Submit(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&done, 1)
			wg.Done()
		})
	}
	wg.Wait()
	pool.Stop()

	if done != total {
		t.Fatalf("ran %d of %d tasks", done, total)
	}
}
