package workflow

import (
	"context"
	"sync"
	"sync/atomic"
)

// WorkerPool bounds concurrent notification deliveries. A fixed core of
// workers drains a buffered queue; when the queue backs up, extra burst
// workers spin up to the configured ceiling and exit once the queue drains.
// When queue and burst capacity are both exhausted the submitting goroutine
// runs the task itself, so the dispatcher slows down instead of dropping
// work.
type WorkerPool struct {
	CoreWorkers  int
	BurstWorkers int
	QueueDepth   int

	queue   chan func()
	wg      sync.WaitGroup
	burst   int32
	started bool
	mu      sync.Mutex
	cancel  context.CancelFunc
}

func NewWorkerPool() *WorkerPool {
	return &WorkerPool{
		CoreWorkers:  5,
		BurstWorkers: 15,
		QueueDepth:   100,
	}
}

func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.queue = make(chan func(), p.QueueDepth)

	for i := 0; i < p.CoreWorkers; i++ {
		p.wg.Add(1)
		go p.coreWorker(ctx)
	}
}

func (p *WorkerPool) coreWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			task()
		}
	}
}

// burstWorker drains the queue and exits as soon as it runs dry.
func (p *WorkerPool) burstWorker() {
	defer p.wg.Done()
	defer atomic.AddInt32(&p.burst, -1)
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			task()
		default:
			return
		}
	}
}

// Submit enqueues a task. On a full queue it first tries to add a burst
// worker; if the burst ceiling is reached the caller runs the task inline.
func (p *WorkerPool) Submit(task func()) {
	select {
	case p.queue <- task:
		return
	default:
	}

	if n := atomic.AddInt32(&p.burst, 1); int(n) <= p.BurstWorkers {
		p.wg.Add(1)
		go p.burstWorker()
	} else {
		atomic.AddInt32(&p.burst, -1)
	}

	select {
	case p.queue <- task:
	default:
		// caller-runs backpressure
		task()
	}
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	p.cancel()
	close(p.queue)
	p.wg.Wait()
}
