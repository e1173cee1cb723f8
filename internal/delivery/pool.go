package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Pool is a bounded worker pool with a fixed-size queue. Submit blocks when
// the queue is full, so a slow provider applies backpressure to the bus
// consumer instead of growing memory without bound.
type Pool struct {
	name  string
	queue chan func(context.Context)
	size  int

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(name string, workers, queueSize int) *Pool {
	return &Pool{
		name:  name,
		queue: make(chan func(context.Context), queueSize),
		size:  workers,
	}
}

// Start launches the workers. Tasks run with the given context; cancelling it
// makes in-flight tasks return early but does not drop queued tasks.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
		slog.Info("Started delivery pool", "pool", p.name, "workers", p.size, "queue", cap(p.queue))
	})
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.queue {
		task(ctx)
	}
}

// Submit enqueues a task, blocking while the queue is full. Returns the
// context's error if the caller gives up first.
func (p *Pool) Submit(ctx context.Context, task func(context.Context)) error {
	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool %s: submit cancelled: %w", p.name, ctx.Err())
	}
}

// Stop closes the queue and waits for queued tasks to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
		slog.Info("Stopped delivery pool", "pool", p.name)
	})
}
