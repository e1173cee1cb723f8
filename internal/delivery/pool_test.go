package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := NewPool("test", 4, 16)
	p.Start(context.Background())

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	wg.Wait()
	p.Stop()

	if got := ran.Load(); got != 20 {
		t.Errorf("ran %d tasks, want 20", got)
	}
}

func TestPool_SubmitBlocksWhenFull(t *testing.T) {
	p := NewPool("test", 1, 1)
	p.Start(context.Background())
	defer p.Stop()

	release := make(chan struct{})
	// Occupy the single worker and fill the queue.
	p.Submit(context.Background(), func(context.Context) { <-release })
	p.Submit(context.Background(), func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) {})
	if err == nil {
		t.Error("Submit() = nil on full queue with expired context, want error")
	}
	close(release)
}

func TestPool_StopDrainsQueue(t *testing.T) {
	p := NewPool("test", 2, 8)
	p.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		p.Submit(context.Background(), func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		})
	}
	p.Stop()

	if got := ran.Load(); got != 8 {
		t.Errorf("Stop() returned with %d of 8 tasks done", got)
	}
}
