package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clasp-proto/claspd/internal/telemetry"
)

func newTestPool(workers, queueSize int) *Pool {
	return New(workers, queueSize, telemetry.NewLogger(telemetry.LoggerConfig{}))
}

func TestSubmitExecutesTask(t *testing.T) {
	p := newTestPool(2, 4)
	p.Start(context.Background())
	defer p.Stop()

	done := make(chan struct{})
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run within 1s")
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	p := newTestPool(1, 1)
	// No Start(): nothing drains the queue, so it fills and overflows.
	block := make(chan struct{})
	p.taskQueue <- func() { <-block }

	for i := 0; i < 5; i++ {
		p.Submit(func() {})
	}
	close(block)

	if p.DroppedTasks() == 0 {
		t.Fatal("expected at least one dropped task once the queue filled")
	}
}

func TestStopWaitsForRunningTasksAndStopsWorkers(t *testing.T) {
	p := newTestPool(4, 16)
	p.Start(context.Background())

	var ran int64
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		p.Submit(func() {
			atomic.AddInt64(&ran, 1)
			wg.Done()
		})
	}
	wg.Wait()
	p.Stop()

	if atomic.LoadInt64(&ran) != 10 {
		t.Fatalf("ran = %d, want 10", ran)
	}
}

func TestRunTaskRecoversPanic(t *testing.T) {
	p := newTestPool(1, 1)
	p.Start(context.Background())
	defer p.Stop()

	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stalled after a panicking task")
	}
}

func TestQueueDepthAndCapacity(t *testing.T) {
	p := newTestPool(1, 8)
	if p.QueueCapacity() != 8 {
		t.Fatalf("QueueCapacity() = %d, want 8", p.QueueCapacity())
	}
	block := make(chan struct{})
	p.taskQueue <- func() { <-block }
	close(block)
	if p.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1", p.QueueDepth())
	}
}
