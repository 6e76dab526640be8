// Package workerpool bounds the number of goroutines doing fanout and
// bridge-ingest work concurrently, grounded in the teacher's worker pool.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of work submitted to the pool.
type Task func()

// Pool runs a fixed number of worker goroutines pulling from a bounded
// queue. When the queue is full, Submit drops the task rather than spawn
// unbounded goroutines — fanout under overload degrades by shedding work,
// not by exhausting memory.
type Pool struct {
	workerCount int
	taskQueue   chan Task
	logger      zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped int64
}

// New builds a pool with workerCount workers and a queue holding queueSize
// pending tasks.
func New(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. Must be called once before Submit.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.taskQueue:
			p.runTask(task)
		case <-ctx.Done():
			p.logger.Debug().Msg("worker shutting down")
			return
		}
	}
}

func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("worker pool task panicked, worker continues")
		}
	}()
	task()
}

// Submit enqueues a task for asynchronous execution. If the queue is full,
// the task is dropped and the dropped-task counter is incremented — this is
// the pool's backpressure valve.
func (p *Pool) Submit(task Task) {
	select {
	case p.taskQueue <- task:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// Stop signals all workers to exit and blocks until they have drained their
// current task and returned. A second call returns at once: cancel is
// idempotent and the workers have already exited.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// DroppedTasks returns the total number of tasks dropped because the queue
// was full.
func (p *Pool) DroppedTasks() int64 { return atomic.LoadInt64(&p.dropped) }

// QueueDepth returns the number of tasks currently queued.
func (p *Pool) QueueDepth() int { return len(p.taskQueue) }

// QueueCapacity returns the queue's maximum capacity.
func (p *Pool) QueueCapacity() int { return cap(p.taskQueue) }
