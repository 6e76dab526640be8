// Package bundle implements the Bundle Executor (component 6): atomic
// check-then-apply of a set of SETs under a store-wide write lock, plus
// scheduled execution of bundles whose execute_at lies in the future.
package bundle

import (
	"container/heap"
	"context"
	"time"

	"github.com/clasp-proto/claspd/internal/claspid"
	"github.com/clasp-proto/claspd/internal/claspvalue"
	"github.com/clasp-proto/claspd/internal/clock"
	"github.com/clasp-proto/claspd/internal/store"
)

// SetOp is one SET sub-message extracted from a BUNDLE (§4.6 step 1).
type SetOp struct {
	Address          string
	Value            claspvalue.Value
	ExpectedRevision *uint64
	LockOp           store.LockOp
}

// Executor applies a batch of SetOps atomically against a Store.
type Executor struct {
	store *store.Store
}

// NewExecutor creates an Executor bound to store.
func NewExecutor(s *store.Store) *Executor {
	return &Executor{store: s}
}

// checkFeasible mirrors Store.Set's acceptance rule without mutating,
// so every address in a bundle can be validated before any is applied.
func checkFeasible(existing store.Record, present bool, expectedRevision *uint64, writer claspid.SessionID) error {
	if present && existing.HasLock && existing.LockHolder != writer {
		return store.ErrLocked
	}
	if expectedRevision != nil {
		switch {
		case *expectedRevision == 0:
			if present {
				return store.ErrConflict
			}
		case !present || existing.Revision != *expectedRevision:
			return store.ErrConflict
		}
	}
	return nil
}

// Execute runs the bundle's check-then-apply protocol (§4.6 steps 2-4): all
// addresses are checked first; if every check passes, all SETs are applied
// in order inside one store-wide write lock. On any check failure, nothing
// is applied and the first failure's error is returned. Fanout (step 5) is
// the caller's responsibility, performed with the returned records after
// Execute returns (i.e. after the critical section has released).
func (e *Executor) Execute(writer claspid.SessionID, ops []SetOp, now int64) ([]store.Record, error) {
	var applied []store.Record
	var failErr error

	e.store.WithWriteLock(func() {
		maxAddrs := e.store.MaxAddresses()
		addrCount := e.store.AddressCount()
		newAddrs := make(map[string]struct{})

		for _, op := range ops {
			existing, present := e.store.GetWithinWriteLock(op.Address)
			if err := checkFeasible(existing, present, op.ExpectedRevision, writer); err != nil {
				failErr = err
				return
			}
			if !present {
				if _, alreadyCounted := newAddrs[op.Address]; !alreadyCounted {
					newAddrs[op.Address] = struct{}{}
					if maxAddrs > 0 && addrCount+int64(len(newAddrs)) > int64(maxAddrs) {
						failErr = store.ErrAddressSpaceFull
						return
					}
				}
			}
		}
		applied = make([]store.Record, 0, len(ops))
		for _, op := range ops {
			rec, err := e.store.SetWithinWriteLock(op.Address, op.Value, op.ExpectedRevision, writer, op.LockOp, now)
			if err != nil {
				// Unreachable given the preceding check pass, but guarded
				// rather than assumed.
				failErr = err
				applied = nil
				return
			}
			applied = append(applied, rec)
		}
	})

	if failErr != nil {
		return nil, failErr
	}
	return applied, nil
}

// pending is one scheduled bundle awaiting its execute_at.
type pending struct {
	executeAt int64
	arrival   uint64
	writer    claspid.SessionID
	ops       []SetOp
	onApply   func([]store.Record, error)
}

type pendingHeap []*pending

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].executeAt != h[j].executeAt {
		return h[i].executeAt < h[j].executeAt
	}
	return h[i].arrival < h[j].arrival // ties broken by arrival order
}
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(*pending)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler parks bundles whose execute_at is in the future and executes
// them in timestamp order (ties by arrival order) via a min-heap keyed on
// execute_at, then arrival.
type Scheduler struct {
	exec  *Executor
	clock *clock.Clock
	slack int64 // microseconds; execute_at more than this far in the past runs immediately

	heap       pendingHeap
	arrivalSeq uint64

	add  chan *pending
	stop chan struct{}
	done chan struct{}
}

// NewScheduler creates a Scheduler. Call Run in its own goroutine.
func NewScheduler(exec *Executor, clk *clock.Clock, slackMicros int64) *Scheduler {
	return &Scheduler{
		exec:  exec,
		clock: clk,
		slack: slackMicros,
		add:   make(chan *pending, 64),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Schedule parks a bundle for execution at executeAt (router-time
// microseconds). onApply is invoked with the result once executed.
func (sch *Scheduler) Schedule(executeAt int64, writer claspid.SessionID, ops []SetOp, onApply func([]store.Record, error)) {
	sch.add <- &pending{
		executeAt: executeAt,
		writer:    writer,
		ops:       ops,
		onApply:   onApply,
	}
}

// Run drives the scheduler heap until Stop is called or ctx is done.
func (sch *Scheduler) Run(ctx context.Context) {
	defer close(sch.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		sch.armTimer(timer)
		select {
		case <-ctx.Done():
			return
		case <-sch.stop:
			return
		case item := <-sch.add:
			sch.arrivalSeq++
			item.arrival = sch.arrivalSeq
			now := sch.clock.NowMicros()
			if now-item.executeAt > sch.slack {
				// Past-due beyond slack: execute immediately, out of heap order.
				sch.run(item)
				continue
			}
			heap.Push(&sch.heap, item)
		case <-timer.C:
			sch.drainDue()
		}
	}
}

// armTimer resets timer to fire when the earliest scheduled bundle is due.
func (sch *Scheduler) armTimer(timer *time.Timer) {
	if len(sch.heap) == 0 {
		timer.Reset(time.Hour)
		return
	}
	now := sch.clock.NowMicros()
	delay := time.Duration(sch.heap[0].executeAt-now) * time.Microsecond
	if delay < 0 {
		delay = 0
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(delay)
}

func (sch *Scheduler) drainDue() {
	now := sch.clock.NowMicros()
	for len(sch.heap) > 0 && sch.heap[0].executeAt <= now {
		item := heap.Pop(&sch.heap).(*pending)
		sch.run(item)
	}
}

func (sch *Scheduler) run(item *pending) {
	applied, err := sch.exec.Execute(item.writer, item.ops, sch.clock.NowMicros())
	if item.onApply != nil {
		item.onApply(applied, err)
	}
}

// Stop halts the scheduler; any bundles still parked in the heap are
// discarded (the router is expected to have drained or is shutting down).
func (sch *Scheduler) Stop() {
	close(sch.stop)
	<-sch.done
}

// Pending returns the number of bundles currently parked, for tests and
// diagnostics.
func (sch *Scheduler) Pending() int { return len(sch.heap) }
