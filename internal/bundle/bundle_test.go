package bundle

import (
	"context"
	"testing"
	"time"

	"github.com/clasp-proto/claspd/internal/claspid"
	"github.com/clasp-proto/claspd/internal/claspvalue"
	"github.com/clasp-proto/claspd/internal/clock"
	"github.com/clasp-proto/claspd/internal/store"
)

func u64(v uint64) *uint64 { return &v }

func TestExecuteAppliesAllOnSuccess(t *testing.T) {
	s := store.New()
	e := NewExecutor(s)

	ops := []SetOp{
		{Address: "/a", Value: claspvalue.Int(1)},
		{Address: "/b", Value: claspvalue.Int(2)},
	}
	applied, err := e.Execute(claspid.SessionID(1), ops, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied records, got %d", len(applied))
	}
	recA, _ := s.Get("/a")
	recB, _ := s.Get("/b")
	if recA.Revision != 1 || recB.Revision != 1 {
		t.Fatalf("expected both addresses at revision 1, got %d %d", recA.Revision, recB.Revision)
	}
}

func TestExecuteAppliesNothingOnAnyFailure(t *testing.T) {
	s := store.New()
	// Pre-populate /b at revision 1 so a stale expected_revision=5 conflicts.
	if _, err := s.Set("/b", claspvalue.Int(0), nil, 1, store.LockOp{}, 0); err != nil {
		t.Fatal(err)
	}

	e := NewExecutor(s)
	ops := []SetOp{
		{Address: "/a", Value: claspvalue.Int(1)},
		{Address: "/b", Value: claspvalue.Int(2), ExpectedRevision: u64(5)},
	}
	_, err := e.Execute(claspid.SessionID(1), ops, 0)
	if err != store.ErrConflict {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	if _, ok := s.Get("/a"); ok {
		t.Fatal("/a must not have been applied: bundle is all-or-nothing")
	}
}

func TestExecuteRejectsBundleExceedingAddressSpaceCapBeforeApplyingAny(t *testing.T) {
	s := store.New()
	s.SetMaxAddresses(1)
	if _, err := s.Set("/existing", claspvalue.Int(0), nil, 1, store.LockOp{}, 0); err != nil {
		t.Fatal(err)
	}

	e := NewExecutor(s)
	ops := []SetOp{
		{Address: "/existing", Value: claspvalue.Int(1)},
		{Address: "/new", Value: claspvalue.Int(1)},
	}
	_, err := e.Execute(claspid.SessionID(1), ops, 0)
	if err != store.ErrAddressSpaceFull {
		t.Fatalf("got %v, want ErrAddressSpaceFull", err)
	}
	if rec, _ := s.Get("/existing"); rec.Revision != 1 {
		t.Fatalf("/existing must not have been re-applied: bundle is all-or-nothing, got revision %d", rec.Revision)
	}
	if _, ok := s.Get("/new"); ok {
		t.Fatal("/new must not have been created: bundle is all-or-nothing")
	}
}

func TestExecuteRejectsBundleWhoseOwnNewAddressesExceedCap(t *testing.T) {
	s := store.New()
	s.SetMaxAddresses(1) // room for exactly one address, currently empty

	e := NewExecutor(s)
	ops := []SetOp{
		{Address: "/a", Value: claspvalue.Int(1)},
		{Address: "/b", Value: claspvalue.Int(1)},
	}
	_, err := e.Execute(claspid.SessionID(1), ops, 0)
	if err != store.ErrAddressSpaceFull {
		t.Fatalf("got %v, want ErrAddressSpaceFull", err)
	}
	if _, ok := s.Get("/a"); ok {
		t.Fatal("/a must not have been applied: the bundle as a whole exceeds the cap")
	}
	if _, ok := s.Get("/b"); ok {
		t.Fatal("/b must not have been applied: the bundle as a whole exceeds the cap")
	}
}

func TestExecuteRespectsLockHolder(t *testing.T) {
	s := store.New()
	if _, err := s.Set("/locked", claspvalue.Int(0), nil, 99, store.LockOp{Lock: true}, 0); err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(s)
	_, err := e.Execute(claspid.SessionID(1), []SetOp{{Address: "/locked", Value: claspvalue.Int(1)}}, 0)
	if err != store.ErrLocked {
		t.Fatalf("got %v, want ErrLocked", err)
	}
}

func TestSchedulerExecutesInTimestampOrder(t *testing.T) {
	s := store.New()
	e := NewExecutor(s)
	clk := clock.New()
	sch := NewScheduler(e, clk, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go sch.Run(ctx)
	defer cancel()

	order := make(chan string, 2)
	now := clk.NowMicros()
	sch.Schedule(now+40_000, claspid.SessionID(1), []SetOp{{Address: "/second", Value: claspvalue.Int(2)}}, func(r []store.Record, err error) {
		order <- "second"
	})
	sch.Schedule(now+10_000, claspid.SessionID(1), []SetOp{{Address: "/first", Value: claspvalue.Int(1)}}, func(r []store.Record, err error) {
		order <- "first"
	})

	first := <-order
	second := <-order
	if first != "first" || second != "second" {
		t.Fatalf("got order %s, %s; want first, second", first, second)
	}
}

func TestSchedulerRunsPastDueBeyondSlackImmediately(t *testing.T) {
	s := store.New()
	e := NewExecutor(s)
	clk := clock.New()
	sch := NewScheduler(e, clk, 1000) // 1ms slack

	ctx, cancel := context.WithCancel(context.Background())
	go sch.Run(ctx)
	defer cancel()

	done := make(chan struct{})
	// executeAt far in the past relative to now: must run immediately, not
	// wait for a timer tick that would never naturally fire for a past time.
	sch.Schedule(clk.NowMicros()-1_000_000, claspid.SessionID(1), []SetOp{{Address: "/x", Value: claspvalue.Int(1)}}, func(r []store.Record, err error) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected past-due-beyond-slack bundle to execute immediately")
	}
}
