package coalesce

import (
	"testing"
	"time"

	"github.com/clasp-proto/claspd/internal/claspwire"
)

func moveMsg(addr, gid string, seq int) claspwire.Message {
	return claspwire.Message{
		Code:      claspwire.CodePublish,
		SigKind:   claspwire.SignalGesture,
		Signal:    claspwire.PhaseMove,
		Address:   addr,
		GestureID: gid,
	}
}

func TestNonGestureMessagesPassThroughImmediately(t *testing.T) {
	c := New(time.Hour, 4) // long interval: anything delivered must be a pass-through
	msg := claspwire.Message{Code: claspwire.CodePublish, SigKind: claspwire.SignalEvent, Address: "/a"}
	c.Submit(msg)

	select {
	case got := <-c.Out():
		if got.Address != "/a" {
			t.Fatalf("got %+v", got)
		}
	default:
		t.Fatal("expected immediate delivery of non-gesture message")
	}
}

func TestBeginAndEndAreNeverDropped(t *testing.T) {
	c := New(time.Hour, 4)
	begin := claspwire.Message{Code: claspwire.CodePublish, SigKind: claspwire.SignalGesture, Signal: claspwire.PhaseBegin, Address: "/a", GestureID: "g1"}
	end := claspwire.Message{Code: claspwire.CodePublish, SigKind: claspwire.SignalGesture, Signal: claspwire.PhaseEnd, Address: "/a", GestureID: "g1"}

	c.Submit(begin)
	c.Submit(end)

	first := <-c.Out()
	second := <-c.Out()
	if first.Signal != claspwire.PhaseBegin || second.Signal != claspwire.PhaseEnd {
		t.Fatalf("expected begin then end, got %v then %v", first.Signal, second.Signal)
	}
}

func TestMoveSamplesCoalesceUntilFlush(t *testing.T) {
	c := New(time.Hour, 4)
	for i := 0; i < 5; i++ {
		c.Submit(moveMsg("/a", "g1", i))
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (only the latest move retained)", c.Pending())
	}
	c.flush()
	got := <-c.Out()
	if got.Signal != claspwire.PhaseMove {
		t.Fatalf("expected a move message flushed, got %+v", got)
	}
}

func TestBeginFlushesAnyPendingMoveFirst(t *testing.T) {
	c := New(time.Hour, 4)
	c.Submit(moveMsg("/a", "g1", 0))
	begin := claspwire.Message{Code: claspwire.CodePublish, SigKind: claspwire.SignalGesture, Signal: claspwire.PhaseBegin, Address: "/a", GestureID: "g1"}
	c.Submit(begin)

	first := <-c.Out()
	second := <-c.Out()
	if first.Signal != claspwire.PhaseMove {
		t.Fatalf("expected pending move flushed before begin, got %v", first.Signal)
	}
	if second.Signal != claspwire.PhaseBegin {
		t.Fatalf("expected begin second, got %v", second.Signal)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", c.Pending())
	}
}

func TestDistinctGestureIDsCoalesceIndependently(t *testing.T) {
	c := New(time.Hour, 4)
	c.Submit(moveMsg("/a", "g1", 0))
	c.Submit(moveMsg("/a", "g2", 0))
	if c.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2 (distinct gesture ids must not collapse into each other)", c.Pending())
	}
}

func TestRunFlushesOnTicker(t *testing.T) {
	c := New(5*time.Millisecond, 4)
	go c.Run()
	defer c.Stop()

	c.Submit(moveMsg("/a", "g1", 0))

	select {
	case got := <-c.Out():
		if got.Address != "/a" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected ticker to flush the pending move sample")
	}
}
