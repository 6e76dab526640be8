// Package coalesce implements the Gesture Coalescer (component 5): for
// high-rate Gesture signals, retain only the most recent `move`-phase
// sample per (address, gesture_id) inside a tick window, flushing at each
// tick boundary. `begin` and `end` phases are delivered immediately and are
// never dropped.
//
// The router keeps one Coalescer per session: its PUBLISH handler submits
// Gesture-signal messages here, and the messages the coalescer releases are
// then fanned out like any other PUBLISH.
package coalesce

import (
	"sync"
	"time"

	"github.com/clasp-proto/claspd/internal/claspwire"
)

// DefaultInterval matches the spec default of 16ms (~60fps).
const DefaultInterval = 16 * time.Millisecond

type key struct {
	address   string
	gestureID string
}

// Coalescer buffers in-flight `move` samples and emits them, along with any
// immediately-forwarded begin/end/non-gesture messages, on Out().
type Coalescer struct {
	interval time.Duration
	out      chan claspwire.Message

	mu      sync.Mutex
	pending map[key]claspwire.Message

	stop chan struct{}
	done chan struct{}

	// onSuperseded, if set, is called once for every move sample replaced
	// by a newer one before it was ever flushed (a router metrics hook).
	onSuperseded func()
}

// OnSuperseded registers a callback invoked each time a pending move
// sample is overwritten by a newer one for the same (address, gesture_id)
// before it reached Out().
func (c *Coalescer) OnSuperseded(fn func()) {
	c.onSuperseded = fn
}

// New creates a Coalescer with the given tick interval and output buffer
// size. Call Run in its own goroutine to start the flush ticker.
func New(interval time.Duration, outBuffer int) *Coalescer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coalescer{
		interval: interval,
		out:      make(chan claspwire.Message, outBuffer),
		pending:  make(map[key]claspwire.Message),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Out is the channel the router dispatcher consumes coalesced and
// passed-through messages from.
func (c *Coalescer) Out() <-chan claspwire.Message { return c.out }

// Submit feeds one inbound message through the coalescer. Non-gesture
// signals and begin/end gesture phases are forwarded immediately (begin/end
// flush any pending move for the same key first, preserving order); move
// phases overwrite whatever is pending for (address, gesture_id).
func (c *Coalescer) Submit(msg claspwire.Message) {
	if msg.SigKind != claspwire.SignalGesture {
		c.out <- msg
		return
	}

	k := key{address: msg.Address, gestureID: msg.GestureID}

	switch msg.Signal {
	case claspwire.PhaseBegin, claspwire.PhaseEnd:
		c.mu.Lock()
		if pending, ok := c.pending[k]; ok {
			delete(c.pending, k)
			c.mu.Unlock()
			c.out <- pending
		} else {
			c.mu.Unlock()
		}
		c.out <- msg
	case claspwire.PhaseMove:
		c.mu.Lock()
		_, superseded := c.pending[k]
		c.pending[k] = msg
		c.mu.Unlock()
		if superseded && c.onSuperseded != nil {
			c.onSuperseded()
		}
	}
}

// Run ticks at the configured interval, flushing every pending move sample
// to Out, until Stop is called. Intended to run in its own goroutine.
func (c *Coalescer) Run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stop:
			c.flush()
			return
		}
	}
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]claspwire.Message, 0, len(c.pending))
	for k, msg := range c.pending {
		batch = append(batch, msg)
		delete(c.pending, k)
	}
	c.mu.Unlock()

	for _, msg := range batch {
		c.out <- msg
	}
}

// Stop halts the flush ticker after performing one final flush.
func (c *Coalescer) Stop() {
	close(c.stop)
	<-c.done
}

// Pending returns the number of move samples currently buffered, for tests
// and diagnostics.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
