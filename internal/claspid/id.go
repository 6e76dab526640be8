// Package claspid defines the small identity types shared across router
// components (store, subindex, session) that would otherwise create import
// cycles if each owned its own definition.
package claspid

import "sync/atomic"

// SessionID identifies one connected peer for the lifetime of its
// connection. Router-assigned, never reused within a process lifetime.
type SessionID uint64

// SubscriptionID identifies one subscription, unique per session.
type SubscriptionID uint64

// Generator hands out monotonically increasing ids, lock-free via atomic
// increment. Each router keeps one Generator for session ids and each
// session keeps its own for subscription ids, mirroring the teacher's
// per-connection sequence counters.
type Generator struct {
	counter uint64
}

// Next returns the next id in the sequence; the first call returns 1.
func (g *Generator) Next() uint64 {
	return atomic.AddUint64(&g.counter, 1)
}
