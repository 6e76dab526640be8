// Package snapshot implements the Snapshot Engine (component 7): a
// consistent, chunked dump of current State Store entries for GET, late
// joiners with history>=1, and subscriptions whose pattern matches existing
// parameters.
package snapshot

import (
	"sync/atomic"

	"github.com/clasp-proto/claspd/internal/claspvalue"
	"github.com/clasp-proto/claspd/internal/store"
)

// DefaultByteBudget is the spec's default chunk size budget (64 KiB).
const DefaultByteBudget = 64 * 1024

// Entry is one parameter included in a snapshot chunk. Revision travels
// with the value so the receiving client can apply the reconciliation rule
// (apply a live update iff its revision is strictly greater than the last
// seen revision for that address).
type Entry struct {
	Address  string
	Value    claspvalue.Value
	Revision uint64
}

// Chunk is one batch of a snapshot. ID is populated on the first and
// terminal chunk only, per §4.7 ("a snapshot identifier is sent in the
// first and terminal chunks").
type Chunk struct {
	ID       uint64
	HasID    bool
	Sequence int
	Terminal bool
	Entries  []Entry
}

// Engine builds snapshots from a Store.
type Engine struct {
	store      *store.Store
	byteBudget int
	idSeq      atomic.Uint64
}

// NewEngine creates an Engine with the given per-chunk byte budget (0 uses
// DefaultByteBudget).
func NewEngine(s *store.Store, byteBudget int) *Engine {
	if byteBudget <= 0 {
		byteBudget = DefaultByteBudget
	}
	return &Engine{store: s, byteBudget: byteBudget}
}

// estimateSize returns an approximate wire footprint for budgeting; it does
// not need to be exact, only monotonic in entry size.
func estimateSize(e Entry) int {
	size := len(e.Address) + 8 // address + revision
	switch e.Value.Kind {
	case claspvalue.KindString:
		size += len(e.Value.Str)
	case claspvalue.KindBytes:
		size += len(e.Value.Bytes)
	case claspvalue.KindArray:
		size += len(e.Value.Array) * 16
	case claspvalue.KindMap:
		size += len(e.Value.Map) * 24
	default:
		size += 8
	}
	return size
}

// Build produces a consistent (per-shard) chunked snapshot of every address
// for which match returns true. Each chunk stays within the byte budget
// except when a single entry alone exceeds it, in which case it forms its
// own chunk rather than being dropped.
func (e *Engine) Build(match func(addr string) bool) []Chunk {
	var entries []Entry
	e.store.SnapshotIter(func(rec store.Record) {
		if !match(rec.Address) {
			return
		}
		entries = append(entries, Entry{Address: rec.Address, Value: rec.Value, Revision: rec.Revision})
	})

	id := e.idSeq.Add(1)

	var chunks []Chunk
	var current []Entry
	currentSize := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{Sequence: len(chunks), Entries: current})
		current = nil
		currentSize = 0
	}

	for _, ent := range entries {
		sz := estimateSize(ent)
		if currentSize > 0 && currentSize+sz > e.byteBudget {
			flush()
		}
		current = append(current, ent)
		currentSize += sz
	}
	flush()

	if len(chunks) == 0 {
		chunks = append(chunks, Chunk{Sequence: 0})
	}
	chunks[0].ID = id
	chunks[0].HasID = true
	last := len(chunks) - 1
	chunks[last].Terminal = true
	chunks[last].ID = id
	chunks[last].HasID = true

	return chunks
}
