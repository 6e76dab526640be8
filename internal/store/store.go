// Package store implements the State Store (component 2): per-address
// value plus monotonically increasing revision, optional lock holder, and
// atomic compare-and-set.
package store

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/clasp-proto/claspd/internal/claspid"
	"github.com/clasp-proto/claspd/internal/claspvalue"
)

// SetError enumerates why a Set call failed to apply.
type SetError int

const (
	// ErrNone indicates success; Set never returns this as an error.
	ErrNone SetError = iota
	ErrConflict
	ErrLocked
	ErrAddressSpaceFull
)

func (e SetError) Error() string {
	switch e {
	case ErrConflict:
		return "revision conflict"
	case ErrLocked:
		return "address locked by another session"
	case ErrAddressSpaceFull:
		return "address-space cap reached"
	default:
		return "no error"
	}
}

// Record is one parameter entry in the store.
type Record struct {
	Address    string
	Value      claspvalue.Value
	Revision   uint64
	LockHolder claspid.SessionID
	HasLock    bool
	LastWriter claspid.SessionID
	UpdatedAt  int64 // router-time microseconds
}

// LockOp describes the lock transition requested by a Set call.
type LockOp struct {
	Lock   bool // acquire (or retain) the lock as part of this write
	Unlock bool // release the lock after the write succeeds
}

const defaultShardCount = 64

// Store is a sharded map keyed by canonical address. Each shard is guarded
// by its own RWMutex so unrelated addresses never contend, per the design
// note preferring fine-grained locking over a global mutex.
type Store struct {
	shards []shard

	maxAddresses int // 0 disables the address-space cap (§5)
	addrCount    atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Record
}

// New creates an empty Store.
func New() *Store {
	s := &Store{shards: make([]shard, defaultShardCount)}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Record)
	}
	return s
}

// SetMaxAddresses bounds how many distinct addresses Set may create (§5
// address-space cap); first-write creation beyond the cap fails with
// ErrAddressSpaceFull. Updates to an already-present address are never
// blocked by this cap. 0 (the default) disables the cap.
func (s *Store) SetMaxAddresses(n int) { s.maxAddresses = n }

// MaxAddresses returns the configured address-space cap (0 = unbounded).
func (s *Store) MaxAddresses() int { return s.maxAddresses }

// AddressCount returns the current number of distinct addresses, without
// taking any shard lock. Safe to call from within WithWriteLock, unlike
// Count, which would deadlock against the write-lock's own shard locks.
func (s *Store) AddressCount() int64 { return s.addrCount.Load() }

func (s *Store) shardFor(addr string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns a copy of the record at addr, if one exists.
func (s *Store) Get(addr string) (Record, bool) {
	sh := s.shardFor(addr)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.entries[addr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetWithinWriteLock reads addr's record assuming the caller already holds
// the store-wide write lock (via WithWriteLock); it must not itself lock the
// shard. Used by the Bundle Executor's check phase (§4.6 step 3).
func (s *Store) GetWithinWriteLock(addr string) (Record, bool) {
	sh := s.shardFor(addr)
	rec, ok := sh.entries[addr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Set attempts to write newVal to addr under optimistic concurrency.
//
//   - expectedRevision == nil: "any" — last-write-wins.
//   - *expectedRevision == 0: create-only-if-absent.
//   - otherwise: the current revision must equal *expectedRevision.
//
// A lock held by a different session than writer always fails the write
// with ErrLocked, regardless of expectedRevision. lockOp.Lock acquires (or
// retains, if already held by writer) the lock as part of a successful
// write; lockOp.Unlock releases it afterward.
func (s *Store) Set(addr string, newVal claspvalue.Value, expectedRevision *uint64, writer claspid.SessionID, lockOp LockOp, now int64) (Record, error) {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.setLocked(sh, addr, newVal, expectedRevision, writer, lockOp, now)
}

// SetWithinWriteLock applies the same check-then-write as Set, but assumes
// the caller already holds the store-wide write lock (via WithWriteLock) and
// must not itself lock the shard. Used by the Bundle Executor so every SET
// in a bundle is checked and applied inside one global critical section.
func (s *Store) SetWithinWriteLock(addr string, newVal claspvalue.Value, expectedRevision *uint64, writer claspid.SessionID, lockOp LockOp, now int64) (Record, error) {
	sh := s.shardFor(addr)
	return s.setLocked(sh, addr, newVal, expectedRevision, writer, lockOp, now)
}

func (s *Store) setLocked(sh *shard, addr string, newVal claspvalue.Value, expectedRevision *uint64, writer claspid.SessionID, lockOp LockOp, now int64) (Record, error) {
	existing, present := sh.entries[addr]

	if present && existing.HasLock && existing.LockHolder != writer {
		return Record{}, ErrLocked
	}

	if !present && s.maxAddresses > 0 && s.addrCount.Load() >= int64(s.maxAddresses) {
		return Record{}, ErrAddressSpaceFull
	}

	if expectedRevision != nil {
		switch {
		case *expectedRevision == 0:
			if present {
				return Record{}, ErrConflict
			}
		case !present || existing.Revision != *expectedRevision:
			return Record{}, ErrConflict
		}
	}

	var rec Record
	if present {
		rec = *existing
	} else {
		rec = Record{Address: addr}
	}
	rec.Value = newVal
	rec.Revision++
	rec.LastWriter = writer
	rec.UpdatedAt = now

	if lockOp.Lock {
		rec.HasLock = true
		rec.LockHolder = writer
	}
	if lockOp.Unlock {
		rec.HasLock = false
		rec.LockHolder = 0
	}

	stored := rec
	sh.entries[addr] = &stored
	if !present {
		s.addrCount.Add(1)
	}
	return stored, nil
}

// RemoveLocksOf releases every lock held by session, across all shards.
// Called when a session closes (§3 Lifecycle).
func (s *Store) RemoveLocksOf(session claspid.SessionID) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, rec := range sh.entries {
			if rec.HasLock && rec.LockHolder == session {
				rec.HasLock = false
				rec.LockHolder = 0
			}
		}
		sh.mu.Unlock()
	}
}

// SnapshotIter invokes fn for every (address, record) pair, producing a
// consistent point-in-time view per shard: each shard is read-locked while
// copied, so no write to an address already visited (or about to be
// visited within the same shard) is interleaved into that shard's copy.
// Iteration order is unspecified.
func (s *Store) SnapshotIter(fn func(Record)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		copies := make([]Record, 0, len(sh.entries))
		for _, rec := range sh.entries {
			copies = append(copies, *rec)
		}
		sh.mu.RUnlock()
		for _, rec := range copies {
			fn(rec)
		}
	}
}

// WithWriteLock locks every shard (in a fixed index order, to avoid
// deadlocking against another concurrent WithWriteLock call) and runs fn.
// Used by the Bundle Executor to apply a set of SETs as a single atomic
// store-wide critical section (§4.6 step 4): while fn runs, no other Set or
// WithWriteLock call on this Store can proceed.
func (s *Store) WithWriteLock(fn func()) {
	for i := range s.shards {
		s.shards[i].mu.Lock()
	}
	defer func() {
		for i := len(s.shards) - 1; i >= 0; i-- {
			s.shards[i].mu.Unlock()
		}
	}()
	fn()
}

// Count returns the total number of addresses in the store.
func (s *Store) Count() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}
