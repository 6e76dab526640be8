// Package subindex implements the Subscription Index (component 3): maps
// patterns to sessions and resolves an address to its matching subscribers.
//
// Two structures are maintained, per the component's implementation
// guidance: an exact-match index for literal (wildcard-free) patterns, and
// a prefix-bucketed list for wildcard patterns. Both use the same
// copy-on-write atomic-snapshot technique the subscription index in the
// teacher's connection pool uses for its hot-path channel lookup: resolve()
// holds the index's read lock only to look up bucket pointers, then reads
// the bucket snapshots without locking.
package subindex

import (
	"sync"
	"sync/atomic"

	"github.com/clasp-proto/claspd/internal/claspaddr"
	"github.com/clasp-proto/claspd/internal/claspid"
	"github.com/clasp-proto/claspd/internal/claspwire"
)

// Subscription is one entry in the index.
type Subscription struct {
	Session claspid.SessionID
	SubID   claspid.SubscriptionID
	Pattern claspaddr.Pattern
	Options claspwire.SubscribeOptions
}

// key identifies a subscription for removal by (session, sub_id).
type key struct {
	session claspid.SessionID
	subID   claspid.SubscriptionID
}

// Index is the Subscription Index.
type Index struct {
	mu sync.RWMutex

	// exact holds patterns with no wildcard segments, keyed by the
	// pattern's literal address string. *atomic.Value snapshots []*Subscription.
	exact map[string]*atomic.Value

	// wildcard buckets patterns that contain any wildcard segment, keyed by
	// the pattern's first literal segment (or "" if the pattern starts with
	// a wildcard/**). Each bucket is an atomic copy-on-write snapshot;
	// resolve() scans only the relevant bucket plus the "" bucket.
	wildcard map[string]*atomic.Value

	// byKey lets unsubscribe/remove_subscriptions_of find a subscription
	// (and so its pattern, from which the bucket is derived) by
	// (session, sub_id).
	byKey map[key]Subscription
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		exact:    make(map[string]*atomic.Value),
		wildcard: make(map[string]*atomic.Value),
		byKey:    make(map[key]Subscription),
	}
}

func bucketKeyFor(p claspaddr.Pattern) string {
	prefix := p.LiteralPrefix()
	if len(prefix) == 0 {
		return ""
	}
	return prefix[0]
}

// Subscribe inserts a subscription. O(bucket size) for wildcard patterns,
// O(1) amortized for literal patterns.
func (idx *Index) Subscribe(sub Subscription) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	k := key{sub.Session, sub.SubID}
	idx.byKey[k] = sub

	if !sub.Pattern.HasWildcard() {
		idx.appendLocked(idx.exact, sub.Pattern.CanonicalLiteral(), sub)
		return
	}
	idx.appendLocked(idx.wildcard, bucketKeyFor(sub.Pattern), sub)
}

func (idx *Index) appendLocked(m map[string]*atomic.Value, bucketKey string, sub Subscription) {
	av := m[bucketKey]
	if av == nil {
		av = &atomic.Value{}
		m[bucketKey] = av
	}
	var current []Subscription
	if v := av.Load(); v != nil {
		current = v.([]Subscription)
	}
	next := make([]Subscription, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sub)
	av.Store(next)
}

// Unsubscribe removes one subscription by (session, sub_id). Idempotent:
// removing an unknown key is a no-op.
func (idx *Index) Unsubscribe(session claspid.SessionID, subID claspid.SubscriptionID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	k := key{session, subID}
	sub, ok := idx.byKey[k]
	if !ok {
		return
	}
	delete(idx.byKey, k)

	if !sub.Pattern.HasWildcard() {
		idx.removeLocked(idx.exact, sub.Pattern.CanonicalLiteral(), k)
		return
	}
	idx.removeLocked(idx.wildcard, bucketKeyFor(sub.Pattern), k)
}

func (idx *Index) removeLocked(m map[string]*atomic.Value, bucketKey string, k key) {
	av, ok := m[bucketKey]
	if !ok {
		return
	}
	v := av.Load()
	if v == nil {
		return
	}
	current := v.([]Subscription)
	next := make([]Subscription, 0, len(current))
	for _, s := range current {
		if s.Session == k.session && s.SubID == k.subID {
			continue
		}
		next = append(next, s)
	}
	if len(next) == 0 {
		delete(m, bucketKey)
		return
	}
	av.Store(next)
}

// RemoveSubscriptionsOf removes every subscription owned by session, used
// on session close.
func (idx *Index) RemoveSubscriptionsOf(session claspid.SessionID) {
	idx.mu.Lock()
	toRemove := make([]key, 0)
	for k, sub := range idx.byKey {
		if sub.Session == session {
			toRemove = append(toRemove, k)
		}
	}
	idx.mu.Unlock()

	for _, k := range toRemove {
		idx.Unsubscribe(k.session, k.subID)
	}
}

// Resolve returns every subscription whose pattern matches addr. The
// dispatcher is responsible for deduplicating by session (§4.9 step 2); the
// index may legitimately return more than one entry for the same session.
func (idx *Index) Resolve(addr claspaddr.Address) []Subscription {
	var out []Subscription

	idx.mu.RLock()
	exactAV := idx.exact[addr.String()]
	wildcardBuckets := []*atomic.Value{idx.wildcard[""]}
	if len(addr.Segments()) > 0 {
		wildcardBuckets = append(wildcardBuckets, idx.wildcard[addr.Segments()[0]])
	}
	idx.mu.RUnlock()

	if exactAV != nil {
		if v := exactAV.Load(); v != nil {
			out = append(out, v.([]Subscription)...)
		}
	}
	for _, av := range wildcardBuckets {
		if av == nil {
			continue
		}
		v := av.Load()
		if v == nil {
			continue
		}
		for _, sub := range v.([]Subscription) {
			if claspaddr.Matches(sub.Pattern, addr) {
				out = append(out, sub)
			}
		}
	}
	return out
}

// Count returns the total number of subscriptions currently indexed.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byKey)
}
