// Package claspaddr implements hierarchical address parsing and wildcard
// pattern matching for the router's address space.
package claspaddr

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	// DefaultMaxDepth bounds the number of segments in a canonical address.
	DefaultMaxDepth = 32
	// DefaultMaxLength bounds the total byte length of a canonical address.
	DefaultMaxLength = 1024
)

// ErrBadAddress is returned by Parse for malformed input.
var ErrBadAddress = errors.New("claspaddr: bad address")

// ErrBadPattern is returned by ParsePattern for malformed input.
var ErrBadPattern = errors.New("claspaddr: bad pattern")

// Address is a parsed, canonicalized `/`-separated sequence of non-empty
// segments, e.g. /lights/front/opacity.
type Address struct {
	segments []string
	// canonical caches the rendered form so repeated String() calls (log
	// fields, map keys) don't re-join on every call.
	canonical string
}

// Parse validates and canonicalizes a raw address string against the given
// bounds. Duplicate separators collapse; empty segments are rejected.
func Parse(raw string, maxDepth, maxLength int) (Address, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if len(raw) > maxLength {
		return Address{}, fmt.Errorf("%w: %d bytes exceeds max %d", ErrBadAddress, len(raw), maxLength)
	}
	if raw == "" {
		return Address{}, fmt.Errorf("%w: empty address", ErrBadAddress)
	}
	parts := strings.Split(raw, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue // collapses duplicate separators and leading/trailing slashes
		}
		segs = append(segs, p)
	}
	if len(segs) == 0 {
		return Address{}, fmt.Errorf("%w: address has no segments", ErrBadAddress)
	}
	if len(segs) > maxDepth {
		return Address{}, fmt.Errorf("%w: %d segments exceeds max depth %d", ErrBadAddress, len(segs), maxDepth)
	}
	return Address{segments: segs, canonical: "/" + path.Join(segs...)}, nil
}

// MustParse parses or panics; for use with compile-time-known constants
// (tests, internal literals), never on input from a session.
func MustParse(raw string) Address {
	a, err := Parse(raw, 0, 0)
	if err != nil {
		panic(err)
	}
	return a
}

// Segments returns the canonical segment slice. Callers must not mutate it.
func (a Address) Segments() []string { return a.segments }

// String renders the canonical `/`-prefixed form.
func (a Address) String() string { return a.canonical }

// Depth returns the number of segments.
func (a Address) Depth() int { return len(a.segments) }

// segKind classifies one pattern segment for the matcher.
type segKind uint8

const (
	segLiteral segKind = iota
	segWildcardOne
	segGlob // partial-segment glob, e.g. zone*, *zone, pre*post
	segTerminator
)

type patternSegment struct {
	kind    segKind
	literal string
	// for segGlob: prefix/suffix around the single '*' in this segment.
	globPrefix, globSuffix string
}

// Pattern is a parsed subscription pattern: literals, single-segment `*`
// wildcards, partial-segment globs, and an optional trailing `**`.
type Pattern struct {
	segments   []patternSegment
	terminated bool // true if the final segment is **
	raw        string
}

// String returns the original pattern text, used for logging and error
// messages.
func (p Pattern) String() string { return p.raw }

// CanonicalLiteral renders a wildcard-free pattern the same way Parse
// canonicalizes an address (duplicate separators collapsed, single leading
// slash), so a literal subscription and the address it matches hash to the
// same exact-index key regardless of how the subscriber wrote the pattern.
// Only meaningful when !p.HasWildcard().
func (p Pattern) CanonicalLiteral() string {
	segs := make([]string, len(p.segments))
	for i, s := range p.segments {
		segs[i] = s.literal
	}
	return "/" + path.Join(segs...)
}

// HasWildcard reports whether any segment is non-literal.
func (p Pattern) HasWildcard() bool {
	if p.terminated {
		return true
	}
	for _, s := range p.segments {
		if s.kind != segLiteral {
			return true
		}
	}
	return false
}

// LiteralPrefix returns the longest run of leading literal segments, used to
// bucket patterns in the subscription trie by shared prefix.
func (p Pattern) LiteralPrefix() []string {
	prefix := make([]string, 0, len(p.segments))
	for _, s := range p.segments {
		if s.kind != segLiteral {
			break
		}
		prefix = append(prefix, s.literal)
	}
	return prefix
}

// ParsePattern parses a subscription pattern. `**` is only valid as the
// final segment; it is represented by a terminator marker and is not itself
// a patternSegment entry.
func ParsePattern(raw string, maxDepth, maxLength int) (Pattern, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if len(raw) > maxLength {
		return Pattern{}, fmt.Errorf("%w: %d bytes exceeds max %d", ErrBadPattern, len(raw), maxLength)
	}
	if raw == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}
	parts := strings.Split(raw, "/")
	rawSegs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		rawSegs = append(rawSegs, p)
	}
	if len(rawSegs) == 0 {
		return Pattern{}, fmt.Errorf("%w: pattern has no segments", ErrBadPattern)
	}
	if len(rawSegs) > maxDepth {
		return Pattern{}, fmt.Errorf("%w: %d segments exceeds max depth %d", ErrBadPattern, len(rawSegs), maxDepth)
	}

	pat := Pattern{raw: raw}
	for i, seg := range rawSegs {
		if seg == "**" {
			if i != len(rawSegs)-1 {
				return Pattern{}, fmt.Errorf("%w: ** must be the final segment", ErrBadPattern)
			}
			pat.terminated = true
			break
		}
		if strings.Contains(seg, "**") {
			return Pattern{}, fmt.Errorf("%w: ** not permitted within a segment", ErrBadPattern)
		}
		switch {
		case seg == "*":
			pat.segments = append(pat.segments, patternSegment{kind: segWildcardOne})
		case strings.Contains(seg, "*"):
			idx := strings.IndexByte(seg, '*')
			pat.segments = append(pat.segments, patternSegment{
				kind:       segGlob,
				globPrefix: seg[:idx],
				globSuffix: seg[idx+1:],
			})
		default:
			pat.segments = append(pat.segments, patternSegment{kind: segLiteral, literal: seg})
		}
	}
	return pat, nil
}

// Matches reports whether addr satisfies pattern, segment by segment,
// left to right, per the corrected `**` semantics: `/a/**` matches `/a`
// itself as well as every descendant, and `/**` matches any non-empty
// address.
func Matches(pattern Pattern, addr Address) bool {
	segs := addr.segments
	for i, ps := range pattern.segments {
		if i >= len(segs) {
			return false // address shorter than the literal/wildcard prefix
		}
		if !matchSegment(ps, segs[i]) {
			return false
		}
	}
	if pattern.terminated {
		// ** consumes zero or more remaining segments, including the
		// "consumed everything already" case (/a/** matches /a exactly).
		return true
	}
	// No terminator: address must have exactly as many segments as pattern.
	return len(segs) == len(pattern.segments)
}

func matchSegment(ps patternSegment, seg string) bool {
	switch ps.kind {
	case segLiteral:
		return ps.literal == seg
	case segWildcardOne:
		return seg != ""
	case segGlob:
		return strings.HasPrefix(seg, ps.globPrefix) && strings.HasSuffix(seg, ps.globSuffix) &&
			len(seg) >= len(ps.globPrefix)+len(ps.globSuffix)
	default:
		return false
	}
}
