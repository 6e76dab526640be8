package subindex

import (
	"testing"

	"github.com/clasp-proto/claspd/internal/claspaddr"
	"github.com/clasp-proto/claspd/internal/claspwire"
)

func pattern(t *testing.T, raw string) claspaddr.Pattern {
	t.Helper()
	p, err := claspaddr.ParsePattern(raw, 0, 0)
	if err != nil {
		t.Fatalf("ParsePattern(%q): %v", raw, err)
	}
	return p
}

func TestResolveExactMatch(t *testing.T) {
	idx := New()
	idx.Subscribe(Subscription{Session: 1, SubID: 1, Pattern: pattern(t, "/lights/front")})

	matches := idx.Resolve(claspaddr.MustParse("/lights/front"))
	if len(matches) != 1 || matches[0].Session != 1 {
		t.Fatalf("got %v", matches)
	}
	if got := idx.Resolve(claspaddr.MustParse("/lights/back")); len(got) != 0 {
		t.Fatalf("unexpected match: %v", got)
	}
}

func TestResolveWildcardFanout(t *testing.T) {
	idx := New()
	idx.Subscribe(Subscription{Session: 2, SubID: 1, Pattern: pattern(t, "/lights/**")})

	for _, addr := range []string{"/lights", "/lights/front/opacity", "/lights/back"} {
		matches := idx.Resolve(claspaddr.MustParse(addr))
		if len(matches) != 1 {
			t.Fatalf("expected /lights/** to match %s, got %v", addr, matches)
		}
	}
	if got := idx.Resolve(claspaddr.MustParse("/sound/volume")); len(got) != 0 {
		t.Fatalf("unexpected match: %v", got)
	}
}

func TestResolveExactMatchWithNonCanonicalPattern(t *testing.T) {
	idx := New()
	idx.Subscribe(Subscription{Session: 1, SubID: 1, Pattern: pattern(t, "/lights/front/")})

	matches := idx.Resolve(claspaddr.MustParse("/lights/front"))
	if len(matches) != 1 || matches[0].Session != 1 {
		t.Fatalf("non-canonical literal pattern should still match its canonical address, got %v", matches)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	idx := New()
	idx.Subscribe(Subscription{Session: 1, SubID: 1, Pattern: pattern(t, "/x")})
	idx.Unsubscribe(1, 1)
	idx.Unsubscribe(1, 1) // second call must not panic or error
	if got := idx.Resolve(claspaddr.MustParse("/x")); len(got) != 0 {
		t.Fatalf("expected no subscribers after unsubscribe, got %v", got)
	}
}

func TestRemoveSubscriptionsOfClearsSession(t *testing.T) {
	idx := New()
	idx.Subscribe(Subscription{Session: 1, SubID: 1, Pattern: pattern(t, "/a")})
	idx.Subscribe(Subscription{Session: 1, SubID: 2, Pattern: pattern(t, "/b/**")})
	idx.Subscribe(Subscription{Session: 2, SubID: 1, Pattern: pattern(t, "/a")})

	idx.RemoveSubscriptionsOf(1)

	if got := idx.Resolve(claspaddr.MustParse("/a")); len(got) != 1 || got[0].Session != 2 {
		t.Fatalf("got %v, want only session 2", got)
	}
	if got := idx.Resolve(claspaddr.MustParse("/b/c")); len(got) != 0 {
		t.Fatalf("got %v, want none", got)
	}
	if idx.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", idx.Count())
	}
}

func TestMultipleSubscriptionsSameSessionDifferentPatterns(t *testing.T) {
	idx := New()
	idx.Subscribe(Subscription{Session: 1, SubID: 1, Pattern: pattern(t, "/lights/**"), Options: claspwire.SubscribeOptions{MaxRate: 10}})
	idx.Subscribe(Subscription{Session: 1, SubID: 2, Pattern: pattern(t, "/lights/front/opacity")})

	matches := idx.Resolve(claspaddr.MustParse("/lights/front/opacity"))
	if len(matches) != 2 {
		t.Fatalf("expected both subscriptions to match, got %d", len(matches))
	}
}
