package pool

import (
	"net/http"
	"testing"
)

func TestAcquireUpToSizeThenExhausted(t *testing.T) {
	p := New(2, func() *http.Client { return &http.Client{} })

	s1, ok := p.Acquire("primary")
	if !ok || s1 == nil {
		t.Fatalf("first acquire failed")
	}
	s2, ok := p.Acquire("primary")
	if !ok || s2 == nil {
		t.Fatalf("second acquire failed")
	}
	if s1 == s2 {
		t.Fatalf("both acquires returned the same slot")
	}

	if s3, ok := p.Acquire("primary"); ok || s3 != nil {
		t.Fatalf("third acquire succeeded on a size-2 pool")
	}
	// Exhaustion still leaves a working client.
	if p.Ephemeral() == nil {
		t.Fatalf("no ephemeral client under exhaustion")
	}
}

func TestReleaseMakesSlotReusable(t *testing.T) {
	p := New(1, nil)

	s1, ok := p.Acquire("primary")
	if !ok {
		t.Fatalf("acquire failed")
	}
	p.Release("primary", s1)

	s2, ok := p.Acquire("primary")
	if !ok {
		t.Fatalf("acquire after release failed")
	}
	if s1 != s2 {
		t.Fatalf("released slot was not reused")
	}

	stats := p.SlotStats("primary")
	if len(stats) != 1 {
		t.Fatalf("stats len=%d, want 1", len(stats))
	}
	if stats[0].Requests != 2 {
		t.Fatalf("requests=%d, want 2", stats[0].Requests)
	}
}

func TestPoolsArePerDestination(t *testing.T) {
	p := New(1, nil)
	if _, ok := p.Acquire("a"); !ok {
		t.Fatalf("acquire a failed")
	}
	if _, ok := p.Acquire("b"); !ok {
		t.Fatalf("b starved by a's pool")
	}
}

func TestReleaseNilIsSafe(t *testing.T) {
	p := New(1, nil)
	p.Release("primary", nil)
}
