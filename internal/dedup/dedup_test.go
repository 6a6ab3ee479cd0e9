package dedup

import (
	"context"
	"testing"
	"time"
)

func TestSuppressWithinWindow(t *testing.T) {
	f := New(Options{Window: 5 * time.Second})
	now := time.Now()
	f.SetClock(func() time.Time { return now })
	ctx := context.Background()

	payload := []byte(`{"symbol":"AAPL","qty":10}`)
	if f.IsDuplicate(ctx, payload) {
		t.Fatalf("first send reported duplicate")
	}
	if !f.IsDuplicate(ctx, payload) {
		t.Fatalf("identical payload inside window not suppressed")
	}
	if f.IsDuplicate(ctx, []byte(`{"symbol":"MSFT","qty":10}`)) {
		t.Fatalf("different payload suppressed")
	}
}

func TestRepeatAfterWindowDelivers(t *testing.T) {
	f := New(Options{Window: 5 * time.Second})
	now := time.Now()
	f.SetClock(func() time.Time { return now })
	ctx := context.Background()

	payload := []byte("tick")
	if f.IsDuplicate(ctx, payload) {
		t.Fatalf("first send reported duplicate")
	}
	now = now.Add(6 * time.Second)
	if f.IsDuplicate(ctx, payload) {
		t.Fatalf("payload after window still suppressed")
	}
}

func TestSweepDropsExpired(t *testing.T) {
	f := New(Options{Window: time.Second})
	now := time.Now()
	f.SetClock(func() time.Time { return now })
	ctx := context.Background()

	f.IsDuplicate(ctx, []byte("a"))
	f.IsDuplicate(ctx, []byte("b"))
	if got := f.Len(); got != 2 {
		t.Fatalf("len=%d, want 2", got)
	}

	now = now.Add(2 * time.Second)
	if dropped := f.Sweep(); dropped != 2 {
		t.Fatalf("sweep dropped %d, want 2", dropped)
	}
	if got := f.Len(); got != 0 {
		t.Fatalf("len=%d after sweep, want 0", got)
	}
}

func TestHashStable(t *testing.T) {
	a := Hash([]byte("payload"))
	b := Hash([]byte("payload"))
	if a != b {
		t.Fatalf("hash not deterministic: %s vs %s", a, b)
	}
	if a == Hash([]byte("payload2")) {
		t.Fatalf("distinct payloads hashed equal")
	}
}
