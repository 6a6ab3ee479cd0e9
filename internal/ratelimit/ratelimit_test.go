package ratelimit

import "testing"

func TestBurstThenDeny(t *testing.T) {
	r := NewRegistry(func(dest string) Budget {
		return Budget{PerSec: 1, Burst: 5}
	})

	// A fresh bucket starts full: exactly burst tokens before the first deny.
	for i := 0; i < 5; i++ {
		if !r.Allow("tg") {
			t.Fatalf("call %d denied, want %d admitted", i+1, 5)
		}
	}
	if r.Allow("tg") {
		t.Fatalf("call %d admitted, want denied", 6)
	}
}

func TestDestinationsHaveIndependentBuckets(t *testing.T) {
	r := NewRegistry(func(dest string) Budget {
		return Budget{PerSec: 1, Burst: 1}
	})

	if !r.Allow("a") {
		t.Fatalf("first call to a denied")
	}
	if r.Allow("a") {
		t.Fatalf("second call to a admitted, bucket should be empty")
	}
	if !r.Allow("b") {
		t.Fatalf("b starved by a's bucket")
	}
}

func TestDefaultBudget(t *testing.T) {
	r := NewRegistry(nil)
	if !r.Allow("anything") {
		t.Fatalf("default bucket denied first call")
	}
}

func TestResetRebuildsBuckets(t *testing.T) {
	r := NewRegistry(func(dest string) Budget {
		return Budget{PerSec: 1, Burst: 1}
	})
	if !r.Allow("a") || r.Allow("a") {
		t.Fatalf("unexpected admissions before reset")
	}

	r.Reset(func(dest string) Budget {
		return Budget{PerSec: 1, Burst: 2}
	})
	if !r.Allow("a") || !r.Allow("a") {
		t.Fatalf("reset did not rebuild bucket with new burst")
	}
}
