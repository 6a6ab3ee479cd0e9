// Package ratelimit provides per-destination token-bucket admission control.
//
// Buckets are rate.Limiter instances: refill is lazy elapsed-time math, so
// bursts after an idle period are capped at the bucket's burst capacity.
package ratelimit

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Budget is a destination's admission budget.
type Budget struct {
	PerSec float64
	Burst  int
}

func (b Budget) withDefaults() Budget {
	if b.PerSec <= 0 {
		b.PerSec = 10
	}
	if b.Burst <= 0 {
		b.Burst = int(b.PerSec)
		if b.Burst < 1 {
			b.Burst = 1
		}
	}
	return b
}

// Registry holds one token bucket per destination, created lazily from the
// budget resolver on first check.
type Registry struct {
	budget func(dest string) Budget

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

// NewRegistry builds a registry. budget may be nil, in which case every
// destination gets the default 10/s bucket.
func NewRegistry(budget func(dest string) Budget) *Registry {
	return &Registry{
		budget: budget,
		m:      make(map[string]*rate.Limiter),
	}
}

func (r *Registry) limiter(dest string) *rate.Limiter {
	k := strings.TrimSpace(dest)
	if k == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	lim := r.m[k]
	if lim == nil {
		var b Budget
		if r.budget != nil {
			b = r.budget(k)
		}
		b = b.withDefaults()
		lim = rate.NewLimiter(rate.Limit(b.PerSec), b.Burst)
		r.m[k] = lim
	}
	return lim
}

// Allow consumes one token from the destination's bucket if available.
// Tokens are not refunded: a consumed token stays spent even if the delivery
// later loses a race or fails.
func (r *Registry) Allow(dest string) bool {
	lim := r.limiter(dest)
	if lim == nil {
		return true
	}
	return lim.Allow()
}

// Reset drops all buckets so the next check rebuilds them from the current
// budget resolver. Called on config reload.
func (r *Registry) Reset(budget func(dest string) Budget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if budget != nil {
		r.budget = budget
	}
	r.m = make(map[string]*rate.Limiter)
}
