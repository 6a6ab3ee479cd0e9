// Package breaker isolates failing destinations behind a per-destination
// circuit breaker so a dead endpoint is probed, not hammered.
package breaker

import (
	"strings"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds effective settings after applying defaults.
type Config struct {
	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int
	// OpenTimeout is how long an open circuit refuses calls before it
	// starts probing (half-open).
	OpenTimeout time.Duration
	// HalfOpenProbes caps the calls admitted while half-open.
	HalfOpenProbes int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 15 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 3
	}
	return c
}

// circuit is the per-destination state machine.
//
//   - closed: calls allowed; failures count up, threshold opens it.
//   - open: calls refused until OpenTimeout since the last failure, then
//     the next Allow() moves it to half-open.
//   - half-open: up to HalfOpenProbes calls admitted; any failure reopens
//     immediately, a success closes.
type circuit struct {
	state       State
	fails       int
	lastFailure time.Time
	probesUsed  int
}

// Registry tracks one circuit per destination. Circuits are created lazily
// on first touch and live for the process lifetime.
//
// A single mutex guards the map and every circuit; transitions are cheap
// and strictly on the hot path, so contention stays negligible next to the
// network calls they gate.
type Registry struct {
	cfg Config
	now func() time.Time

	mu sync.Mutex
	m  map[string]*circuit
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg: cfg.withDefaults(),
		now: time.Now,
		m:   make(map[string]*circuit),
	}
}

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) get(dest string) *circuit {
	k := strings.TrimSpace(dest)
	if k == "" {
		return nil
	}
	c := r.m[k]
	if c == nil {
		c = &circuit{state: Closed}
		r.m[k] = c
	}
	return c
}

// Allow reports whether a live call to the destination may proceed, and
// performs any due open->half_open transition as a side effect.
func (r *Registry) Allow(dest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(dest)
	if c == nil {
		return true
	}

	switch c.state {
	case Closed:
		return true
	case Open:
		if r.now().Sub(c.lastFailure) < r.cfg.OpenTimeout {
			return false
		}
		c.state = HalfOpen
		c.probesUsed = 0
		fallthrough
	case HalfOpen:
		if c.probesUsed >= r.cfg.HalfOpenProbes {
			return false
		}
		c.probesUsed++
		return true
	default:
		return true
	}
}

// WouldAllow reports whether Allow would currently admit a call, without
// consuming a half-open probe and without transitioning state. Use it to
// inspect candidates; call Allow only for the destination actually sent to.
func (r *Registry) WouldAllow(dest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.m[strings.TrimSpace(dest)]
	if c == nil {
		return true
	}
	switch c.state {
	case Closed:
		return true
	case Open:
		return r.now().Sub(c.lastFailure) >= r.cfg.OpenTimeout
	case HalfOpen:
		return c.probesUsed < r.cfg.HalfOpenProbes
	default:
		return true
	}
}

// RecordSuccess closes the circuit and clears failure history.
func (r *Registry) RecordSuccess(dest string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(dest)
	if c == nil {
		return
	}
	c.state = Closed
	c.fails = 0
	c.probesUsed = 0
	c.lastFailure = time.Time{}
}

// RecordFailure counts one failure. In closed state it opens the circuit at
// the threshold; in half-open state it reopens immediately.
func (r *Registry) RecordFailure(dest string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(dest)
	if c == nil {
		return
	}

	now := r.now()
	switch c.state {
	case HalfOpen:
		c.state = Open
		c.lastFailure = now
		c.fails = r.cfg.Threshold
	case Open:
		c.lastFailure = now
	default:
		c.fails++
		c.lastFailure = now
		if c.fails >= r.cfg.Threshold {
			c.state = Open
		}
	}
}

// State returns the destination's current state without side effects.
// Destinations never touched report Closed.
func (r *Registry) State(dest string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := strings.TrimSpace(dest)
	c := r.m[k]
	if c == nil {
		return Closed
	}
	return c.state
}

// Snapshot reports (total tracked, currently open) for operational surfaces.
func (r *Registry) Snapshot() (total, open int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total = len(r.m)
	for _, c := range r.m {
		if c != nil && c.state == Open {
			open++
		}
	}
	return total, open
}
