// Package pool keeps a small set of reusable HTTP clients per destination
// so keep-alive connections survive across deliveries.
//
// Pooling is strictly a latency optimization: when every slot is busy the
// caller falls back to the shared ephemeral client and the request proceeds
// anyway. Correctness never depends on a slot being free.
package pool

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

const DefaultSize = 5

// Slot is one reusable transport handle.
type Slot struct {
	Client *http.Client

	createdAt  time.Time
	lastUsedAt time.Time
	requests   int64
	inUse      bool
}

// Stats is an observational snapshot of a slot.
type Stats struct {
	CreatedAt  time.Time
	LastUsedAt time.Time
	Requests   int64
	InUse      bool
}

type destPool struct {
	slots []*Slot
}

// Pool manages the per-destination slot lists plus the ephemeral fallback
// client used under exhaustion.
type Pool struct {
	size      int
	newClient func() *http.Client

	ephemeral *http.Client

	mu sync.Mutex
	m  map[string]*destPool
}

// New builds a pool with the given per-destination size (DefaultSize when
// <= 0). newClient may be nil; a keep-alive http.Client is used.
func New(size int, newClient func() *http.Client) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if newClient == nil {
		newClient = defaultClient
	}
	return &Pool{
		size:      size,
		newClient: newClient,
		ephemeral: newClient(),
		m:         make(map[string]*destPool),
	}
}

func defaultClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Acquire returns a free slot for the destination, or (nil, false) when all
// slots are busy. Callers that get (nil, false) should use Ephemeral().
func (p *Pool) Acquire(dest string) (*Slot, bool) {
	k := strings.TrimSpace(dest)
	if k == "" {
		return nil, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dp := p.m[k]
	if dp == nil {
		dp = &destPool{}
		p.m[k] = dp
	}

	for _, s := range dp.slots {
		if !s.inUse {
			s.inUse = true
			s.lastUsedAt = time.Now()
			s.requests++
			return s, true
		}
	}
	if len(dp.slots) < p.size {
		s := &Slot{
			Client:     p.newClient(),
			createdAt:  time.Now(),
			lastUsedAt: time.Now(),
			requests:   1,
			inUse:      true,
		}
		dp.slots = append(dp.slots, s)
		return s, true
	}
	return nil, false
}

// Release marks a slot free again. Safe to call with nil.
func (p *Pool) Release(dest string, s *Slot) {
	if s == nil {
		return
	}
	p.mu.Lock()
	s.inUse = false
	p.mu.Unlock()
}

// Ephemeral is the shared fallback client used when the pool is exhausted.
func (p *Pool) Ephemeral() *http.Client { return p.ephemeral }

// SlotStats reports the destination's slots for operational surfaces.
func (p *Pool) SlotStats(dest string) []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	dp := p.m[strings.TrimSpace(dest)]
	if dp == nil {
		return nil
	}
	out := make([]Stats, 0, len(dp.slots))
	for _, s := range dp.slots {
		out = append(out, Stats{
			CreatedAt:  s.createdAt,
			LastUsedAt: s.lastUsedAt,
			Requests:   s.requests,
			InUse:      s.inUse,
		})
	}
	return out
}
