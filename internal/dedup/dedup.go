// Package dedup suppresses identical payloads inside a short window so a
// caller retrying at a higher layer does not double-deliver.
//
// Records are advisory: losing them (restart, storage failure) produces at
// worst one extra delivery. The content hash is SHA-256, so a suppressed
// send always had a genuinely identical payload.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"courier/internal/storage"
	logx "courier/pkg/logx"
)

const (
	DefaultWindow     = 5 * time.Second
	DefaultSweepEvery = 1 * time.Second
)

// Filter is the process-wide duplicate filter shared by all destinations.
// Reads and writes both take the mutex; entries are tiny and the critical
// section is a map probe, so this stays off the profile next to network I/O.
type Filter struct {
	window time.Duration
	now    func() time.Time
	log    logx.Logger

	// store, when non-nil, receives best-effort persistent copies.
	store storage.Store

	mu      sync.Mutex
	entries map[string]time.Time // hash -> expiry
}

type Options struct {
	Window     time.Duration
	Store      storage.Store
	Log        logx.Logger
	WarmStart  bool // load persisted records on construction
	WarmCtx    context.Context
}

func New(opts Options) *Filter {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	f := &Filter{
		window:  opts.Window,
		now:     time.Now,
		log:     opts.Log,
		store:   opts.Store,
		entries: make(map[string]time.Time),
	}
	if opts.WarmStart && opts.Store != nil {
		ctx := opts.WarmCtx
		if ctx == nil {
			ctx = context.Background()
		}
		if persisted, err := opts.Store.LoadDedup(ctx); err == nil {
			now := f.now()
			for k, until := range persisted {
				if until.After(now) {
					f.entries[k] = until
				}
			}
			f.log.Debug("dedup warm start", logx.Int("records", len(f.entries)))
		} else {
			f.log.Warn("dedup warm start failed", logx.Err(err))
		}
	}
	return f
}

// SetClock overrides the time source. Tests only.
func (f *Filter) SetClock(now func() time.Time) { f.now = now }

// Hash returns the filter's content hash for a payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether an identical payload was seen inside the
// window. A miss records the payload before returning, so two concurrent
// calls with the same payload admit exactly one.
func (f *Filter) IsDuplicate(ctx context.Context, payload []byte) bool {
	key := Hash(payload)
	now := f.now()

	f.mu.Lock()
	until, ok := f.entries[key]
	if ok && until.After(now) {
		f.mu.Unlock()
		return true
	}
	// Expired entries count as misses and are replaced in place.
	expiry := now.Add(f.window)
	f.entries[key] = expiry
	f.mu.Unlock()

	if f.store != nil {
		if err := f.store.PutDedup(ctx, key, expiry); err != nil {
			f.log.Debug("dedup persist failed", logx.Err(err))
		}
	}
	return false
}

// Sweep removes expired entries and returns the number dropped.
func (f *Filter) Sweep() int {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := 0
	for k, until := range f.entries {
		if !until.After(now) {
			delete(f.entries, k)
			dropped++
		}
	}
	return dropped
}

// Len reports the current entry count (expired included until swept).
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Run sweeps on the given interval until ctx is done. Meant to be owned by
// a supervisor goroutine.
func (f *Filter) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultSweepEvery
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := f.Sweep(); n > 0 {
				f.log.Trace("dedup sweep", logx.Int("dropped", n))
			}
		}
	}
}
