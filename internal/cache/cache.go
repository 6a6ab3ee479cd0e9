// Package cache is the two-tier response cache: a bounded in-process map in
// front of an optional shared edge store (Redis).
//
// Expiry is read-time: an entry past its TTL reads as a miss but is only
// physically removed by overwrite or capacity eviction. Eviction is oldest
// insertion first.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	logx "courier/pkg/logx"
)

const (
	DefaultMemoryMax = 10000
	DefaultTTL       = 30 * time.Second
)

// EdgeStore is the slower shared tier. Implementations must report a clean
// miss as (nil, 0, false, nil); errors are treated as misses by the cache.
// ttl is the entry's remaining lifetime; 0 with ok=true means the store
// could not report one and the cache bounds it itself.
type EdgeStore interface {
	Get(ctx context.Context, key string) (value []byte, ttl time.Duration, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

// Cache is safe for concurrent use by all destinations.
type Cache struct {
	max  int
	ttl  time.Duration
	now  func() time.Time
	edge EdgeStore
	log  logx.Logger

	mu    sync.RWMutex
	m     map[string]entry
	order []string // insertion order for eviction
}

type Options struct {
	MemoryMax int
	TTL       time.Duration
	Edge      EdgeStore
	Log       logx.Logger
}

func New(opts Options) *Cache {
	if opts.MemoryMax <= 0 {
		opts.MemoryMax = DefaultMemoryMax
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Cache{
		max:  opts.MemoryMax,
		ttl:  opts.TTL,
		now:  time.Now,
		edge: opts.Edge,
		log:  opts.Log,
		m:    make(map[string]entry),
	}
}

// SetClock overrides the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Key derives the cache key from the destination URL and payload.
func Key(destURL string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(destURL))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Get checks the memory tier then the edge tier; an edge hit repopulates
// the memory tier. Returns (value, true) only for fresh entries.
func (c *Cache) Get(ctx context.Context, destURL string, payload []byte) ([]byte, bool) {
	key := Key(destURL, payload)
	now := c.now()

	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if ok && now.Sub(e.storedAt) < e.ttl {
		return e.value, true
	}

	if c.edge == nil {
		return nil, false
	}
	val, rem, ok, err := c.edge.Get(ctx, key)
	if err != nil {
		c.log.Debug("edge cache read failed", logx.Err(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	// Repopulate with the entry's remaining edge lifetime so the memory
	// tier cannot serve it past the TTL its original Put asked for.
	// Unknown lifetimes fall back to the cache default.
	if rem <= 0 || rem > c.ttl {
		rem = c.ttl
	}
	c.putMemory(key, val, rem, now)
	return val, true
}

// Put writes through both tiers. ttl <= 0 uses the cache default.
func (c *Cache) Put(ctx context.Context, destURL string, payload, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := Key(destURL, payload)
	c.putMemory(key, value, ttl, c.now())

	if c.edge != nil {
		if err := c.edge.Set(ctx, key, value, ttl); err != nil {
			c.log.Debug("edge cache write failed", logx.Err(err))
		}
	}
}

func (c *Cache) putMemory(key string, value []byte, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.m[key]; !exists {
		// Evict oldest-inserted entries at capacity. Entries overwritten in
		// place keep their original insertion rank.
		for len(c.m) >= c.max && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.m, oldest)
		}
		c.order = append(c.order, key)
	}
	c.m[key] = entry{value: value, storedAt: now, ttl: ttl}
}

// Len reports the memory tier's entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
