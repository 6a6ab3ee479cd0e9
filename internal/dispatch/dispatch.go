// Package dispatch routes outbound payloads to destinations. It owns
// admission (dedup, cache, rate limit, circuit check with fallback
// selection) and hands accepted sends to the batch processor or the
// delivery executor. Per-attempt retry, backoff and breaker feedback live
// downstream in the executor.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"courier/internal/batch"
	"courier/internal/breaker"
	"courier/internal/cache"
	"courier/internal/dedup"
	"courier/internal/delivery"
	"courier/internal/destination"
	"courier/internal/metrics"
	"courier/internal/ratelimit"
	logx "courier/pkg/logx"
)

const (
	PriorityNormal   = "normal"
	PriorityCritical = "critical"
)

// SendOptions tune a single send. The zero value is a normal-priority,
// cacheable, batchable send with the executor's default timeout.
type SendOptions struct {
	// Priority is sent as X-Priority. Critical sends race the primary
	// against its first available fallback and skip batching.
	Priority string

	// NoCache bypasses the response cache for this send.
	NoCache bool

	// NoBatch forces a direct send even when the destination is batchable.
	NoBatch bool

	// Timeout overrides the per-attempt timeout when > 0.
	Timeout time.Duration
}

func (o SendOptions) priority() string {
	if o.Priority == "" {
		return PriorityNormal
	}
	return o.Priority
}

// Dispatcher fans payloads out to destinations behind the protective
// layers. Safe for concurrent use.
type Dispatcher struct {
	mu  sync.RWMutex
	reg *destination.Registry

	breakers *breaker.Registry
	limits   *ratelimit.Registry
	filter   *dedup.Filter
	cache    *cache.Cache
	exec     *delivery.Executor
	batch    *batch.Processor
	mon      *metrics.Monitor
	log      logx.Logger
	healthy  func(name string) bool

	cacheTTL time.Duration
}

// Deps are the wired components a Dispatcher routes through. Registry,
// Breakers, Limits and Executor are required; the rest degrade to
// passthrough when nil.
type Deps struct {
	Registry *destination.Registry
	Breakers *breaker.Registry
	Limits   *ratelimit.Registry
	Filter   *dedup.Filter
	Cache    *cache.Cache
	Executor *delivery.Executor
	Batch    *batch.Processor
	Monitor  *metrics.Monitor
	Log      logx.Logger

	// Healthy reports the last probe result for a destination; nil means
	// no prober, treat everything as healthy. Advisory: it narrows backup
	// choice for critical races, it never blocks the primary.
	Healthy func(name string) bool

	CacheTTL time.Duration
}

func New(d Deps) *Dispatcher {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	ttl := d.CacheTTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &Dispatcher{
		reg:      d.Registry,
		breakers: d.Breakers,
		limits:   d.Limits,
		filter:   d.Filter,
		cache:    d.Cache,
		exec:     d.Executor,
		batch:    d.Batch,
		mon:      d.Monitor,
		log:      log,
		healthy:  d.Healthy,
		cacheTTL: ttl,
	}
}

// Apply swaps the destination set on config reload. Breaker and limiter
// state is keyed by name and survives the swap.
func (d *Dispatcher) Apply(reg *destination.Registry) {
	d.mu.Lock()
	d.reg = reg
	d.mu.Unlock()
}

func (d *Dispatcher) registry() *destination.Registry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reg
}

// Send delivers payload to the named destination through the full admission
// chain: dedup, cache, rate limit, circuit check (with fallback to the
// destination's chain when its circuit is open), then batch or direct
// delivery. Returns the response body on success.
func (d *Dispatcher) Send(ctx context.Context, name string, payload []byte, opts SendOptions) ([]byte, error) {
	dest, ok := d.registry().Get(name)
	if !ok || !dest.Enabled() {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}

	if d.filter != nil && d.filter.IsDuplicate(ctx, dedupScope(dest.Name, payload)) {
		d.record(dest.Name, metrics.OutcomeDeduped)
		d.log.Debug("duplicate suppressed", logx.String("destination", dest.Name))
		return nil, fmt.Errorf("%s: %w", dest.Name, ErrDuplicate)
	}

	if d.cache != nil && !opts.NoCache {
		if v, ok := d.cache.Get(ctx, dest.URL, payload); ok {
			d.record(dest.Name, metrics.OutcomeCached)
			return v, nil
		}
	}

	target, backup, err := d.admit(dest, opts.priority() == PriorityCritical)
	if err != nil {
		return nil, err
	}

	body, err := d.deliver(ctx, target, backup, payload, opts)
	if err != nil {
		d.record(target.Name, metrics.OutcomeFailed)
		return nil, err
	}
	d.record(target.Name, metrics.OutcomeSuccess)

	if d.cache != nil && !opts.NoCache {
		d.cache.Put(ctx, dest.URL, payload, body, d.cacheTTL)
	}
	return body, nil
}

// admit picks the destination the send will actually use. When the
// primary's circuit is open the fallback chain is walked in priority
// order. Candidate inspection is read-only; the target's half-open probe
// is consumed last, after the rate check, so a send that never fires
// cannot burn probe budget. A backup is selected for critical sends only
// and pays for its own probe in race.
func (d *Dispatcher) admit(dest *destination.Destination, critical bool) (target, backup *destination.Destination, err error) {
	candidates := append([]*destination.Destination{dest}, d.registry().FallbackChain(dest)...)

	for _, c := range candidates {
		if target == nil {
			if d.breakers.WouldAllow(c.Name) {
				target = c
				if !critical {
					break
				}
			}
			continue
		}
		if d.healthy != nil && !d.healthy(c.Name) {
			continue
		}
		if !d.breakers.WouldAllow(c.Name) {
			continue
		}
		backup = c
		break
	}
	if target == nil {
		d.record(dest.Name, metrics.OutcomeCircuitOpen)
		d.log.Warn("all circuits open", logx.String("destination", dest.Name))
		return nil, nil, fmt.Errorf("%s: %w", dest.Name, ErrCircuitOpen)
	}
	if target != dest {
		d.log.Info("rerouted to fallback",
			logx.String("destination", dest.Name),
			logx.String("fallback", target.Name),
		)
	}

	if !d.limits.Allow(target.Name) {
		d.record(target.Name, metrics.OutcomeRateLimited)
		return nil, nil, fmt.Errorf("%s: %w", target.Name, ErrRateLimited)
	}
	// A concurrent send may have taken the last probe since the scan.
	if !d.breakers.Allow(target.Name) {
		d.record(target.Name, metrics.OutcomeCircuitOpen)
		return nil, nil, fmt.Errorf("%s: %w", target.Name, ErrCircuitOpen)
	}
	return target, backup, nil
}

func (d *Dispatcher) deliver(ctx context.Context, target, backup *destination.Destination, payload []byte, opts SendOptions) ([]byte, error) {
	req := delivery.Request{
		Payload:  payload,
		Priority: opts.priority(),
		Timeout:  opts.Timeout,
	}

	if opts.priority() == PriorityCritical {
		return d.race(ctx, target, backup, req)
	}

	if d.batch != nil && target.Batchable && !opts.NoBatch {
		return d.batch.Enqueue(ctx, target, payload)
	}
	return d.exec.Deliver(ctx, target, req)
}

// race sends to target and backup concurrently; the first success wins and
// cancels the other. Both failing returns the target's error. The backup
// pays for its own token and half-open probe; nothing is refunded to the
// loser.
func (d *Dispatcher) race(ctx context.Context, target, backup *destination.Destination, req delivery.Request) ([]byte, error) {
	if backup != nil && !d.limits.Allow(backup.Name) {
		backup = nil
	}
	if backup != nil && !d.breakers.Allow(backup.Name) {
		backup = nil
	}
	if backup == nil {
		return d.exec.Deliver(ctx, target, req)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		dest string
		body []byte
		err  error
	}
	ch := make(chan result, 2)
	for _, dest := range []*destination.Destination{target, backup} {
		dest := dest
		go func() {
			body, err := d.exec.Deliver(rctx, dest, req)
			ch <- result{dest: dest.Name, body: body, err: err}
		}()
	}

	var targetErr error
	for i := 0; i < 2; i++ {
		r := <-ch
		if r.err == nil {
			if r.dest != target.Name {
				d.log.Info("critical send won by backup",
					logx.String("destination", target.Name),
					logx.String("backup", r.dest),
				)
			}
			return r.body, nil
		}
		if r.dest == target.Name {
			targetErr = r.err
		}
	}
	return nil, targetErr
}

func (d *Dispatcher) record(dest, outcome string) {
	if d.mon != nil {
		d.mon.RecordSend(dest, outcome)
		if outcome == metrics.OutcomeFailed || outcome == metrics.OutcomeSuccess || outcome == metrics.OutcomeCircuitOpen {
			_, open := d.breakers.Snapshot()
			d.mon.SetBreakersOpen(open)
		}
	}
}

// dedupScope keys dedup entries by destination so the same payload can
// still go to two different targets.
func dedupScope(dest string, payload []byte) []byte {
	b := make([]byte, 0, len(dest)+1+len(payload))
	b = append(b, dest...)
	b = append(b, 0)
	b = append(b, payload...)
	return b
}
