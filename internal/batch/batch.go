// Package batch aggregates many small deliveries into one network call per
// destination, amortizing request overhead for batchable endpoints.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"courier/internal/delivery"
	"courier/internal/destination"
	logx "courier/pkg/logx"
)

const (
	DefaultSize       = 100
	DefaultFlushEvery = 50 * time.Millisecond
)

// ErrBatchFailed marks a whole-batch failure: the flush call itself failed,
// so every member item fails uniformly.
var ErrBatchFailed = errors.New("batch delivery failed")

// ErrStopped is returned to items still queued when the processor shuts down.
var ErrStopped = errors.New("batch processor stopped")

type Config struct {
	Size       int
	FlushEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = DefaultFlushEvery
	}
	return c
}

type outcome struct {
	data []byte
	err  error
}

type pending struct {
	id         string
	payload    json.RawMessage
	done       chan outcome
	enqueuedAt time.Time
}

type queue struct {
	dest  *destination.Destination
	items []*pending
}

// Processor keeps one ordered queue per destination. A queue flushes when
// it reaches Size, and the ticker flushes every non-empty queue it finds.
// Items resolve independently from the per-item results in the response.
type Processor struct {
	cfg  Config
	exec *delivery.Executor
	log  logx.Logger

	mu     sync.Mutex
	queues map[string]*queue

	runCtx context.Context // set by Run; flushes outlive enqueuing callers
}

func NewProcessor(cfg Config, exec *delivery.Executor, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{
		cfg:    cfg.withDefaults(),
		exec:   exec,
		log:    log,
		queues: make(map[string]*queue),
	}
}

// wire shapes for {url}/batch
type wireBatch struct {
	Batch []wireItem `json:"batch"`
}

type wireItem struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type wireResponse struct {
	Results []wireResult `json:"results"`
}

type wireResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Enqueue queues the payload and blocks until its batch flushes and this
// item's own result is known, or ctx is canceled.
func (p *Processor) Enqueue(ctx context.Context, dest *destination.Destination, payload []byte) ([]byte, error) {
	item := &pending{
		id:         newID(),
		payload:    json.RawMessage(payload),
		done:       make(chan outcome, 1),
		enqueuedAt: time.Now(),
	}

	p.mu.Lock()
	q := p.queues[dest.Name]
	if q == nil {
		q = &queue{dest: dest}
		p.queues[dest.Name] = q
	}
	q.items = append(q.items, item)
	var full []*pending
	if len(q.items) >= p.cfg.Size {
		full = q.items
		q.items = nil
	}
	p.mu.Unlock()

	if full != nil {
		go p.flush(p.flushCtx(), dest, full)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-item.done:
		return out.data, out.err
	}
}

func (p *Processor) flushCtx() context.Context {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// Run drives the periodic tick until ctx is done, then fails any queued
// items with ErrStopped.
func (p *Processor) Run(ctx context.Context) {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	t := time.NewTicker(p.cfg.FlushEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-t.C:
			p.FlushAll(ctx)
		}
	}
}

// FlushAll flushes every non-empty queue concurrently and waits for all of
// them to resolve.
func (p *Processor) FlushAll(ctx context.Context) {
	p.mu.Lock()
	batches := make(map[*destination.Destination][]*pending)
	for _, q := range p.queues {
		if len(q.items) == 0 {
			continue
		}
		batches[q.dest] = q.items
		q.items = nil
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for dest, items := range batches {
		wg.Add(1)
		go func(dest *destination.Destination, items []*pending) {
			defer wg.Done()
			p.flush(ctx, dest, items)
		}(dest, items)
	}
	wg.Wait()
}

func (p *Processor) drain() {
	p.mu.Lock()
	var stranded []*pending
	for _, q := range p.queues {
		stranded = append(stranded, q.items...)
		q.items = nil
	}
	p.mu.Unlock()
	for _, it := range stranded {
		it.done <- outcome{err: ErrStopped}
	}
}

// flush POSTs all items as one request and resolves each from its own
// entry in the response. Items are sent in enqueue order.
func (p *Processor) flush(ctx context.Context, dest *destination.Destination, items []*pending) {
	env := wireBatch{Batch: make([]wireItem, len(items))}
	for i, it := range items {
		env.Batch[i] = wireItem{ID: it.id, Data: it.payload}
	}
	body, err := json.Marshal(env)
	if err != nil {
		p.failAll(items, fmt.Errorf("%w: %v", ErrBatchFailed, err))
		return
	}

	respBody, err := p.exec.Deliver(ctx, dest, delivery.Request{
		Payload: body,
		Path:    "/batch",
	})
	if err != nil {
		p.log.Warn("batch flush failed",
			logx.String("destination", dest.Name),
			logx.Int("items", len(items)),
			logx.Err(err),
		)
		p.failAll(items, fmt.Errorf("%w: %v", ErrBatchFailed, err))
		return
	}

	var resp wireResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		p.failAll(items, fmt.Errorf("%w: undecodable response: %v", ErrBatchFailed, err))
		return
	}

	// Correlate by id first, fall back to position.
	byID := make(map[string]wireResult, len(resp.Results))
	for _, r := range resp.Results {
		if r.ID != "" {
			byID[r.ID] = r
		}
	}
	for i, it := range items {
		r, ok := byID[it.id]
		if !ok {
			if i < len(resp.Results) {
				r = resp.Results[i]
			} else {
				it.done <- outcome{err: fmt.Errorf("%w: no result for item %s", ErrBatchFailed, it.id)}
				continue
			}
		}
		if r.Success {
			it.done <- outcome{data: r.Data}
		} else {
			msg := r.Error
			if msg == "" {
				msg = "rejected by destination"
			}
			it.done <- outcome{err: errors.New(msg)}
		}
	}
}

func (p *Processor) failAll(items []*pending, err error) {
	for _, it := range items {
		it.done <- outcome{err: err}
	}
}

// QueueLen reports the destination's current queue depth.
func (p *Processor) QueueLen(dest string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[dest]
	if q == nil {
		return 0
	}
	return len(q.items)
}

func newID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("item-%d", time.Now().UnixNano())
	}
	return id.String()
}
