// Package delivery performs single-request HTTP delivery with bounded
// retries, exponential backoff, and per-attempt timeouts.
package delivery

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"courier/internal/breaker"
	"courier/internal/destination"
	"courier/internal/metrics"
	"courier/internal/pool"
	logx "courier/pkg/logx"
)

const (
	DefaultAttempts     = 3
	DefaultTimeout      = 3 * time.Second
	DefaultBackoffBase  = 100 * time.Millisecond
	DefaultBackoffMax   = 5 * time.Second
	DefaultGzipMinBytes = 512
)

// Config holds retry/backoff knobs after defaults.
type Config struct {
	// Attempts is the number of retries after the first try.
	Attempts    int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// GzipMinBytes compresses bodies at or above this size. -1 disables.
	GzipMinBytes int
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.GzipMinBytes == 0 {
		c.GzipMinBytes = DefaultGzipMinBytes
	}
	return c
}

// Error is the terminal failure after retries are exhausted (or a
// non-retryable rejection). Last carries the underlying cause.
type Error struct {
	Destination string
	Attempts    int
	Last        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempt(s): %v", e.Destination, e.Attempts, e.Last)
}

func (e *Error) Unwrap() error { return e.Last }

// Executor delivers one payload to one destination. It owns the retry loop
// and feeds the circuit breaker; admission (rate limit, breaker check,
// dedup, cache) happens upstream in the router.
type Executor struct {
	cfg      Config
	breakers *breaker.Registry
	pool     *pool.Pool
	mon      *metrics.Monitor
	log      logx.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg Config, breakers *breaker.Registry, p *pool.Pool, mon *metrics.Monitor, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		cfg:      cfg.withDefaults(),
		breakers: breakers,
		pool:     p,
		mon:      mon,
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Request is one outbound delivery.
type Request struct {
	Payload  []byte
	Priority string // "critical" or "normal"; sent as X-Priority
	// Timeout overrides the per-attempt timeout when > 0.
	Timeout time.Duration
	// Path is appended to the destination URL ("" for plain sends,
	// "/batch" for batch flushes).
	Path string
}

// Deliver sends the request, retrying transient failures with exponential
// backoff. Every attempt runs under its own deadline; a timed-out attempt
// counts as a failure for both backoff and the circuit breaker.
func (e *Executor) Deliver(ctx context.Context, dest *destination.Destination, req Request) ([]byte, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	var last error
	attempts := 0
	for attempt := 0; attempt <= e.cfg.Attempts; attempt++ {
		attempts++
		start := time.Now()
		body, err := e.attempt(ctx, dest, req, timeout)
		if err == nil {
			if e.mon != nil {
				e.mon.RecordLatency(time.Since(start))
			}
			e.breakers.RecordSuccess(dest.Name)
			return body, nil
		}
		last = err

		if !retryable(err) {
			// Client errors fail fast: no retry budget spent, no breaker
			// pressure from a request that can never succeed.
			e.log.Debug("delivery rejected",
				logx.String("destination", dest.Name),
				logx.Err(err),
			)
			return nil, &Error{Destination: dest.Name, Attempts: attempts, Last: err}
		}

		e.breakers.RecordFailure(dest.Name)
		e.log.Debug("delivery attempt failed",
			logx.String("destination", dest.Name),
			logx.Int("attempt", attempt+1),
			logx.Err(err),
		)

		if attempt < e.cfg.Attempts {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return nil, &Error{Destination: dest.Name, Attempts: attempts, Last: last}
			}
		}
	}
	return nil, &Error{Destination: dest.Name, Attempts: attempts, Last: last}
}

// backoff returns min(base * 2^attempt, max).
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}

func (e *Executor) attempt(ctx context.Context, dest *destination.Destination, req Request, timeout time.Duration) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := e.buildRequest(actx, dest, req)
	if err != nil {
		return nil, err
	}

	client := e.client(dest)
	resp, err := client.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (e *Executor) buildRequest(ctx context.Context, dest *destination.Destination, req Request) (*http.Request, error) {
	body := req.Payload
	compressed := false
	if e.cfg.GzipMinBytes >= 0 && len(body) >= e.cfg.GzipMinBytes {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		body = buf.Bytes()
		compressed = true
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL+req.Path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", newRequestID())
	if req.Priority != "" {
		httpReq.Header.Set("X-Priority", req.Priority)
	}
	if dest.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+dest.Token)
	}
	if compressed {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}
	return httpReq, nil
}

func newRequestID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return "req-unknown"
	}
	return id.String()
}

// releasingClient ties a pooled slot's release to request completion.
type releasingClient struct {
	client  *http.Client
	release func()
}

func (c releasingClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if c.release != nil {
		c.release()
	}
	return resp, err
}

// client acquires a pooled slot when one is free; exhaustion falls through
// to the shared ephemeral client so the request never blocks on the pool.
func (e *Executor) client(dest *destination.Destination) releasingClient {
	if e.pool == nil {
		return releasingClient{client: http.DefaultClient}
	}
	if slot, ok := e.pool.Acquire(dest.Name); ok {
		return releasingClient{
			client:  slot.Client,
			release: func() { e.pool.Release(dest.Name, slot) },
		}
	}
	return releasingClient{client: e.pool.Ephemeral()}
}
