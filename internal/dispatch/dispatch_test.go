package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/batch"
	"courier/internal/breaker"
	"courier/internal/cache"
	"courier/internal/config"
	"courier/internal/dedup"
	"courier/internal/delivery"
	"courier/internal/destination"
	"courier/internal/metrics"
	"courier/internal/pool"
	"courier/internal/ratelimit"
	logx "courier/pkg/logx"
)

// newDeps wires a full stack against the given destinations with fast
// timeouts. Tests tweak the returned Deps before calling New.
func newDeps(t *testing.T, cfgs []config.DestinationConfig) Deps {
	t.Helper()
	reg, err := destination.NewRegistry(cfgs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	br := breaker.NewRegistry(breaker.Config{Threshold: 2, OpenTimeout: time.Hour})
	limits := ratelimit.NewRegistry(func(name string) ratelimit.Budget {
		if d, ok := reg.Get(name); ok {
			return ratelimit.Budget{PerSec: d.RatePerSec, Burst: d.RateBurst}
		}
		return ratelimit.Budget{}
	})
	p := pool.New(2, nil)
	mon := metrics.New(100)
	exec := delivery.NewExecutor(delivery.Config{
		Attempts:    1,
		Timeout:     200 * time.Millisecond,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, br, p, mon, logx.Nop())

	return Deps{
		Registry: reg,
		Breakers: br,
		Limits:   limits,
		Filter:   dedup.New(dedup.Options{Window: time.Hour}),
		Cache:    cache.New(cache.Options{TTL: time.Hour}),
		Executor: exec,
		Monitor:  mon,
		Log:      logx.Nop(),
	}
}

func backendCfg(name, url string, mod func(*config.DestinationConfig)) config.DestinationConfig {
	c := config.DestinationConfig{
		Name:       name,
		URL:        url,
		Kind:       "backend",
		RatePerSec: 1000,
		RateBurst:  1000,
	}
	if mod != nil {
		mod(&c)
	}
	return c
}

func TestSendDeliversAndCaches(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	deps := newDeps(t, []config.DestinationConfig{backendCfg("api", srv.URL, nil)})
	deps.Filter = nil // isolate cache behavior
	d := New(deps)

	body, err := d.Send(context.Background(), "api", []byte(`{"n":1}`), SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %q", body)
	}

	// Same payload again: served from cache, no second request.
	body, err = d.Send(context.Background(), "api", []byte(`{"n":1}`), SendOptions{})
	if err != nil {
		t.Fatalf("cached Send: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("cached body = %q", body)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("server hits = %d, want 1", n)
	}
}

func TestDuplicateIsSuppressedBeforeDelivery(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	deps := newDeps(t, []config.DestinationConfig{backendCfg("api", srv.URL, nil)})
	deps.Cache = nil // dedup must fire before any cache involvement
	d := New(deps)

	if _, err := d.Send(context.Background(), "api", []byte("payload"), SendOptions{}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	_, err := d.Send(context.Background(), "api", []byte("payload"), SendOptions{})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("server hits = %d, want 1", n)
	}
}

func TestNoCacheOptionBypassesCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	deps := newDeps(t, []config.DestinationConfig{backendCfg("api", srv.URL, nil)})
	deps.Filter = nil
	d := New(deps)

	for i := 0; i < 2; i++ {
		if _, err := d.Send(context.Background(), "api", []byte("p"), SendOptions{NoCache: true}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("server hits = %d, want 2", n)
	}
}

func TestOpenCircuitReroutesToFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	var fbHits atomic.Int64
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fbHits.Add(1)
		w.Write([]byte("via-fallback"))
	}))
	defer good.Close()

	deps := newDeps(t, []config.DestinationConfig{
		backendCfg("primary", bad.URL, func(c *config.DestinationConfig) {
			c.Fallbacks = []string{"secondary"}
		}),
		backendCfg("secondary", good.URL, nil),
	})
	deps.Filter = nil
	deps.Cache = nil
	d := New(deps)

	// Two wire failures (first try + one retry) trip the threshold-2 circuit.
	if _, err := d.Send(context.Background(), "primary", []byte("a"), SendOptions{}); err == nil {
		t.Fatalf("expected failure while circuit closed")
	}
	if got := deps.Breakers.State("primary"); got != breaker.Open {
		t.Fatalf("primary state = %v, want Open", got)
	}

	body, err := d.Send(context.Background(), "primary", []byte("b"), SendOptions{})
	if err != nil {
		t.Fatalf("rerouted Send: %v", err)
	}
	if string(body) != "via-fallback" {
		t.Fatalf("body = %q", body)
	}
	if n := fbHits.Load(); n != 1 {
		t.Fatalf("fallback hits = %d, want 1", n)
	}
}

// A half-open fallback keeps its probe budget for calls that actually reach
// it. Sends admitted to the primary inspect the chain read-only and never
// spend probes on destinations they do not deliver to.
func TestNormalSendsDoNotSpendFallbackProbes(t *testing.T) {
	pri := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("primary"))
	}))
	defer pri.Close()
	var secHits atomic.Int64
	var secDown atomic.Bool
	secDown.Store(true)
	sec := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secHits.Add(1)
		if secDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("secondary"))
	}))
	defer sec.Close()

	deps := newDeps(t, []config.DestinationConfig{
		backendCfg("primary", pri.URL, func(c *config.DestinationConfig) {
			c.Fallbacks = []string{"secondary"}
		}),
		backendCfg("secondary", sec.URL, nil),
	})
	deps.Filter = nil
	deps.Cache = nil
	br := breaker.NewRegistry(breaker.Config{Threshold: 1, OpenTimeout: time.Minute, HalfOpenProbes: 3})
	t0 := time.Now()
	now := t0
	br.SetClock(func() time.Time { return now })
	deps.Breakers = br
	deps.Executor = delivery.NewExecutor(delivery.Config{
		Attempts:    1,
		Timeout:     200 * time.Millisecond,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, br, pool.New(2, nil), deps.Monitor, logx.Nop())
	d := New(deps)

	// Trip the secondary's circuit while it serves errors.
	if _, err := d.Send(context.Background(), "secondary", []byte("x"), SendOptions{}); err == nil {
		t.Fatalf("expected failure while secondary is down")
	}
	if got := br.State("secondary"); got != breaker.Open {
		t.Fatalf("secondary state = %v, want Open", got)
	}
	secDown.Store(false)
	tripHits := secHits.Load()

	// Past the open timeout the secondary is probe-eligible. Sends to the
	// primary must leave that budget alone.
	now = t0.Add(2 * time.Minute)
	for i := 0; i < 5; i++ {
		if _, err := d.Send(context.Background(), "primary", []byte{byte(i)}, SendOptions{}); err != nil {
			t.Fatalf("primary Send %d: %v", i, err)
		}
	}
	if n := secHits.Load(); n != tripHits {
		t.Fatalf("secondary hits = %d, want %d (probes spent by primary traffic)", n, tripHits)
	}

	// The recovered secondary still has its probes and closes on success.
	body, err := d.Send(context.Background(), "secondary", []byte("y"), SendOptions{})
	if err != nil {
		t.Fatalf("probing Send: %v", err)
	}
	if string(body) != "secondary" {
		t.Fatalf("body = %q", body)
	}
	if got := br.State("secondary"); got != breaker.Closed {
		t.Fatalf("secondary state = %v, want Closed", got)
	}
}

func TestAllCircuitsOpenRejectsWithoutWire(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	deps := newDeps(t, []config.DestinationConfig{backendCfg("api", srv.URL, nil)})
	deps.Filter = nil
	deps.Cache = nil
	d := New(deps)

	if _, err := d.Send(context.Background(), "api", []byte("a"), SendOptions{}); err == nil {
		t.Fatalf("expected failure")
	}
	wireHits := hits.Load()

	_, err := d.Send(context.Background(), "api", []byte("b"), SendOptions{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != wireHits {
		t.Fatalf("open circuit still reached the wire")
	}
}

func TestRateLimitedSendIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	deps := newDeps(t, []config.DestinationConfig{
		backendCfg("api", srv.URL, func(c *config.DestinationConfig) {
			c.RatePerSec = 0.001
			c.RateBurst = 1
		}),
	})
	deps.Filter = nil
	deps.Cache = nil
	d := New(deps)

	if _, err := d.Send(context.Background(), "api", []byte("a"), SendOptions{}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	_, err := d.Send(context.Background(), "api", []byte("b"), SendOptions{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestUnknownDestination(t *testing.T) {
	deps := newDeps(t, []config.DestinationConfig{backendCfg("api", "http://127.0.0.1:1", nil)})
	d := New(deps)

	_, err := d.Send(context.Background(), "nope", []byte("x"), SendOptions{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestCriticalRaceBackupWins(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("slow"))
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fast"))
	}))
	defer fast.Close()

	deps := newDeps(t, []config.DestinationConfig{
		backendCfg("primary", slow.URL, func(c *config.DestinationConfig) {
			c.Fallbacks = []string{"secondary"}
		}),
		backendCfg("secondary", fast.URL, nil),
	})
	deps.Filter = nil
	deps.Cache = nil
	d := New(deps)

	start := time.Now()
	body, err := d.Send(context.Background(), "primary", []byte("x"), SendOptions{Priority: PriorityCritical})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(body) != "fast" {
		t.Fatalf("body = %q, want backup's response", body)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("race did not return on first success (took %v)", elapsed)
	}
}

func TestCriticalRaceSkipsUnhealthyBackup(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("primary"))
	}))
	defer primary.Close()
	var backupHits atomic.Int64
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupHits.Add(1)
		w.Write([]byte("backup"))
	}))
	defer backup.Close()

	deps := newDeps(t, []config.DestinationConfig{
		backendCfg("primary", primary.URL, func(c *config.DestinationConfig) {
			c.Fallbacks = []string{"secondary"}
		}),
		backendCfg("secondary", backup.URL, nil),
	})
	deps.Filter = nil
	deps.Cache = nil
	deps.Healthy = func(name string) bool { return name != "secondary" }
	d := New(deps)

	body, err := d.Send(context.Background(), "primary", []byte("x"), SendOptions{Priority: PriorityCritical})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(body) != "primary" {
		t.Fatalf("body = %q", body)
	}
	if n := backupHits.Load(); n != 0 {
		t.Fatalf("unhealthy backup was raced (%d hits)", n)
	}
}

func TestBatchableSendGoesThroughBatchEndpoint(t *testing.T) {
	var batchCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/batch" {
			t.Errorf("path = %q, want /batch", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		batchCalls.Add(1)
		var req struct {
			Batch []struct {
				ID   string          `json:"id"`
				Data json.RawMessage `json:"data"`
			} `json:"batch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		type result struct {
			ID      string          `json:"id"`
			Success bool            `json:"success"`
			Data    json.RawMessage `json:"data,omitempty"`
		}
		resp := struct {
			Results []result `json:"results"`
		}{}
		for _, it := range req.Batch {
			resp.Results = append(resp.Results, result{ID: it.ID, Success: true, Data: it.Data})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	deps := newDeps(t, []config.DestinationConfig{
		backendCfg("bulk", srv.URL, func(c *config.DestinationConfig) { c.Batchable = true }),
	})
	deps.Filter = nil
	deps.Cache = nil
	deps.Batch = batch.NewProcessor(batch.Config{Size: 1, FlushEvery: time.Hour}, deps.Executor, logx.Nop())
	d := New(deps)

	body, err := d.Send(context.Background(), "bulk", []byte(`{"v":7}`), SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(body) != `{"v":7}` {
		t.Fatalf("body = %q", body)
	}
	if n := batchCalls.Load(); n != 1 {
		t.Fatalf("batch calls = %d, want 1", n)
	}
}

func TestOutcomeCountersTrackSends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	deps := newDeps(t, []config.DestinationConfig{backendCfg("api", srv.URL, nil)})
	d := New(deps)

	d.Send(context.Background(), "api", []byte("p"), SendOptions{})
	d.Send(context.Background(), "api", []byte("p"), SendOptions{}) // deduped

	snap := deps.Monitor.GetSnapshot()
	if snap.Success != 1 || snap.Deduped != 1 {
		t.Fatalf("snapshot = %+v, want 1 success, 1 deduped", snap)
	}
}
