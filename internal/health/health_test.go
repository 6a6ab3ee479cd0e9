package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/config"
	"courier/internal/destination"
	logx "courier/pkg/logx"
)

func newRegistry(t *testing.T, cfgs ...config.DestinationConfig) *destination.Registry {
	t.Helper()
	reg, err := destination.NewRegistry(cfgs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestProbeMarksHealthyAndUnhealthy(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	reg := newRegistry(t, config.DestinationConfig{Name: "api", URL: srv.URL})
	p := NewProber(reg, nil, logx.Nop())
	d, _ := reg.Get("api")

	p.probe(context.Background(), d)
	if !p.Healthy("api") {
		t.Fatalf("expected healthy after 200")
	}

	healthy.Store(false)
	p.probe(context.Background(), d)
	if p.Healthy("api") {
		t.Fatalf("expected unhealthy after 503")
	}
	if snap := p.Snapshot(); snap["api"] {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestUnknownDestinationDefaultsHealthy(t *testing.T) {
	reg := newRegistry(t)
	p := NewProber(reg, nil, logx.Nop())
	if !p.Healthy("never-probed") {
		t.Fatalf("unknown destination should default to healthy")
	}
}

func TestProberSchedulesProbes(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	reg := newRegistry(t, config.DestinationConfig{
		Name:       "api",
		URL:        srv.URL,
		ProbeEvery: "100ms",
	})
	p := NewProber(reg, nil, logx.Nop())
	p.Start(context.Background())
	defer p.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no probe fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !p.Healthy("api") {
		t.Fatalf("expected healthy")
	}
}

func TestUnreachableDestinationIsUnhealthy(t *testing.T) {
	reg := newRegistry(t, config.DestinationConfig{Name: "gone", URL: "http://127.0.0.1:1"})
	p := NewProber(reg, nil, logx.Nop())
	d, _ := reg.Get("gone")

	p.probe(context.Background(), d)
	if p.Healthy("gone") {
		t.Fatalf("expected unhealthy for unreachable destination")
	}
}
