// Package health probes destination health endpoints on their own
// schedules. Probe results feed logs and metrics only; delivery outcomes
// drive the circuit breaker, so a flapping health endpoint can never open
// a circuit on its own.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/destination"
	"courier/internal/metrics"
	logx "courier/pkg/logx"
)

const probeTimeout = 5 * time.Second

// Prober schedules one cron entry per enabled destination at its
// configured interval.
type Prober struct {
	mon    *metrics.Monitor
	client *http.Client
	log    logx.Logger

	mu     sync.Mutex
	reg    *destination.Registry
	c      *cron.Cron
	status map[string]bool
	ctx    context.Context
}

func NewProber(reg *destination.Registry, mon *metrics.Monitor, log logx.Logger) *Prober {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{
		mon:    mon,
		client: &http.Client{Timeout: probeTimeout},
		log:    log,
		reg:    reg,
		status: make(map[string]bool),
	}
}

func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return
	}
	p.ctx = ctx
	p.startLocked()
}

func (p *Prober) startLocked() {
	p.c = cron.New()
	for _, d := range p.reg.All() {
		if !d.Enabled() {
			continue
		}
		d := d
		_, err := p.c.AddFunc(fmt.Sprintf("@every %s", d.ProbeEvery), func() {
			p.probe(p.ctx, d)
		})
		if err != nil {
			p.log.Error("health probe not scheduled", logx.String("destination", d.Name), logx.Err(err))
		}
	}
	p.c.Start()
	p.log.Info("health prober started", logx.Int("destinations", len(p.reg.All())))
}

func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c == nil {
		return
	}
	<-p.c.Stop().Done()
	p.c = nil
}

// Apply swaps the destination set on config reload and reschedules all
// probes. Known statuses for surviving destinations are kept.
func (p *Prober) Apply(reg *destination.Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reg = reg
	if p.c == nil {
		return
	}
	<-p.c.Stop().Done()
	p.startLocked()
}

// Healthy reports the last probe result; unknown destinations default to
// healthy so a destination is never skipped before its first probe.
func (p *Prober) Healthy(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.status[name]
	return !ok || h
}

// Snapshot returns the last probe result per destination.
func (p *Prober) Snapshot() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.status))
	for k, v := range p.status {
		out[k] = v
	}
	return out
}

func (p *Prober) probe(ctx context.Context, d *destination.Destination) {
	url := strings.TrimRight(d.URL, "/") + d.HealthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.setHealthy(d.Name, false, err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.setHealthy(d.Name, false, err)
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.setHealthy(d.Name, false, fmt.Errorf("status %d", resp.StatusCode))
		return
	}
	p.setHealthy(d.Name, true, nil)
}

func (p *Prober) setHealthy(name string, healthy bool, cause error) {
	p.mu.Lock()
	prev, known := p.status[name]
	p.status[name] = healthy
	p.mu.Unlock()

	if p.mon != nil {
		p.mon.SetHealthy(name, healthy)
	}
	if known && prev == healthy {
		return
	}
	if healthy {
		p.log.Info("destination healthy", logx.String("destination", name))
	} else {
		p.log.Warn("destination unhealthy", logx.String("destination", name), logx.Err(cause))
	}
}
