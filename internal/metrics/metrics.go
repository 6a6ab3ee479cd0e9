// Package metrics tracks delivery outcomes: atomic counters for the hot
// path, a bounded rolling latency window for percentiles, and Prometheus
// registration for scraping.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const DefaultWindowSize = 1000

// Percentiles is a point-in-time latency summary.
type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// Snapshot is the JSON stats view exposed to operational surfaces.
type Snapshot struct {
	Total       int64 `json:"total"`
	Success     int64 `json:"success"`
	Failed      int64 `json:"failed"`
	Cached      int64 `json:"cached"`
	Deduped     int64 `json:"deduped"`
	RateLimited int64 `json:"rate_limited"`

	Latency Percentiles `json:"latency"`
}

// Monitor is safe for concurrent use. Counter increments are atomic;
// only the latency ring takes a lock, and only long enough to store one
// sample.
type Monitor struct {
	total       atomic.Int64
	success     atomic.Int64
	failed      atomic.Int64
	cached      atomic.Int64
	deduped     atomic.Int64
	rateLimited atomic.Int64

	mu      sync.Mutex
	samples []time.Duration // ring buffer
	next    int
	filled  bool

	// Prometheus views. Labels stay low-cardinality: destination names come
	// from config, not request data.
	sendsTotal   *prometheus.CounterVec
	sendLatency  prometheus.Histogram
	breakerOpen  prometheus.Gauge
	healthStatus *prometheus.GaugeVec
}

func New(windowSize int) *Monitor {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	m := &Monitor{
		samples: make([]time.Duration, windowSize),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_sends_total",
			Help: "Delivery attempts by destination and outcome",
		}, []string{"destination", "outcome"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_send_latency_seconds",
			Help:    "End-to-end delivery latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_breakers_open",
			Help: "Number of destinations with an open circuit",
		}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "courier_destination_healthy",
			Help: "Last health probe result per destination (1 healthy, 0 not)",
		}, []string{"destination"}),
	}
	return m
}

// Register attaches the Prometheus views to a registry.
func (m *Monitor) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.sendsTotal, m.sendLatency, m.breakerOpen, m.healthStatus} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Outcome labels for RecordSend.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeCached      = "cached"
	OutcomeDeduped     = "deduped"
	OutcomeRateLimited = "rate_limited"
	OutcomeCircuitOpen = "circuit_open"
)

// RecordSend counts one send outcome for a destination.
func (m *Monitor) RecordSend(dest, outcome string) {
	m.total.Add(1)
	switch outcome {
	case OutcomeSuccess:
		m.success.Add(1)
	case OutcomeCached:
		m.cached.Add(1)
	case OutcomeDeduped:
		m.deduped.Add(1)
	case OutcomeRateLimited:
		m.rateLimited.Add(1)
	default:
		m.failed.Add(1)
	}
	m.sendsTotal.WithLabelValues(dest, outcome).Inc()
}

// RecordLatency stores one sample in the rolling window.
func (m *Monitor) RecordLatency(d time.Duration) {
	m.sendLatency.Observe(d.Seconds())

	m.mu.Lock()
	m.samples[m.next] = d
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.filled = true
	}
	m.mu.Unlock()
}

// SetBreakersOpen updates the open-circuit gauge.
func (m *Monitor) SetBreakersOpen(n int) { m.breakerOpen.Set(float64(n)) }

// SetHealthy records a probe result.
func (m *Monitor) SetHealthy(dest string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.healthStatus.WithLabelValues(dest).Set(v)
}

// GetPercentiles computes p50/p95/p99/min/max from a sorted copy of the
// current window. Empty window reports zeros.
func (m *Monitor) GetPercentiles() Percentiles {
	m.mu.Lock()
	n := m.next
	if m.filled {
		n = len(m.samples)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, m.samples[:n])
	m.mu.Unlock()

	if n == 0 {
		return Percentiles{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return Percentiles{
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
		Min: sorted[0],
		Max: sorted[n-1],
	}
}

// percentile interpolates the p-th percentile from a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	weight := pos - math.Floor(pos)
	return time.Duration((1-weight)*float64(sorted[lo]) + weight*float64(sorted[hi]))
}

// GetSnapshot returns the counter totals plus current percentiles.
func (m *Monitor) GetSnapshot() Snapshot {
	return Snapshot{
		Total:       m.total.Load(),
		Success:     m.success.Load(),
		Failed:      m.failed.Load(),
		Cached:      m.cached.Load(),
		Deduped:     m.deduped.Load(),
		RateLimited: m.rateLimited.Load(),
		Latency:     m.GetPercentiles(),
	}
}
