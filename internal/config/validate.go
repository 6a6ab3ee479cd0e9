package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validKinds = map[string]bool{
	"":         true, // defaults to backend
	"backend":  true,
	"telegram": true,
	"discord":  true,
	"slack":    true,
	"email":    true,
}

// Validate checks the parts of the config that would make the dispatcher
// misbehave at runtime. Missing credentials are NOT errors here: a
// destination without its token is disabled, never rejected.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Destinations))
	for i, d := range c.Destinations {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("destinations[%d]: name required", i)
		}
		if names[name] {
			return fmt.Errorf("destinations[%d]: duplicate name %q", i, name)
		}
		names[name] = true

		if !validKinds[strings.ToLower(strings.TrimSpace(d.Kind))] {
			return fmt.Errorf("destinations[%d] (%s): unknown kind %q", i, name, d.Kind)
		}
		if u := strings.TrimSpace(d.URL); u != "" {
			parsed, err := url.Parse(u)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return fmt.Errorf("destinations[%d] (%s): invalid url %q", i, name, d.URL)
			}
		}
		if d.RatePerSec < 0 {
			return fmt.Errorf("destinations[%d] (%s): rate_per_sec must be >= 0", i, name)
		}
		if _, err := ParseDurationField(fmt.Sprintf("destinations[%d].probe_every", i), d.ProbeEvery); err != nil {
			return err
		}
	}

	// Fallbacks must reference configured destinations.
	for i, d := range c.Destinations {
		for _, fb := range d.Fallbacks {
			if !names[strings.TrimSpace(fb)] {
				return fmt.Errorf("destinations[%d] (%s): unknown fallback %q", i, d.Name, fb)
			}
		}
	}

	durs := []struct{ path, raw string }{
		{"dispatcher.breaker.open_timeout", c.Dispatcher.Breaker.OpenTimeout},
		{"dispatcher.retry.timeout", c.Dispatcher.Retry.Timeout},
		{"dispatcher.retry.backoff_base", c.Dispatcher.Retry.BackoffBase},
		{"dispatcher.retry.backoff_max", c.Dispatcher.Retry.BackoffMax},
		{"dispatcher.cache.ttl", c.Dispatcher.Cache.TTL},
		{"dispatcher.dedup.window", c.Dispatcher.Dedup.Window},
		{"dispatcher.dedup.sweep_every", c.Dispatcher.Dedup.SweepEvery},
		{"dispatcher.batch.flush_every", c.Dispatcher.Batch.FlushEvery},
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
