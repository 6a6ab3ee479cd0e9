package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one of courier's duration-typed config fields
// (cache_ttl, dedup window, probe_every, flush_every), which are Go
// duration strings like "30s" or "1m30s" rather than bare numbers. path
// names the field in the error, e.g. "dispatcher.cache_ttl". Empty input
// parses to 0 so the caller can tell "unset" from a bad value.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for empty or zero fields. Used
// for intervals where zero makes no operational sense, like probe_every.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
