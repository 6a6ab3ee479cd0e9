package app

import (
	"time"

	"courier/internal/breaker"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/storage"
)

func mapBreakerConfig(c config.BreakerConfig) (breaker.Config, error) {
	openTimeout, err := config.ParseDurationField("dispatcher.breaker.open_timeout", c.OpenTimeout)
	if err != nil {
		return breaker.Config{}, err
	}
	return breaker.Config{
		Threshold:      c.Threshold,
		OpenTimeout:    openTimeout,
		HalfOpenProbes: c.HalfOpenProbes,
	}, nil
}

func mapRetryConfig(dc config.DispatcherConfig) (delivery.Config, error) {
	timeout, err := config.ParseDurationField("dispatcher.retry.timeout", dc.Retry.Timeout)
	if err != nil {
		return delivery.Config{}, err
	}
	base, err := config.ParseDurationField("dispatcher.retry.backoff_base", dc.Retry.BackoffBase)
	if err != nil {
		return delivery.Config{}, err
	}
	max, err := config.ParseDurationField("dispatcher.retry.backoff_max", dc.Retry.BackoffMax)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Attempts:     dc.Retry.Attempts,
		Timeout:      timeout,
		BackoffBase:  base,
		BackoffMax:   max,
		GzipMinBytes: dc.GzipMinBytes,
	}, nil
}

func mapStorageConfig(c *config.StorageConfig) (storage.Config, error) {
	var busy time.Duration
	if c.BusyTimeout != "" {
		d, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		busy = d
	}
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, nil
}
