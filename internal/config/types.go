package config

// Config is the root configuration for the courier process.
//
// All durations are Go duration strings (e.g. "500ms", "15s", "1m").
// The file may be JSON or YAML; YAML is coerced to JSON and both are
// decoded strictly (unknown fields are rejected).
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Metrics controls the optional Prometheus /metrics listener.
	Metrics MetricsConfig `json:"metrics,omitempty"`

	// Redis configures the shared edge cache tier. If omitted, the cache
	// runs with the in-process memory tier only.
	Redis *RedisConfig `json:"redis,omitempty"`

	// Storage controls optional persistence of dedup records across restarts.
	Storage *StorageConfig `json:"storage,omitempty"`

	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Destinations lists every delivery target: backend replicas and
	// notification channels alike. A destination missing its required
	// credential or URL is disabled, not a configuration error.
	Destinations []DestinationConfig `json:"destinations"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9109"
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// KeyPrefix namespaces edge cache keys; default "courier:cache:".
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// StorageConfig controls the optional dedup persistence layer.
//
// Driver values:
//   - "file": dependency-free jsonl backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and dedup state is
// memory-only (records are advisory; losing them on restart is tolerated).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DispatcherConfig holds process-wide delivery tunables.
//
// Defaults (when fields are omitted/zero):
//   - breaker: threshold 3, open_timeout "15s", half_open_probes 3
//   - pool_size: 5
//   - retry: attempts 3, timeout "3s", backoff_base "100ms", backoff_max "5s"
//   - cache: memory_max 10000, ttl "30s"
//   - dedup: window "5s", sweep_every "1s"
//   - batch: size 100, flush_every "50ms"
//   - gzip_min_bytes: 512
type DispatcherConfig struct {
	Breaker BreakerConfig `json:"breaker,omitempty"`
	Retry   RetryConfig   `json:"retry,omitempty"`
	Cache   CacheConfig   `json:"cache,omitempty"`
	Dedup   DedupConfig   `json:"dedup,omitempty"`
	Batch   BatchConfig   `json:"batch,omitempty"`

	PoolSize int `json:"pool_size,omitempty"`

	// GzipMinBytes compresses request bodies at or above this size.
	// Use -1 to disable compression entirely.
	GzipMinBytes int `json:"gzip_min_bytes,omitempty"`
}

type BreakerConfig struct {
	Threshold      int    `json:"threshold,omitempty"`
	OpenTimeout    string `json:"open_timeout,omitempty"`
	HalfOpenProbes int    `json:"half_open_probes,omitempty"`
}

type RetryConfig struct {
	Attempts    int    `json:"attempts,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`
}

type CacheConfig struct {
	MemoryMax int    `json:"memory_max,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

type DedupConfig struct {
	Window     string `json:"window,omitempty"`
	SweepEvery string `json:"sweep_every,omitempty"`
	// Persist writes dedup records through the storage layer (best-effort).
	Persist bool `json:"persist,omitempty"`
}

type BatchConfig struct {
	Size       int    `json:"size,omitempty"`
	FlushEvery string `json:"flush_every,omitempty"`
}

// DestinationConfig describes one delivery target.
//
// Kind selects the formatter: "backend", "telegram", "discord", "slack",
// "email". Priority ranks fallback order (lower = preferred). RatePerSec
// and RateBurst feed the destination's token bucket; zero values fall back
// to 10/10.
type DestinationConfig struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Kind     string `json:"kind,omitempty"` // default "backend"
	Region   string `json:"region,omitempty"`
	Priority int    `json:"priority,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	RateBurst  int     `json:"rate_burst,omitempty"`

	Batchable bool     `json:"batchable,omitempty"`
	Fallbacks []string `json:"fallbacks,omitempty"`

	// Token is sent as "Authorization: Bearer <token>". For notification
	// channel kinds, an empty token disables the destination.
	Token string `json:"token,omitempty"`

	HealthPath string `json:"health_path,omitempty"` // default "/health"
	ProbeEvery string `json:"probe_every,omitempty"` // default 30s backend, 60s channels
}
