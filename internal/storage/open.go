package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "courier/pkg/logx"
)

// Store persists dedup records so duplicate suppression survives a restart.
// Persistence is best-effort: the dedup filter works from memory and treats
// every store error as a miss.
type Store interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// LoadDedup returns all unexpired records, for warm-starting the filter.
	LoadDedup(ctx context.Context) (map[string]time.Time, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
