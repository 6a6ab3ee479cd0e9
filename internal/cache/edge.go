package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEdge adapts a go-redis client to the EdgeStore interface.
//
// Keys are namespaced with a prefix so several courier processes can share
// one Redis. Values carry Redis's own TTL, so the edge tier self-expires
// without a sweeper.
type RedisEdge struct {
	client redis.Cmdable
	prefix string
}

func NewRedisEdge(client redis.Cmdable, prefix string) *RedisEdge {
	if strings.TrimSpace(prefix) == "" {
		prefix = "courier:cache:"
	}
	return &RedisEdge{client: client, prefix: prefix}
}

// Get pipelines GET with TTL so the memory tier can inherit the entry's
// remaining lifetime. A missing or persistent key reports ttl 0.
func (r *RedisEdge) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	k := r.prefix + key
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.TTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, err
	}

	val, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return val, ttl, true, nil
}

func (r *RedisEdge) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}
