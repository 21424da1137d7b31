// Package kv wraps the process-wide Redis connection pool (spec.md §9's
// "two process-wide singletons": this is one, the relational pool in
// eventlog/scheduler is the other) and exposes the small set of primitives
// the crawler's rate limiter/status and the FileMetadata store need:
// get/set a hash, integer increment with expiry, and a scalar status flag.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the KV contract used by files.Store and crawler state. It is
// intentionally narrow — a fake in tests needs only these five methods.
type Store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Redis implements Store on top of a single go-redis client, the shared
// connection described in spec.md §6's redis.url/redis.max_pool_size
// configuration keys.
type Redis struct {
	client *redis.Client
}

// Open constructs the process-wide Redis pool from a connection URL
// (e.g. "redis://localhost:6379/0") and a max pool size.
func Open(url string, maxPoolSize int) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if maxPoolSize > 0 {
		opts.PoolSize = maxPoolSize
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *Redis) HSet(ctx context.Context, key string, values map[string]string) error {
	fields := make([]string, 0, len(values)*2)
	for k, v := range values {
		fields = append(fields, k, v)
	}
	return r.client.HSet(ctx, key, fields).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Incr increments key by one, setting ttl only on the first creation (i.e.
// when the counter's current value is 1 right after the increment) so a
// rolling window counter expires window_seconds after its first request
// rather than resetting its TTL on every hit.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		r.client.Expire(ctx, key, ttl)
	}
	return n, nil
}
