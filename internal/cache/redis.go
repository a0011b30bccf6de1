// Package cache wraps Redis for the balance read cache and distributed locks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Versions are compared as fixed-width decimal strings so that int64
// nanosecond values survive Lua's float numbers.
const setIfNewerScript = `
local cur = redis.call("HGET", KEYS[1], "v")
if cur and cur >= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "v", ARGV[1], "d", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`

// Redis is a thin key/value and lock client.
type Redis struct {
	client     *redis.Client
	release    *redis.Script
	setIfNewer *redis.Script
	prefix     string
}

// Open parses a redis:// URL and verifies the connection.
func Open(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, prefix), nil
}

// New wraps an existing client. Keys are namespaced with prefix.
func New(client *redis.Client, prefix string) *Redis {
	return &Redis{
		client:     client,
		release:    redis.NewScript(lockReleaseScript),
		setIfNewer: redis.NewScript(setIfNewerScript),
		prefix:     prefix,
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// GetVersioned returns the value stored by SetIfNewer, or ErrMiss.
func (r *Redis) GetVersioned(ctx context.Context, key string) (string, error) {
	v, err := r.client.HGet(ctx, r.key(key), "d").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

// SetIfNewer stores value at key with a ttl unless the key already holds an
// equal or higher version. Versions must not be negative.
func (r *Redis) SetIfNewer(ctx context.Context, key string, version int64, value string, ttl time.Duration) (bool, error) {
	if version < 0 {
		return false, fmt.Errorf("negative cache version %d", version)
	}
	if ttl <= 0 {
		return false, errors.New("cache ttl must be positive")
	}
	n, err := r.setIfNewer.Run(ctx, r.client, []string{r.key(key)},
		fmt.Sprintf("%020d", version), value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Del removes keys.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

// TryLock takes key for ttl if nobody holds it. The returned token must be
// passed to Release.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(key), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release drops the lock only if token still owns it.
func (r *Redis) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return r.release.Run(ctx, r.client, []string{r.key(key)}, token).Err()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
