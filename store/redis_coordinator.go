package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hetuflow/hetuflow/domain"
)

// releaseScript deletes key only if its value still matches the caller's
// token, so a renewed-elsewhere lease is never torn down by a stale release.
// Lifted from control_plane/store/redis.go's lock-release script.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// renewScript extends the TTL only if the caller still owns the lease.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisCoordinator is the fast lease/CAS backend behind the Coordinator
// interface, grounded on control_plane/store/redis.go's Lua-scripted
// acquire/renew/release triad.
type RedisCoordinator struct {
	client *redis.Client
}

func NewRedisCoordinator(client *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

func (c *RedisCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, &domain.TransientError{Op: "AcquireLease", Err: err}
	}
	return ok, nil
}

func (c *RedisCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, c.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, &domain.TransientError{Op: "RenewLease", Err: err}
	}
	return res == 1, nil
}

func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key, value string) error {
	if _, err := releaseScript.Run(ctx, c.client, []string{key}, value).Int64(); err != nil && !errors.Is(err, redis.Nil) {
		return &domain.TransientError{Op: "ReleaseLease", Err: err}
	}
	return nil
}

func (c *RedisCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", &domain.TransientError{Op: "GetLockOwner", Err: err}
	}
	return v, nil
}

func (c *RedisCoordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, &domain.TransientError{Op: "ScanLocks", Err: err}
	}
	return keys, nil
}

func (c *RedisCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &domain.TransientError{Op: "Set", Err: err}
	}
	return nil
}

func (c *RedisCoordinator) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", &domain.TransientError{Op: "Get", Err: err}
	}
	return v, nil
}
