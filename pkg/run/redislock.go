package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisReleaseScript deletes the lock key only while the caller still owns
// it, so a lease that expired and was re-acquired elsewhere cannot be
// released by the old holder.
// KEYS[1] = lock key
// ARGV[1] = owner token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is the multi-node Locker: SET NX PX with an owner token and a
// compare-and-delete release.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps an existing Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("run lock acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (rl *redisLease) Release(ctx context.Context) error {
	err := redisReleaseScript.Run(ctx, rl.client, []string{rl.key}, rl.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("run lock release %s: %w", rl.key, err)
	}
	return nil
}
