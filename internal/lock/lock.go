package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker hands out per-key locks. A dispatch run holds one for its
// newsletter so a redelivered job cannot start a second run.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lock, bool, error)
}

// Lock is a held lock. Extend pushes the expiry a full TTL out again and
// returns ErrLockLost when the key expired or changed hands.
type Lock interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

var ErrLockLost = errors.New("lock no longer held")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLocker implements Locker with SET NX and a TTL.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

// NewRedisLockerFromURL connects and pings before returning.
func NewRedisLockerFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*RedisLocker, *redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisLocker(client, ttl), client, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lock, bool, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, false, err
	}
	held := &redisLock{client: l.client, key: "lock:" + key, value: hex.EncodeToString(b), ttl: l.ttl}

	ok, err := l.client.SetNX(ctx, held.key, held.value, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", held.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return held, true, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

func (l *redisLock) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrLockLost)
	}
	return nil
}

// Release deletes the key only if this holder still owns it.
func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
