package lock

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the key only while it still holds the caller's token,
// so a holder whose TTL expired cannot release a lock re-acquired by someone
// else.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisLock backs Locker with Redis SET NX + PX.
type RedisLock struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLock(client redis.Cmdable, prefix string) *RedisLock {
	return &RedisLock{client: client, prefix: prefix}
}

func (l *RedisLock) key(key string) string {
	if l.prefix == "" {
		return key
	}
	return l.prefix + ":" + key
}

func (l *RedisLock) Acquire(ctx context.Context, key, holderToken string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrTTLRequired
	}

	ok, err := l.client.SetNX(ctx, l.key(key), holderToken, ttl).Result()
	if err != nil {
		// Fail closed: a lock we cannot confirm is a lock we do not hold.
		log.Printf("[LOCK] Acquire failed for %s: %v", key, err)
		return false, err
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context, key, holderToken string) (bool, error) {
	deleted, err := l.client.Eval(ctx, releaseScript, []string{l.key(key)}, holderToken).Int64()
	if err != nil {
		log.Printf("[LOCK] Release failed for %s: %v", key, err)
		return false, err
	}
	return deleted == 1, nil
}

func (l *RedisLock) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
