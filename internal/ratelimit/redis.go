package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"github.com/redis/go-redis/v9"
	"time"
)

const redisWindow = time.Second

// RedisLimiter is a fixed one-second window counter shared by every node.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, maxPerSecond int) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: maxPerSecond}
}

// RedisFactory binds a client and key prefix into a Factory.
func RedisFactory(client redis.UniversalClient, prefix string) Factory {
	return func(maxPerSecond int) Limiter {
		return NewRedisLimiter(client, prefix, maxPerSecond)
	}
}

func (l *RedisLimiter) key(key string) string {
	return l.prefix + "ratelimit:" + key
}

func (l *RedisLimiter) result(count int64, ttl time.Duration) Result {
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	return Result{Allowed: count <= int64(l.limit), Remaining: remaining, ResetAfter: ttl, Limit: l.limit}
}

func (l *RedisLimiter) Check(ctx context.Context, key string) (Result, error) {
	k := l.key(key)
	pipe := l.client.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("rate limit check %s: %w", key, err)
	}
	count, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return Result{Allowed: l.limit > 0, Remaining: l.limit, Limit: l.limit}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check %s: %w", key, err)
	}
	// Check does not consume; it reports whether one more event fits
	r := l.result(count, ttl.Val())
	r.Allowed = count < int64(l.limit)
	return r, nil
}

func (l *RedisLimiter) Increment(ctx context.Context, key string) (Result, error) {
	k := l.key(key)
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Do(ctx, "pexpire", k, redisWindow.Milliseconds(), "nx")
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit increment %s: %w", key, err)
	}
	return l.result(incr.Val(), ttl.Val()), nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("rate limit reset %s: %w", key, err)
	}
	return nil
}

func (l *RedisLimiter) GetRemaining(ctx context.Context, key string) (int, error) {
	r, err := l.Check(ctx, key)
	return r.Remaining, err
}
