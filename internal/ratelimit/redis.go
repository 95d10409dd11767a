package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements the fixed window with an atomic INCR so
// concurrent attempts from the same key cannot race past the limit. The
// key's TTL is set on the first attempt and left alone afterwards, which
// makes the window fixed rather than rolling.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedis creates a limiter backed by the given client.
func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments the counter for key and reports whether it stayed
// within limit for the current window.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}
