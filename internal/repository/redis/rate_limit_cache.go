package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"otp-login-service/internal/client"
	"otp-login-service/internal/model"
	"otp-login-service/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
	counterPrefix   = "counter:"
	lockPrefix      = "lock:"
)

// RateLimitCache backs the resend throttle, the per-user guess counter
// and the short per-user verification lock.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// AllowSlidingWindow atomically checks-and-records one event in a
// per-key sliding window. Returns whether the event was admitted and
// the count now in the window.
func (c *RateLimitCache) AllowSlidingWindow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()

	luaScript := `
        local key = KEYS[1]
        local now = tonumber(ARGV[1])
        local window_start = tonumber(ARGV[2])
        local limit = tonumber(ARGV[3])

        redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

        local current_count = redis.call('ZCARD', key)

        if current_count < limit then
            redis.call('ZADD', key, now, now)
            redis.call('EXPIRE', key, math.ceil(tonumber(ARGV[4])))
            return {1, current_count + 1}
        else
            return {0, current_count}
        end
    `

	result, err := c.client.Eval(ctx, luaScript, []string{rateLimitPrefix + key},
		now, windowStart, limit, int(window.Seconds()))
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			util.String("key", key),
			util.Int("limit", limit),
			util.ErrorField(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}

	allowed := resultSlice[0].(int64) == 1
	currentCount := int(resultSlice[1].(int64))

	return allowed, currentCount, nil
}

func (c *RateLimitCache) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, counterPrefix+key, ttl)
	if err != nil {
		util.Error("Failed to increment counter",
			util.String("key", key),
			util.ErrorField(err))
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return int(count), nil
}

func (c *RateLimitCache) ResetCounter(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, counterPrefix+key); err != nil {
		return fmt.Errorf("failed to reset counter: %w", err)
	}
	return nil
}

// AcquireLock takes a short exclusive lock; false means someone holds it.
func (c *RateLimitCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok, err := c.client.SetNX(ctx, lockPrefix+key, "locked", ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

func (c *RateLimitCache) ReleaseLock(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, lockPrefix+key); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

var _ model.RateLimitCache = (*RateLimitCache)(nil)
