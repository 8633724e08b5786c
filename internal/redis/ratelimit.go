package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines management-API rate limiting parameters.
// Per-provider send throttling is separate: the provider registry uses
// in-process token buckets.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over a Redis sorted set per
// key. Each admitted request is a member scored by its nanosecond
// timestamp; the window slides by trimming members older than now-Window.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow records the request and reports whether it is within the
// limit. Trim, insert, and count run in one pipeline; a rejected
// request's member is removed again so it does not count against the
// caller's next window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	redisKey := "herald:ratelimit:" + key
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-r.config.Window).UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, r.config.Window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit pipeline: %w", err)
	}

	count := int(countCmd.Val())
	result := &RateLimitResult{
		Allowed:   count <= r.config.Limit,
		Limit:     r.config.Limit,
		Remaining: r.config.Limit - count,
		ResetAt:   now.Add(r.config.Window),
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}

	if !result.Allowed {
		if err := r.client.rdb.ZRem(ctx, redisKey, member).Err(); err != nil {
			r.logger.Warn("failed to roll back rejected rate limit entry",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("count", count),
			zap.Int("limit", r.config.Limit),
		)
	}

	return result, nil
}
