package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantumtasks/platform/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimiter implements sliding window rate limiting using Redis
type RateLimiter struct {
	redis  *Redis
	config *config.RateLimitConfig
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(r *Redis, cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		redis:  r,
		config: cfg,
	}
}

// Check checks if a request is allowed under the rate limit.
// Uses a sliding window over a Redis sorted set; on Redis errors
// it fails open so the cache never blocks paying users.
func (r *RateLimiter) Check(ctx context.Context, userID string) (*RateLimitResult, error) {
	limit := r.config.ExecuteLimit
	windowSeconds := r.config.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = 60
	}

	now := time.Now()
	windowDuration := time.Duration(windowSeconds) * time.Second
	windowStart := now.Add(-windowDuration)

	key := fmt.Sprintf("ratelimit:execute:%s", userID)

	pipe := r.redis.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to check rate limit")
		return &RateLimitResult{
			Allowed:   true,
			Remaining: int64(limit),
			Limit:     limit,
		}, nil
	}

	currentCount := countCmd.Val()
	remaining := int64(limit) - currentCount

	result := &RateLimitResult{
		Limit:   limit,
		ResetAt: now.Add(windowDuration),
	}

	if currentCount >= int64(limit) {
		result.Allowed = false
		result.Remaining = 0
		result.RetryAfter = r.retryAfter(ctx, key, windowDuration, now)
		return result, nil
	}

	member := redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.New().String(),
	}
	pipe = r.redis.Client.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.Expire(ctx, key, windowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record rate limit entry")
	}

	result.Allowed = true
	result.Remaining = remaining - 1
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// retryAfter computes when the oldest entry in the window expires
func (r *RateLimiter) retryAfter(ctx context.Context, key string, window time.Duration, now time.Time) time.Duration {
	entries, err := r.redis.Client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(entries) == 0 {
		return window
	}
	oldest := time.Unix(0, int64(entries[0].Score))
	retry := oldest.Add(window).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return retry
}
