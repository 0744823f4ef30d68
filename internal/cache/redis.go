package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis wraps the go-redis client with app-level helpers
type Redis struct {
	Client *redis.Client
}

// New creates a Redis client from a redis:// URL
func New(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Msg("Redis connection established")

	return &Redis{Client: client}, nil
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.Client.Close()
}

// Health checks if Redis is reachable
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

const balanceTTL = 60 * time.Second

func balanceKey(userID string) string {
	return fmt.Sprintf("wallet:balance:%s", userID)
}

// GetBalance returns the cached balance string for a user.
// Returns redis.Nil error when not cached.
func (r *Redis) GetBalance(ctx context.Context, userID string) (string, error) {
	return r.Client.Get(ctx, balanceKey(userID)).Result()
}

// SetBalance caches a user's balance
func (r *Redis) SetBalance(ctx context.Context, userID, balance string) error {
	return r.Client.Set(ctx, balanceKey(userID), balance, balanceTTL).Err()
}

// InvalidateBalance drops the cached balance after a mutation
func (r *Redis) InvalidateBalance(ctx context.Context, userID string) {
	if err := r.Client.Del(ctx, balanceKey(userID)).Err(); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to invalidate balance cache")
	}
}
