package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis wraps the shared go-redis client
type Redis struct {
	Client *redis.Client
}

// New connects to Redis with a bounded dial/ping timeout
func New(redisURL string, dialTimeout time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	if dialTimeout > 0 {
		opts.DialTimeout = dialTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Redis connection established")

	return &Redis{Client: client}, nil
}

// Health checks if Redis is reachable
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close closes the client
func (r *Redis) Close() error {
	err := r.Client.Close()
	log.Info().Msg("Redis connection closed")
	return err
}
