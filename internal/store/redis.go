// Package store implements the Redis-backed state plane: quotes, orders,
// holdings, portfolios, trigger and pending indexes, locks, idempotency
// markers, and provider ack documents.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fxcore/internal/config"
)

// NewRedisClient builds a universal client. A single host yields a plain
// client; multiple hosts a cluster client. Hash-tagged keys keep user and
// order scoped operations single-slot in both modes.
func NewRedisClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Hosts,
		Password: string(cfg.Password),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// HealthCheck adapts the client to the health manager.
func HealthCheck(client redis.UniversalClient) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
}
