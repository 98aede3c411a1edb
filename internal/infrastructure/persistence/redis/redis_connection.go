// Package redis provides Redis-backed implementations of the session, rate limit and
// block list stores, for deployments that run more than one control plane node.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/sentinel/internal/config"
	"github.com/turtacn/sentinel/pkg/logger"
)

// Connect creates a client for cfg and verifies it with a ping.
// A comma separated address list yields a cluster client.
func Connect(ctx context.Context, cfg config.RedisConfig, log logger.Logger) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(cfg.Address, ","),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Error(ctx, "Redis ping failed", err, logger.String("address", cfg.Address))
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info(ctx, "Redis connection established",
		logger.String("address", cfg.Address),
		logger.Int("pool_size", cfg.PoolSize),
	)
	return client, nil
}

// keyspace builds prefixed keys.
type keyspace string

func (k keyspace) key(parts ...string) string {
	return string(k) + ":" + strings.Join(parts, ":")
}

func prefixOrDefault(prefix string) keyspace {
	if prefix == "" {
		return "sentinel"
	}
	return keyspace(prefix)
}
