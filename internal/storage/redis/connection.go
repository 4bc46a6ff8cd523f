// Package redis owns the shared go-redis client used by the frontier, the
// distributed cache layer, the rate governor, and the sync bus.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/arbor"
)

// Connection wraps the shared Redis client.
type Connection struct {
	client *redis.Client
	logger arbor.ILogger
}

// NewConnection dials Redis and verifies the link with a ping.
func NewConnection(ctx context.Context, logger arbor.ILogger, config *common.RedisConfig) (*Connection, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  common.ParseDurationOr(config.DialTimeout, 5*time.Second),
		ReadTimeout:  common.ParseDurationOr(config.ReadTimeout, 3*time.Second),
		WriteTimeout: common.ParseDurationOr(config.WriteTimeout, 3*time.Second),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	logger.Debug().Str("addr", config.Addr).Int("db", config.DB).Msg("Redis connection established")

	return &Connection{
		client: client,
		logger: logger,
	}, nil
}

// NewConnectionFromClient wraps an existing client. Tests use this with
// miniredis.
func NewConnectionFromClient(client *redis.Client, logger arbor.ILogger) *Connection {
	return &Connection{client: client, logger: logger}
}

// Client returns the underlying go-redis client
func (c *Connection) Client() *redis.Client {
	return c.client
}

// Close closes the client connection pool
func (c *Connection) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
