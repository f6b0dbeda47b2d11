// Package redis backs the engine's hot-path side channels: the telemetry
// signal bus, the quote mirror consumed by dashboards, and the leader lock
// that keeps a single trading instance live per vault.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// defaultKeyPrefix namespaces every key this engine writes, so several
// engines (or an engine and its dashboards) can share one Redis DB.
const defaultKeyPrefix = "arbot"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	// KeyPrefix namespaces quote-mirror and lock keys. Empty means
	// defaultKeyPrefix. Pub/Sub channels and streams carry their own
	// names and are not prefixed here.
	KeyPrefix string
}

// Client wraps a go-redis Client and provides connectivity helpers plus the
// keyspace prefix shared by all keyed data.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New dials Redis and verifies connectivity with a ping before returning the
// wrapper.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Client{rdb: rdb, prefix: normalizePrefix(cfg.KeyPrefix)}, nil
}

// Key namespaces a logical key under the client's prefix.
func (c *Client) Key(name string) string {
	return c.prefix + ":" + name
}

func normalizePrefix(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), ":")
	if p == "" {
		return defaultKeyPrefix
	}
	return p
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client for sub-packages that need direct
// access to the driver.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
