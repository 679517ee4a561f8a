package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

var (
	// ErrKeyNotFound is returned when an identity has no stored state.
	ErrKeyNotFound = errors.New("redis: key not found")

	// ErrCorruptValue is returned when stored state cannot be decoded.
	ErrCorruptValue = errors.New("redis: corrupt value")
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 200

// Client is the shared connection behind the blacklist and window stores.
// Every key it hands out lives under one prefix so several gateways can
// share a Redis database.
type Client struct {
	client redis.UniversalClient
	logger *logger.Logger
	prefix string
}

// New connects and pings, retrying with capped exponential backoff up to
// cfg.MaxRetries times or until ctx is done.
func New(ctx context.Context, cfg *config.RedisConfig, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(newOptions(cfg))
	c := NewFromClient(rdb, cfg.KeyPrefix, log)

	var err error
	for attempt := 0; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		err = c.Ping(pingCtx)
		cancel()
		if err == nil {
			c.logger.Info("redis connected",
				"addr", cfg.Addr(),
				"pool_size", cfg.PoolSize,
				"tls", cfg.TLSEnabled,
				"prefix", c.prefix,
			)
			return c, nil
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		backoff := retryBackoff(cfg.MinRetryDelay, cfg.MaxRetryDelay, attempt)
		c.logger.Warn("redis ping failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr(), ctx.Err())
		case <-time.After(backoff):
		}
	}

	_ = rdb.Close()
	return nil, fmt.Errorf("connect to redis %s after %d attempts: %w", cfg.Addr(), cfg.MaxRetries+1, err)
}

// newOptions maps the config onto go-redis options. Context deadlines bound
// socket I/O, so a caller's short timeout wins over ReadTimeout.
func newOptions(cfg *config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:                  cfg.Addr(),
		Password:              cfg.Password,
		DB:                    cfg.DB,
		PoolSize:              cfg.PoolSize,
		MinIdleConns:          cfg.MinIdleConns,
		DialTimeout:           cfg.DialTimeout,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ContextTimeoutEnabled: true,
		MaxRetries:            cfg.MaxRetries,
		MinRetryBackoff:       cfg.MinRetryDelay,
		MaxRetryBackoff:       cfg.MaxRetryDelay,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // opt-in for local stacks, rejected in production
			MinVersion:         tls.VersionTLS12,
		}
	}
	return opts
}

// NewFromClient wraps an existing connection. prefix namespaces every key.
func NewFromClient(client redis.UniversalClient, prefix string, log *logger.Logger) *Client {
	return &Client{
		client: client,
		logger: log.With("component", "redis"),
		prefix: strings.TrimSuffix(prefix, ":"),
	}
}

// retryBackoff doubles minDelay per attempt, capped at maxDelay.
func retryBackoff(minDelay, maxDelay time.Duration, attempt int) time.Duration {
	backoff := minDelay * time.Duration(1<<attempt)
	if maxDelay > 0 && backoff > maxDelay {
		backoff = maxDelay
	}
	return backoff
}

func (c *Client) Close() error {
	c.logger.Info("closing redis connection")
	return c.client.Close()
}

// Ping backs the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PoolStats reports connection pool counters, or nil when the wrapped
// client does not expose a pool.
func (c *Client) PoolStats() *redis.PoolStats {
	if p, ok := c.client.(interface{ PoolStats() *redis.PoolStats }); ok {
		return p.PoolStats()
	}
	return nil
}

// Key joins parts under the client's prefix, e.g. "gatekeeper:blacklist:ip:10.0.0.5".
func (c *Client) Key(parts ...string) string {
	if c.prefix == "" {
		return strings.Join(parts, ":")
	}
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Members returns the identity part of every key stored under namespace,
// walking the keyspace with SCAN. SCAN may repeat keys; the result does not.
func (c *Client) Members(ctx context.Context, namespace string) ([]string, error) {
	prefix := c.Key(namespace, "")
	seen := make(map[string]struct{})
	var out []string

	iter := c.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		member := strings.TrimPrefix(iter.Val(), prefix)
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}
		out = append(out, member)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", namespace, err)
	}
	return out, nil
}
