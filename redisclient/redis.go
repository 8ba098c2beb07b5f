package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traceharbor/gateway/config"
)

// Client wraps a go-redis client with the small surface the dispatcher,
// worker, and rate-limit/quota middleware need. It is nil-safe on the
// "unreachable" paths callers are expected to check with Ping before relying
// on it for anything beyond best-effort operations.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error if
// the Redis URL cannot be parsed; callers decide whether that's fatal.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

func (r *Client) Close() error {
	return r.c.Close()
}

// Raw exposes the underlying client for packages (dispatcher, middleware)
// that need operations this wrapper doesn't cover yet (list push/pop,
// INCR/EXPIRE). Keeping one typed constructor point while not re-wrapping
// every go-redis method mirrors how the teacher's wrapper stayed thin.
func (r *Client) Raw() *redis.Client {
	return r.c
}
