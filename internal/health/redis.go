package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisProbe pings a Redis server.
type RedisProbe struct {
	client *redis.Client
}

// NewRedisProbe parses a redis:// or rediss:// URL. No connection is made
// until the first Ping.
func NewRedisProbe(url string) (*RedisProbe, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.MaxRetries = 1
	return &RedisProbe{client: redis.NewClient(opts)}, nil
}

func (p *RedisProbe) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisProbe) Close() error {
	return p.client.Close()
}
