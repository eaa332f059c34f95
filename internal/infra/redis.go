package infra

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient configures a Redis client and verifies connectivity. url may
// be a redis:// URL or a bare host:port.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redisOptions(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func redisOptions(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	if !strings.Contains(url, "://") {
		return &redis.Options{Addr: url}, nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opt, nil
}
