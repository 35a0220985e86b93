package db

import (
	"context"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the redis instance backing rate limits and the sweeper lock.
func NewRedisClient(c config.RedisConfig) (*redis.Client, error) {
	dialTimeout := c.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: dialTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return rdb, nil
}
