package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis is a Cache backed by a shared Redis instance, so repeated status
// polls across agent restarts still hit warm entries.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// NewRedis connects to Redis and verifies the connection before use.
func NewRedis(addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Redis{client: client, logger: logger, prefix: "serverbond:cache:"}, nil
}

// GetOrCompute serves from Redis when possible. Redis errors other than a
// miss are logged and treated as misses, so a flaky cache never blocks a
// status read.
func (r *Redis) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	redisKey := r.prefix + key
	value, err := r.client.Get(ctx, redisKey).Bytes()
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, redis.Nil) {
		r.logger.Error("cache read failed", "key", key, "error", err)
	}

	value, err = compute(ctx)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		if err := r.client.Set(ctx, redisKey, value, ttl).Err(); err != nil {
			r.logger.Error("cache write failed", "key", key, "error", err)
		}
	}
	return value, nil
}

func (r *Redis) Invalidate(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
