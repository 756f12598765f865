package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "knirv:inflight:"

// Redis is a Set shared by every agent process pointed at the same server.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func (r *Redis) Acquire(ctx context.Context, digest string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, keyPrefix+digest, time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", digest, err)
	}
	if !ok {
		r.logger.Debug("digest already in flight", zap.String("digest", digest))
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, digest string) error {
	if err := r.rdb.Del(ctx, keyPrefix+digest).Err(); err != nil {
		return fmt.Errorf("release %s: %w", digest, err)
	}
	return nil
}

func (r *Redis) Held(ctx context.Context, digest string) (bool, error) {
	n, err := r.rdb.Exists(ctx, keyPrefix+digest).Result()
	if err != nil {
		return false, fmt.Errorf("check %s: %w", digest, err)
	}
	return n > 0, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
