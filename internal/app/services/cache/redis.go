package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
)

// RedisBackend stores cache entries in Redis.
type RedisBackend struct {
	rdb *redis.Client
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, market.WrapError(market.CodeUnavailable, "redis ping", err)
	}
	return &RedisBackend{rdb: rdb}, nil
}

// Close releases the Redis connection pool.
func (b *RedisBackend) Close() error { return b.rdb.Close() }

// Health reports whether Redis is reachable.
func (b *RedisBackend) Health(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, market.WrapError(market.CodeUnavailable, "redis get", err)
	}
	return data, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return market.WrapError(market.CodeUnavailable, "redis set", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return market.WrapError(market.CodeUnavailable, "redis del", err)
	}
	return nil
}
