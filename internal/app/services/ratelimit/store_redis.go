package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCounterStore keeps window counters in Redis so rate limits hold
// across multiple server instances.
type RedisCounterStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ CounterStore = (*RedisCounterStore)(nil)

// NewRedisCounterStore connects to Redis and verifies the connection. ttl
// should exceed the window duration so a counter survives its own window
// and nothing more.
func NewRedisCounterStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCounterStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, Unavailable("redis ping", err)
	}
	if ttl <= 0 {
		ttl = 2 * DefaultWindow
	}
	return &RedisCounterStore{rdb: rdb, ttl: ttl}, nil
}

// Close releases the Redis connection pool.
func (s *RedisCounterStore) Close() error { return s.rdb.Close() }

func (s *RedisCounterStore) IncrementAndGet(ctx context.Context, clientKey, endpoint string, windowStart time.Time) (int64, error) {
	key := fmt.Sprintf("ratelimit:%s:%s:%d", clientKey, endpoint, windowStart.Unix())

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, Unavailable("redis incr", err)
	}
	return incr.Val(), nil
}
