package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore is a fixed-window counter shared by every instance pointing at
// the same Redis. The window starts at the first hit for a key.
type RedisStore struct {
	client redis.UniversalClient
	burst  int
	window time.Duration
}

func NewRedisStore(client redis.UniversalClient, burst int, window time.Duration) *RedisStore {
	if burst < 1 {
		burst = 1
	}
	return &RedisStore{client: client, burst: burst, window: window}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore) Allow(ctx context.Context, key string) (bool, error) {
	key = redisKeyPrefix + key

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, key, s.window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return count <= int64(s.burst), nil
}
