package antifraud

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the keyed TTL store behind the anti-fraud guards. Production runs
// it over redis; tests inject a fake.
type Store interface {
	// SetNX stores value under key iff absent. Returns true when the key was
	// newly created.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Del removes a key.
	Del(ctx context.Context, key string) error
	// Ping reports reachability, used by the readiness probe.
	Ping(ctx context.Context) error
}

// RedisStore implements Store over a redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a Store to redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
