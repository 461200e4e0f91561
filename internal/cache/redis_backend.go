package cache

import (
	"context"
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// RedisBackend stores records without expiry; cache entries are only ever
// overwritten, never evicted by the core.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

func NewRedisBackendWithClient(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if b == nil || b.client == nil {
		return nil, ErrNotFound
	}
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if b == nil || b.client == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return b.client.Set(ctx, b.prefix+key, value, 0).Err()
}

func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
