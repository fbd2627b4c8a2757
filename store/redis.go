package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Redis stores values as plain string keys <prefix>:<key>. Values never
// expire; the cache grows for the lifetime of the Redis database.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "relaychat"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + ":" + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

// Close is a no-op; the caller owns the client.
func (r *Redis) Close() error { return nil }
