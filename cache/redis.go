package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const redisTimeout = 5 * time.Second

// RedisPersister persists entries as fields of a single Redis hash.
type RedisPersister struct {
	client *redis.Client
	key    string
}

// NewRedisPersister creates a persister storing entries in the hash `key`.
func NewRedisPersister(options *redis.Options, key string) *RedisPersister {
	if key == "" {
		key = "caching-proxy"
	}
	return &RedisPersister{
		client: redis.NewClient(options),
		key:    key,
	}
}

func (r *RedisPersister) Load() (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	entries := make(map[string][]byte)
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return entries, errors.Wrapf(err, "could not load hash %s", r.key)
	}
	for field, value := range values {
		entries[field] = []byte(value)
	}
	return entries, nil
}

func (r *RedisPersister) Save(key string, bytes []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	err := r.client.HSet(ctx, r.key, key, bytes).Err()
	return errors.Wrapf(err, "could not save %s", key)
}

func (r *RedisPersister) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	err := r.client.Del(ctx, r.key).Err()
	return errors.Wrapf(err, "could not delete hash %s", r.key)
}

func (r *RedisPersister) Close() error {
	return r.client.Close()
}
