package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each blob as a string key "{prefix}:{name}".
//
// Every call runs under its own timeout because the Backend contract is
// context-free: the store is driven from a single background goroutine that
// must never hang on a stalled connection.
type RedisBackend struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
}

// DefaultRedisTimeout bounds each redis round trip.
const DefaultRedisTimeout = 5 * time.Second

// NewRedisBackend creates a backend connected to the specified Redis address.
// The address should be in the format "host:port" (e.g., "localhost:6379").
//
// Example:
//
//	b := storage.NewRedisBackend("localhost:6379", "mp")
func NewRedisBackend(addr, prefix string) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return NewRedisBackendFromClient(rdb, prefix)
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(rdb *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, timeout: DefaultRedisTimeout}
}

// Key returns the redis key that holds name.
func (b *RedisBackend) Key(name string) string {
	return b.prefix + ":" + name
}

func (b *RedisBackend) Load(name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	data, err := b.rdb.Get(ctx, b.Key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (b *RedisBackend) Save(name string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	return b.rdb.Set(ctx, b.Key(name), data, 0).Err()
}

// Size uses STRLEN, which reports 0 for a missing key.
func (b *RedisBackend) Size(name string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	return b.rdb.StrLen(ctx, b.Key(name)).Result()
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
