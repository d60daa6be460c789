package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCounterPrefix = "library:counter"

// RedisCounterStore hands out sequence values with Redis INCR.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore builds a Redis-backed counter store.
func NewRedisCounterStore(addr, password, prefix string) *RedisCounterStore {
	return NewRedisCounterStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix)
}

// NewRedisCounterStoreWithClient reuses an existing client.
func NewRedisCounterStoreWithClient(client *redis.Client, prefix string) *RedisCounterStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultCounterPrefix
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

// Next increments the named counter. Missing keys start at 1.
func (s *RedisCounterStore) Next(ctx context.Context, name string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	value, err := s.client.Incr(ctx, s.key(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr counter %s: %w", name, err)
	}
	if value <= 0 {
		return 0, ErrCounterUnavailable
	}
	return int(value), nil
}

// Seed raises the counter to at least value, for moving counters off another backend.
func (s *RedisCounterStore) Seed(ctx context.Context, name string, value int) error {
	return seedCounterScript.Run(ctx, s.client, []string{s.key(name)}, value).Err()
}

func (s *RedisCounterStore) key(name string) string {
	return s.prefix + ":" + name
}

var seedCounterScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local target = tonumber(ARGV[1])
if current < target then
  redis.call("SET", KEYS[1], target)
  return target
end
return current
`)

// counterOverride routes Next to a separate counter backend while every
// other call goes to the wrapped store.
type counterOverride struct {
	Store
	counters CounterStore
}

// WithCounters returns s with its sequence values taken from counters.
func WithCounters(s Store, counters CounterStore) Store {
	if counters == nil {
		return s
	}
	return &counterOverride{Store: s, counters: counters}
}

func (c *counterOverride) Next(ctx context.Context, name string) (int, error) {
	return c.counters.Next(ctx, name)
}

func (c *counterOverride) WithinTx(ctx context.Context, fn func(Store) error) error {
	return c.Store.WithinTx(ctx, func(tx Store) error {
		return fn(&counterOverride{Store: tx, counters: c.counters})
	})
}
