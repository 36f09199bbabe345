package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ama:session:"

// RedisStore implements SessionLog on Redis strings and lists.
// RPUSH makes each append atomic across concurrent writers.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects to the Redis instance at url (redis://host:port/db).
func NewRedis(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisFromClient(redis.NewClient(opts)), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func valueKey(sessionID, key string) string {
	return redisKeyPrefix + sessionID + ":" + key
}

func listKey(sessionID, key string) string {
	return redisKeyPrefix + sessionID + ":" + key + ":list"
}

// Get returns the value or list stored at key.
func (r *RedisStore) Get(ctx context.Context, sessionID, key string) (json.RawMessage, error) {
	v, err := r.client.Get(ctx, valueKey(sessionID, key)).Bytes()
	if err == nil {
		return json.RawMessage(v), nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	items, err := r.List(ctx, sessionID, key, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return joinItems(items), nil
}

// Set replaces the value stored at key.
func (r *RedisStore) Set(ctx context.Context, sessionID, key string, value json.RawMessage) error {
	if err := r.client.Set(ctx, valueKey(sessionID, key), []byte(value), 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Push appends an item to the list at key.
func (r *RedisStore) Push(ctx context.Context, sessionID, key string, item json.RawMessage) error {
	if err := r.client.RPush(ctx, listKey(sessionID, key), []byte(item)).Err(); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// List returns the last limit items at key in append order.
func (r *RedisStore) List(ctx context.Context, sessionID, key string, limit int) ([]json.RawMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	values, err := r.client.LRange(ctx, listKey(sessionID, key), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	items := make([]json.RawMessage, len(values))
	for i, v := range values {
		items[i] = json.RawMessage(v)
	}
	return items, nil
}

// Ping verifies Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
