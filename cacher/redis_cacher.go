package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// scanBatch is the COUNT hint passed to SCAN when walking the namespace.
const scanBatch = 256

// RedisCacher is a Cacher whose entries live in Redis as JSON under a key
// namespace, so that several processes share one cache. Concurrent misses
// within a process are collapsed with singleflight; across processes the
// last writer wins.
type RedisCacher[T any] struct {
	client    redis.UniversalClient
	namespace string
	group     singleflight.Group
}

// NewRedisCacher creates a Redis-backed cache.
//
// Parameters:
//   - client: Connected Redis client
//   - namespace: Prefix applied to every key; Clear and ItemCount only see
//     keys under it. An empty namespace is replaced by "msgnet"
//
// Returns:
//   - A new RedisCacher
func NewRedisCacher[T any](client redis.UniversalClient, namespace string) *RedisCacher[T] {
	if namespace == "" {
		namespace = "msgnet"
	}

	return &RedisCacher[T]{
		client:    client,
		namespace: namespace,
	}
}

// key returns the namespaced Redis key for k.
func (c *RedisCacher[T]) key(k string) string {
	return c.namespace + ":" + k
}

// GetOrFetch implements Cacher.
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	v, found, err := c.get(ctx, key)
	if err != nil {
		return zero, err
	}
	if found {
		return v, nil
	}

	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		data, err := json.Marshal(fetched)
		if err != nil {
			return zero, fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		}

		if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
			return zero, fmt.Errorf("failed to cache key %s: %w", key, err)
		}

		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type %T for key %s", val, key)
	}

	return typed, nil
}

func (c *RedisCacher[T]) get(ctx context.Context, key string) (T, bool, error) {
	var result T

	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return result, false, nil
	}
	if err != nil {
		return result, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, false, fmt.Errorf("failed to unmarshal cached value for key %s: %w", key, err)
	}

	return result, true, nil
}

// Delete implements Cacher.
func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	return nil
}

// Clear implements Cacher. Only keys under the namespace are removed.
func (c *RedisCacher[T]) Clear(ctx context.Context) error {
	keys, err := c.scan(ctx)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear namespace %s: %w", c.namespace, err)
	}

	return nil
}

// ItemCount implements Cacher.
func (c *RedisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}

	return len(keys), nil
}

func (c *RedisCacher[T]) scan(ctx context.Context) ([]string, error) {
	var keys []string

	iter := c.client.Scan(ctx, 0, c.namespace+":*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan namespace %s: %w", c.namespace, err)
	}

	return keys, nil
}
