package cacher

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCacher_namespace(t *testing.T) {
	client := unreachableRedis(t)

	assert.Equal(t, "resolve:localhost", NewRedisCacher[string](client, "resolve").key("localhost"))
	assert.Equal(t, "msgnet:localhost", NewRedisCacher[string](client, "").key("localhost"))
}

func TestRedisCacher_unreachable(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCacher[[]string](unreachableRedis(t), "resolve")

	called := false
	_, err := c.GetOrFetch(ctx, "localhost", time.Minute, func(context.Context) ([]string, error) {
		called = true
		return []string{"127.0.0.1"}, nil
	})
	require.Error(t, err)
	assert.False(t, called, "a failed read must not trigger a fetch")

	assert.Error(t, c.Delete(ctx, "localhost"))
	assert.Error(t, c.Clear(ctx))
	_, err = c.ItemCount(ctx)
	assert.Error(t, err)
}
