// Package cacher provides read-through caches with stampede protection. The
// resolver package uses them to memoise host lookups, in process or shared
// through Redis.
package cacher

import (
	"context"
	"time"
)

// FetchFunc loads a value from the source on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values with automatic fetching on misses. Implementations
// are safe for concurrent use and run at most one fetch per key at a time
// within a process.
type Cacher[T any] interface {
	// GetOrFetch retrieves a value from the cache, or fetches it with fetchFn
	// and stores it for ttl. Fetch errors are returned and not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or set
	//   - ttl: Time-to-live for a freshly fetched value
	//   - fetchFn: Function to fetch the value if not in cache
	//
	// Returns:
	//   - The cached or fetched value of type T
	//   - An error if retrieval or fetching fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// Clear removes every item owned by this cache.
	Clear(ctx context.Context) error

	// ItemCount returns the number of items owned by this cache.
	ItemCount(ctx context.Context) (int, error)
}

func ctxDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
