package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-msgnet/cacher"
)

type fakeResolver struct {
	mu    sync.Mutex
	hosts map[string][]string
	err   error
	calls map[string]int
}

func newFakeResolver(hosts map[string][]string) *fakeResolver {
	return &fakeResolver{hosts: hosts, calls: make(map[string]int)}
}

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[host]++
	if f.err != nil {
		return nil, f.err
	}

	return f.hosts[host], nil
}

func (f *fakeResolver) count(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[host]
}

func newMemoryResolver(next Resolver, ttl time.Duration) *CachingResolver {
	return NewCachingResolver(next, cacher.NewMemoryCacher[[]string](cache.NoExpiration, time.Minute), ttl)
}

func TestCachingResolver_LookupHost(t *testing.T) {
	ctx := context.Background()

	t.Run("caches results", func(t *testing.T) {
		fake := newFakeResolver(map[string][]string{"game.example": {"10.0.0.1", "10.0.0.2"}})
		r := newMemoryResolver(fake, time.Minute)

		for i := 0; i < 3; i++ {
			addrs, err := r.LookupHost(ctx, "game.example")
			require.NoError(t, err)
			assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, addrs)
		}

		assert.Equal(t, 1, fake.count("game.example"))
	})

	t.Run("normalizes host names", func(t *testing.T) {
		fake := newFakeResolver(map[string][]string{"game.example": {"10.0.0.1"}})
		r := newMemoryResolver(fake, time.Minute)

		_, err := r.LookupHost(ctx, "Game.Example.")
		require.NoError(t, err)
		_, err = r.LookupHost(ctx, "game.example")
		require.NoError(t, err)

		assert.Equal(t, 1, fake.count("game.example"))
	})

	t.Run("literal addresses bypass the cache", func(t *testing.T) {
		fake := newFakeResolver(nil)
		r := newMemoryResolver(fake, time.Minute)

		addrs, err := r.LookupHost(ctx, "127.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1"}, addrs)

		addrs, err = r.LookupHost(ctx, "::1")
		require.NoError(t, err)
		assert.Equal(t, []string{"::1"}, addrs)

		assert.Empty(t, fake.calls)
	})

	t.Run("empty host", func(t *testing.T) {
		r := newMemoryResolver(newFakeResolver(nil), time.Minute)

		_, err := r.LookupHost(ctx, "  ")
		assert.Error(t, err)
	})

	t.Run("no addresses", func(t *testing.T) {
		fake := newFakeResolver(map[string][]string{})
		r := newMemoryResolver(fake, time.Minute)

		_, err := r.LookupHost(ctx, "nowhere.example")
		assert.ErrorIs(t, err, ErrNoAddresses)
	})

	t.Run("failures are not cached", func(t *testing.T) {
		boom := errors.New("servfail")
		fake := newFakeResolver(map[string][]string{"game.example": {"10.0.0.1"}})
		fake.err = boom
		r := newMemoryResolver(fake, time.Minute)

		_, err := r.LookupHost(ctx, "game.example")
		assert.ErrorIs(t, err, boom)

		fake.mu.Lock()
		fake.err = nil
		fake.mu.Unlock()

		addrs, err := r.LookupHost(ctx, "game.example")
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.1"}, addrs)
		assert.Equal(t, 2, fake.count("game.example"))
	})

	t.Run("expired entries are fetched again", func(t *testing.T) {
		fake := newFakeResolver(map[string][]string{"game.example": {"10.0.0.1"}})
		r := newMemoryResolver(fake, 20*time.Millisecond)

		_, err := r.LookupHost(ctx, "game.example")
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)

		_, err = r.LookupHost(ctx, "game.example")
		require.NoError(t, err)
		assert.Equal(t, 2, fake.count("game.example"))
	})
}

func TestCachingResolver_Invalidate(t *testing.T) {
	ctx := context.Background()
	fake := newFakeResolver(map[string][]string{"game.example": {"10.0.0.1"}})
	r := newMemoryResolver(fake, time.Minute)

	_, err := r.LookupHost(ctx, "game.example")
	require.NoError(t, err)

	fake.mu.Lock()
	fake.hosts["game.example"] = []string{"10.0.0.9"}
	fake.mu.Unlock()

	require.NoError(t, r.Invalidate(ctx, "GAME.example"))

	addrs, err := r.LookupHost(ctx, "game.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9"}, addrs)
}

func TestDefault(t *testing.T) {
	addrs, err := Default().LookupHost(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)

	assert.Equal(t, DefaultTTL, NewCachingResolver(nil, cacher.NewMemoryCacher[[]string](cache.NoExpiration, time.Minute), 0).ttl)
}
