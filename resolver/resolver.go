// Package resolver turns host names into addresses for the client. Lookups
// may be memoised through any cacher.Cacher, so a fleet of clients can share
// one Redis-backed cache.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cyberinferno/go-msgnet/cacher"
)

// DefaultTTL is how long a resolved host stays cached.
const DefaultTTL = 5 * time.Minute

// ErrNoAddresses is returned when a host resolves to nothing.
var ErrNoAddresses = errors.New("host resolved to no addresses")

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var _ Resolver = net.DefaultResolver

// Default returns the system resolver.
func Default() Resolver {
	return net.DefaultResolver
}

// CachingResolver memoises the lookups of another Resolver. Literal IP
// addresses bypass both the cache and the wrapped resolver.
type CachingResolver struct {
	next  Resolver
	cache cacher.Cacher[[]string]
	ttl   time.Duration
}

// NewCachingResolver wraps next with cache.
//
// Parameters:
//   - next: Resolver consulted on a miss; nil selects the system resolver
//   - cache: Where results are kept
//   - ttl: Lifetime of a cached result; zero or less selects DefaultTTL
//
// Returns:
//   - A new CachingResolver
func NewCachingResolver(next Resolver, cache cacher.Cacher[[]string], ttl time.Duration) *CachingResolver {
	if next == nil {
		next = Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &CachingResolver{next: next, cache: cache, ttl: ttl}
}

// LookupHost implements Resolver.
func (r *CachingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	key := normalize(host)
	if key == "" {
		return nil, fmt.Errorf("resolve %q: empty host", host)
	}

	if ip := net.ParseIP(key); ip != nil {
		return []string{ip.String()}, nil
	}

	return r.cache.GetOrFetch(ctx, key, r.ttl, func(ctx context.Context) ([]string, error) {
		addrs, err := r.next.LookupHost(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", key, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("resolve %s: %w", key, ErrNoAddresses)
		}

		return addrs, nil
	})
}

// Invalidate drops the cached result for host.
func (r *CachingResolver) Invalidate(ctx context.Context, host string) error {
	return r.cache.Delete(ctx, normalize(host))
}

// normalize lowercases host and strips a trailing root dot.
func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
