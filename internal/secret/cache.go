package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider decorates a Provider with in-memory TTL caching, so a
// secret backend that charges for reads or rate-limits them (Vault leases)
// isn't hit again for every provider sharing the same reference across
// reload cycles.
type CachedProvider struct {
	inner Provider
	cache *cache.Cache
}

// NewCachedProvider wraps inner, caching each resolved value for ttl.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

// Get returns the cached value for path if present and unexpired,
// otherwise resolves through inner and caches the result.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if val, found := p.cache.Get(path); found {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}

	p.cache.Set(path, val, cache.DefaultExpiration)
	return val, nil
}

// Close closes the wrapped provider.
func (p *CachedProvider) Close() error {
	return p.inner.Close()
}

var _ Provider = (*CachedProvider)(nil)
