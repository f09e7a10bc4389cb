package sqlstore

import (
	"context"
	"fmt"
	"net/url"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/ratelimit"
)

const rateLimitStateCacheKeyPrefix = "go-stkpush::throttle::v1"

// CachedRateLimitStateStore serves the BeforeCall lookup from cache. Writes
// go to the base store and drop the cached entry.
type CachedRateLimitStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedRateLimitStateStore(
	base ratelimit.StateStore,
	cacheService repositorycache.CacheService,
) (*CachedRateLimitStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rate-limit state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rate-limit cache service is required")
	}
	return &CachedRateLimitStateStore{base: base, cache: cacheService}, nil
}

// RateLimitStateCacheKey returns go-stkpush::throttle::v1::<provider>::<operation>::<short_code>.
func RateLimitStateCacheKey(key core.RateLimitKey) (string, error) {
	key, err := rateLimitKey(key)
	if err != nil {
		return "", err
	}
	return rateLimitStateCacheKeyPrefix +
		"::" + url.PathEscape(key.ProviderID) +
		"::" + url.PathEscape(key.Operation) +
		"::" + url.PathEscape(key.ShortCode), nil
}

func (s *CachedRateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	cacheKey, err := RateLimitStateCacheKey(key)
	if err != nil {
		return ratelimit.State{}, err
	}
	state, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (ratelimit.State, error) {
		fetched, fetchErr := s.base.Get(ctx, key.Normalize())
		if fetchErr != nil {
			return ratelimit.State{}, fetchErr
		}
		return fetched.Clone(), nil
	})
	if err != nil {
		return ratelimit.State{}, err
	}
	return state.Clone(), nil
}

func (s *CachedRateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	cacheKey, err := RateLimitStateCacheKey(state.Key)
	if err != nil {
		return err
	}
	if err := s.base.Upsert(ctx, state); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var _ ratelimit.StateStore = (*CachedRateLimitStateStore)(nil)
