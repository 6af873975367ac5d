package contracts

import (
	"context"
	"time"

	"github.com/eqswap/positions-engine/internal/cache"
	"github.com/eqswap/positions-engine/internal/domain"
)

// CachedService memoizes rule lookups in the engine cache under
// "contract:<id>". Misses and failures are never cached.
type CachedService struct {
	inner ContractService
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedService wraps a service with caching. A zero ttl caches forever.
func NewCachedService(inner ContractService, c cache.Cache, ttl time.Duration) *CachedService {
	return &CachedService{inner: inner, cache: c, ttl: ttl}
}

// GetRules serves from cache when possible.
func (c *CachedService) GetRules(ctx context.Context, contractID string) (domain.ContractRules, error) {
	var rules domain.ContractRules
	err := cache.GetOrCompute(ctx, c.cache, cache.ContractKeyPrefix+contractID, &rules, c.ttl,
		func(ctx context.Context) (any, error) {
			return c.inner.GetRules(ctx, contractID)
		})
	if err != nil {
		return domain.ContractRules{}, err
	}
	return rules, nil
}

var _ ContractService = (*CachedService)(nil)
