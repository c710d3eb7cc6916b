package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"query-orchestrator/internal/storage"
)

// InstanceLookup resolves a target instance by id.
type InstanceLookup interface {
	GetInstance(ctx context.Context, id string) (*storage.Instance, error)
}

// InstanceCache memoizes instance lookups for the poll sweep, which would
// otherwise hit the store once per in-flight execution on every pass.
type InstanceCache struct {
	lookup InstanceLookup
	cache  *expirable.LRU[string, *storage.Instance]
}

// NewInstanceCache wraps lookup with a bounded, time-limited cache.
// A ttl of zero disables caching.
func NewInstanceCache(lookup InstanceLookup, size int, ttl time.Duration) *InstanceCache {
	c := &InstanceCache{lookup: lookup}
	if ttl > 0 {
		if size < 1 {
			size = 256
		}
		c.cache = expirable.NewLRU[string, *storage.Instance](size, nil, ttl)
	}
	return c
}

// Get returns the instance with the given id.
func (c *InstanceCache) Get(ctx context.Context, id string) (*storage.Instance, error) {
	if c.cache != nil {
		if inst, ok := c.cache.Get(id); ok {
			return inst, nil
		}
	}
	inst, err := c.lookup.GetInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolving instance %s: %w", id, err)
	}
	if c.cache != nil {
		c.cache.Add(id, inst)
	}
	return inst, nil
}

// Forget drops a cached instance, e.g. after its credentials were rejected.
func (c *InstanceCache) Forget(id string) {
	if c.cache != nil {
		c.cache.Remove(id)
	}
}
