package enginemanager

import (
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/liamcoop/detect/rules"
)

// LRUEngineCache bounds the number of cached roots, evicting the least recently used
type LRUEngineCache struct {
	lru *expirable.LRU[string, *rules.Engine]
}

// NewLRUEngineCache creates an LRU cache. A zero TTL disables expiry.
func NewLRUEngineCache(config CacheConfig) *LRUEngineCache {
	return &LRUEngineCache{
		lru: expirable.NewLRU[string, *rules.Engine](config.Size, nil, config.TTL),
	}
}

func (c *LRUEngineCache) Get(root string) (*rules.Engine, bool) {
	return c.lru.Get(root)
}

func (c *LRUEngineCache) Set(root string, engine *rules.Engine) {
	c.lru.Add(root, engine)
}

func (c *LRUEngineCache) Invalidate(root string) {
	c.lru.Remove(root)
}

// Keys returns the cached roots from oldest to newest
func (c *LRUEngineCache) Keys() []string {
	return c.lru.Keys()
}

func (c *LRUEngineCache) Purge() {
	c.lru.Purge()
}
