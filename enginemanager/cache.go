package enginemanager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/detect/rules"
)

// EngineCache holds built engines keyed by rules root.
// This allows swapping between the map-based and LRU implementations.
type EngineCache interface {
	// Get returns the cached engine, false on a miss or after expiry
	Get(root string) (*rules.Engine, bool)

	// Set stores the engine for root, replacing any previous one
	Set(root string, engine *rules.Engine)

	// Invalidate drops root, forcing a rebuild on next Get
	Invalidate(root string)

	// Keys lists the roots currently cached
	Keys() []string

	// Purge drops every entry
	Purge()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached engines.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration

	// Size bounds the number of cached roots for the LRU cache. 0 means unbounded.
	Size int
}

// DefaultCacheConfig returns the defaults used by the server
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:  0,
		Size: 64,
	}
}

// NewEngineCache creates the cache named by kind: "memory" or "lru"
func NewEngineCache(kind string, config CacheConfig) (EngineCache, error) {
	switch kind {
	case "", "memory":
		return NewInMemoryEngineCache(config), nil
	case "lru":
		return NewLRUEngineCache(config), nil
	default:
		return nil, fmt.Errorf("unknown cache kind %q", kind)
	}
}

type cacheEntry struct {
	engine   *rules.Engine
	cachedAt time.Time
}

// InMemoryEngineCache is a map-based EngineCache with an optional TTL.
// Thread-safe for concurrent access.
type InMemoryEngineCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

// NewInMemoryEngineCache creates a new in-memory engine cache. Size is ignored.
func NewInMemoryEngineCache(config CacheConfig) *InMemoryEngineCache {
	return &InMemoryEngineCache{
		entries: make(map[string]cacheEntry),
		config:  config,
	}
}

func (c *InMemoryEngineCache) Get(root string) (*rules.Engine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[root]
	if !ok || c.expired(entry) {
		return nil, false
	}
	return entry.engine, true
}

func (c *InMemoryEngineCache) Set(root string, engine *rules.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[root] = cacheEntry{engine: engine, cachedAt: time.Now()}
}

func (c *InMemoryEngineCache) Invalidate(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, root)
}

// Keys returns the unexpired roots, sorted
func (c *InMemoryEngineCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for root, entry := range c.entries {
		if !c.expired(entry) {
			keys = append(keys, root)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *InMemoryEngineCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}

func (c *InMemoryEngineCache) expired(entry cacheEntry) bool {
	return c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL
}
