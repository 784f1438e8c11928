package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

// CacheConfig configures result caching for read-only tools.
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// cachedTool wraps a read-only tool with an LRU result cache keyed by
// tool name plus normalized arguments. Error results are never cached.
type cachedTool struct {
	delegate Tool
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
}

// WithCache wraps delegate in a result cache. Only wrap tools whose
// output depends solely on their arguments within the TTL window.
func WithCache(delegate Tool, config CacheConfig) Tool {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultCacheSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](config.MaxSize)
	if err != nil {
		return delegate
	}
	return &cachedTool{delegate: delegate, cache: cache, ttl: config.TTL}
}

func (c *cachedTool) Execute(ctx context.Context, args map[string]any) *Result {
	key := cacheKey(c.delegate.Definition().Name, args)

	if entry, ok := c.cache.Get(key); ok {
		if time.Since(entry.storedAt) < c.ttl {
			copied := entry.result
			return &copied
		}
		c.cache.Remove(key)
	}

	result := c.delegate.Execute(ctx, args)
	if result != nil && result.Success {
		c.cache.Add(key, cacheEntry{result: *result, storedAt: time.Now()})
	}
	return result
}

func (c *cachedTool) Definition() Definition {
	return c.delegate.Definition()
}

// cacheKey produces a deterministic key from tool name + arguments by
// sorting keys at every nesting level.
func cacheKey(name string, args map[string]any) string {
	return fmt.Sprintf("%s:%s", name, normalizeArgs(args))
}

func normalizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(sortedMap(args))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func sortedMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedMap(nested)
		}
		out[k] = v
	}
	return out
}
