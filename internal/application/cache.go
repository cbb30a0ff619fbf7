package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/acortes/civicsync/internal/domain/model"
	"github.com/acortes/civicsync/internal/domain/port/driven"
)

const cacheNamespace = "cache"

// CacheConfig bounds the response cache.
type CacheConfig struct {
	Capacity      int           // maximum entry count; default 500
	DefaultTTL    time.Duration // default 5m
	EvictBatch    int           // entries evicted per overflow; default 10
	SweepInterval time.Duration // periodic expired purge; default 1m
}

func (c *CacheConfig) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 500
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.EvictBatch <= 0 {
		c.EvictBatch = 10
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Cache is the bounded, TTL-aware response cache. Entries live in an LRU for
// the capacity bound and are mirrored to durable storage so state survives
// restart. Caching is an optimization: storage failures are logged and the
// operation degrades to a no-op rather than failing the caller.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, model.CacheEntry]
	kv  driven.KVStore
	cfg CacheConfig
	now func() time.Time
}

// NewCache creates a Cache and reloads surviving entries from durable
// storage, dropping any that expired while the process was down.
func NewCache(ctx context.Context, kv driven.KVStore, cfg CacheConfig) (*Cache, error) {
	cfg.applyDefaults()

	c := &Cache{kv: kv, cfg: cfg, now: time.Now}

	l, err := lru.NewWithEvict[string, model.CacheEntry](cfg.Capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = l

	c.reload(ctx)
	return c, nil
}

// reload restores persisted entries, oldest first so LRU recency matches
// insertion order, and purges the already-expired.
func (c *Cache) reload(ctx context.Context) {
	keys, err := c.kv.Keys(ctx, cacheNamespace)
	if err != nil {
		slog.Warn("cache reload skipped", "error", err)
		return
	}

	now := c.now()
	var entries []model.CacheEntry
	for _, key := range keys {
		raw, err := c.kv.Get(ctx, cacheNamespace, key)
		if err != nil || raw == nil {
			continue
		}
		var entry model.CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			_ = c.kv.Delete(ctx, cacheNamespace, key)
			continue
		}
		if entry.Expired(now) {
			_ = c.kv.Delete(ctx, cacheNamespace, key)
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].StoredAt.Before(entries[j].StoredAt) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		c.lru.Add(entry.Key, entry)
	}

	slog.Info("cache reloaded", "entries", len(entries), "dropped", len(keys)-len(entries))
}

// onEvict mirrors an LRU capacity eviction into durable storage.
func (c *Cache) onEvict(key string, _ model.CacheEntry) {
	if err := c.kv.Delete(context.Background(), cacheNamespace, key); err != nil {
		slog.Warn("cache evict persist failed", "key", key, "error", err)
	}
}

// Get returns a copy of the cached value, or (nil, false) when missing or
// expired. Expired entries are deleted as a side effect.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	entry, ok := c.lru.Get(key)
	if ok && entry.Expired(c.now()) {
		c.lru.Remove(key)
		c.mu.Unlock()
		if err := c.kv.Delete(ctx, cacheNamespace, key); err != nil {
			slog.Warn("cache expiry delete failed", "key", key, "error", err)
		}
		return nil, false
	}
	c.mu.Unlock()

	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), entry.Value...), true
}

// Set stores a copy of value under key. A non-positive ttl selects the
// default. When the store is full, the oldest entries are evicted in a batch
// before inserting.
func (c *Cache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	entry := model.CacheEntry{
		Key:      key,
		Value:    append(json.RawMessage(nil), value...),
		StoredAt: c.now(),
		TTL:      ttl,
	}

	c.mu.Lock()
	if !c.lru.Contains(key) && c.lru.Len() >= c.cfg.Capacity {
		for i := 0; i < c.cfg.EvictBatch && c.lru.Len() > 0; i++ {
			c.lru.RemoveOldest()
		}
	}
	c.lru.Add(key, entry)
	c.mu.Unlock()

	raw, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("cache entry marshal failed", "key", key, "error", err)
		return
	}
	if err := c.kv.Set(ctx, cacheNamespace, key, raw); err != nil {
		slog.Warn("cache persist failed", "key", key, "error", err)
	}
}

// Invalidate removes key immediately.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()

	if err := c.kv.Delete(ctx, cacheNamespace, key); err != nil {
		slog.Warn("cache invalidate persist failed", "key", key, "error", err)
	}
}

// InvalidateByPattern removes every entry whose key matches pattern.
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern *regexp.Regexp) int {
	c.mu.Lock()
	var matched []string
	for _, key := range c.lru.Keys() {
		if pattern.MatchString(key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.lru.Remove(key)
	}
	c.mu.Unlock()

	for _, key := range matched {
		if err := c.kv.Delete(ctx, cacheNamespace, key); err != nil {
			slog.Warn("cache invalidate persist failed", "key", key, "error", err)
		}
	}
	return len(matched)
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Start runs the periodic expired-entry sweep until ctx is canceled.
func (c *Cache) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep purges every expired entry.
func (c *Cache) sweep(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var expired []string
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.lru.Remove(key)
	}
	c.mu.Unlock()

	for _, key := range expired {
		if err := c.kv.Delete(ctx, cacheNamespace, key); err != nil {
			slog.Warn("cache sweep persist failed", "key", key, "error", err)
		}
	}

	if len(expired) > 0 {
		slog.Debug("cache sweep", "purged", len(expired))
	}
}

// GenerateKey canonicalizes params (sorted by key) into a deterministic
// cache key so equivalent queries share a slot regardless of param order.
func GenerateKey(namespace string, params map[string]string) string {
	if len(params) == 0 {
		return namespace
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(namespace)
	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
