package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matt-riley/gatez/internal/core"
)

const (
	DefaultCacheTTL       = 5 * time.Second
	cacheResubscribeDelay = time.Minute
)

// CacheObserver is told about cache hits and misses.
type CacheObserver interface {
	ObserveCache(hit bool)
}

type cacheEntry struct {
	values  core.GateValues
	expires time.Time
}

// Cached is a read-through cache in front of another adapter. Writes made
// through it drop the affected key; writes made elsewhere are picked up when
// the entry expires or when the inner adapter announces an invalidation.
type Cached struct {
	inner    Adapter
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	observer CacheObserver

	mu      sync.RWMutex
	entries map[string]cacheEntry
	// epoch moves on every invalidation; a read only fills the cache when it
	// started and finished in the same epoch.
	epoch uint64
}

type CachedOption func(*Cached)

func WithCacheClock(now func() time.Time) CachedOption {
	return func(c *Cached) {
		if now != nil {
			c.now = now
		}
	}
}

func WithCacheLogger(logger *slog.Logger) CachedOption {
	return func(c *Cached) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithCacheObserver(observer CacheObserver) CachedOption {
	return func(c *Cached) {
		c.observer = observer
	}
}

// NewCached wraps inner. A non-positive ttl uses DefaultCacheTTL.
func NewCached(inner Adapter, ttl time.Duration, opts ...CachedOption) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cached{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cached) Name() string { return c.inner.Name() }

// Start listens for invalidations from the inner adapter until ctx is done.
// It is a no-op when the inner adapter cannot announce changes, including a
// subscriber that returns a nil channel.
func (c *Cached) Start(ctx context.Context) error {
	subscriber, ok := c.inner.(InvalidationSubscriber)
	if !ok {
		return nil
	}

	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}
	if invalidations == nil {
		return nil
	}

	go func() {
		retry := time.NewTicker(cacheResubscribeDelay)
		defer retry.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-retry.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						c.logger.Warn("resubscribe cache invalidation failed", "adapter", c.Name(), "error", err)
						continue
					}
					invalidations = next
				}
				c.Purge()
			case _, ok := <-invalidations:
				if !ok {
					invalidations = nil
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						c.logger.Warn("resubscribe cache invalidation failed", "adapter", c.Name(), "error", err)
						c.Purge()
						continue
					}
					invalidations = next
				}
				c.Purge()
			}
		}
	}()

	return nil
}

// Purge drops every cached entry.
func (c *Cached) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.epoch++
	c.mu.Unlock()
}

func (c *Cached) Features(ctx context.Context) ([]string, error) {
	return c.inner.Features(ctx)
}

func (c *Cached) Add(ctx context.Context, key string) error {
	defer c.invalidate(key)
	return c.inner.Add(ctx, key)
}

func (c *Cached) Remove(ctx context.Context, key string) error {
	defer c.invalidate(key)
	return c.inner.Remove(ctx, key)
}

func (c *Cached) Clear(ctx context.Context, key string) error {
	defer c.invalidate(key)
	return c.inner.Clear(ctx, key)
}

func (c *Cached) Enable(ctx context.Context, key string, gate core.Gate, value string) error {
	defer c.invalidate(key)
	return c.inner.Enable(ctx, key, gate, value)
}

func (c *Cached) Disable(ctx context.Context, key string, gate core.Gate, value string) error {
	defer c.invalidate(key)
	return c.inner.Disable(ctx, key, gate, value)
}

func (c *Cached) Get(ctx context.Context, key string) (core.GateValues, error) {
	if values, ok := c.lookup(key); ok {
		return values, nil
	}

	epoch := c.currentEpoch()
	values, err := c.inner.Get(ctx, key)
	if err != nil {
		return core.GateValues{}, err
	}
	c.store(epoch, map[string]core.GateValues{key: values})
	return values.Clone(), nil
}

func (c *Cached) GetMulti(ctx context.Context, keys []string) (map[string]core.GateValues, error) {
	result := make(map[string]core.GateValues, len(keys))
	var misses []string
	for _, key := range keys {
		if values, ok := c.lookup(key); ok {
			result[key] = values
			continue
		}
		misses = append(misses, key)
	}
	if len(misses) == 0 {
		return result, nil
	}

	epoch := c.currentEpoch()
	fetched, err := c.inner.GetMulti(ctx, misses)
	if err != nil {
		return nil, err
	}
	filled := make(map[string]core.GateValues, len(misses))
	for _, key := range misses {
		values := fetched[key]
		filled[key] = values
		result[key] = values.Clone()
	}
	c.store(epoch, filled)
	return result, nil
}

func (c *Cached) GetAll(ctx context.Context) (map[string]core.GateValues, error) {
	epoch := c.currentEpoch()
	all, err := c.inner.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	c.store(epoch, all)
	return all, nil
}

func (c *Cached) lookup(key string) (core.GateValues, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	hit := ok && c.now().Before(entry.expires)
	if c.observer != nil {
		c.observer.ObserveCache(hit)
	}
	if !hit {
		return core.GateValues{}, false
	}
	return entry.values.Clone(), true
}

func (c *Cached) currentEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// store caches values read during epoch. Reads that overlapped a write are
// dropped so they cannot shadow it.
func (c *Cached) store(epoch uint64, values map[string]core.GateValues) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	expires := c.now().Add(c.ttl)
	for key, v := range values {
		c.entries[key] = cacheEntry{values: v.Normalize(), expires: expires}
	}
}

func (c *Cached) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.epoch++
	c.mu.Unlock()
}
