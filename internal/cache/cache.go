package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default TTLs for the read-side surfaces.
const (
	TTLStats    = 300 * time.Second
	TTLSources  = 3600 * time.Second
	TTLStatus   = 30 * time.Second
	TTLListPage = 60 * time.Second
	TTLCredTest = 60 * time.Second
)

type entry struct {
	value     any
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache is an in-process TTL cache keyed by string. Lookups are
// fail-open: a miss or an expired entry just means the caller loads.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
	done    chan struct{}
	once    sync.Once
}

// New starts the cache and its janitor goroutine. Call Close to stop it.
func New() *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns the cached value for key if present and fresh.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. Non-positive ttl is a no-op.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeleteByPrefix removes every key starting with prefix and returns how
// many were dropped.
func (c *Cache) DeleteByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Increment bumps an int64 counter under key and returns the new
// count. The first hit in a window starts the ttl clock; later hits
// keep the original expiry, so the counter resets once per window.
func (c *Cache) Increment(key string, ttl time.Duration) int64 {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		c.entries[key] = entry{value: int64(1), expiresAt: now.Add(ttl)}
		return 1
	}
	n, _ := e.value.(int64)
	n++
	c.entries[key] = entry{value: n, expiresAt: e.expiresAt}
	return n
}

// GetOrSet returns the cached value or runs loader and caches its result.
// At most one loader runs per key at a time; concurrent callers share the
// in-flight result. Loader errors are returned without caching.
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Re-check under the flight: another caller may have filled the
		// key between our miss and this execution.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of live entries, expired ones included until
// the janitor sweeps them.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor. The cache stays usable afterwards.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if e.expired(now) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}
