// Package ttlcache provides a small TTL-bounded memory cache used to memoize
// short-lived requests.
//
// An entry is logically absent once now - timestamp > ttl. Expired entries
// are removed lazily on read and by a periodic sweep (see Run).
package ttlcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is used by Set when no TTL is given.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval is how often Run sweeps expired entries.
	DefaultSweepInterval = 10 * time.Minute
)

type entry[V any] struct {
	value     V
	timestamp time.Time
	ttl       time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	return now.Sub(e.timestamp) > e.ttl
}

// Cache is a TTL map. The zero value is not usable; call New.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]entry[V]
	defaultTTL time.Duration
	now        func() time.Time
	group      singleflight.Group
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache whose Set uses defaultTTL. A non-positive defaultTTL
// selects DefaultTTL.
func New[V any](defaultTTL time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache[V]{
		entries:    make(map[string]entry[V]),
		defaultTTL: defaultTTL,
		now:        o.now,
	}
}

// Set stores v under key with the default TTL.
func (c *Cache[V]) Set(key string, v V) {
	c.SetWithTTL(key, v, c.defaultTTL)
}

// SetWithTTL stores v under key with an explicit TTL.
func (c *Cache[V]) SetWithTTL(key string, v V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: v, timestamp: c.now(), ttl: ttl}
}

// Get returns the value stored under key if it has not expired. An expired
// entry is deleted.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len returns the number of physically present entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup removes expired entries and returns how many were removed.
func (c *Cache[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				clog.FromContext(ctx).Debugf("ttlcache: swept %d expired entries", n)
			}
		}
	}
}

// Fetch returns the cached value for key or calls fn to produce it.
// Concurrent misses for the same key share one call to fn. Only successful
// results are cached.
func (c *Cache[V]) Fetch(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.SetWithTTL(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

// Key builds a deterministic cache key from a prefix and parameters, e.g.
// Key("tasks", {"page": 2}) == `tasks:page=2`.
func Key(prefix string, params map[string]any) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		b, err := json.Marshal(params[name])
		if err != nil {
			b = []byte(fmt.Sprint(params[name]))
		}
		parts = append(parts, name+"="+string(b))
	}
	return prefix + ":" + strings.Join(parts, "&")
}
