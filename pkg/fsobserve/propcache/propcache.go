// Package propcache implements the bounded, single-flighted property
// caches described in spec.md §4.7 (component C7): a generic LRU cache
// that collapses concurrent loads for the same key into a single fetch,
// and caches negative results for a short TTL so a flapping file doesn't
// retry an expensive hash on every query.
//
// Grounded on pkg/filesystem/watching/watch_non_recursive_linux.go's use
// of github.com/golang/groupcache/lru for eviction bookkeeping, combined
// with golang.org/x/sync/singleflight for collapsing concurrent loads
// (the same pairing rclone-rclone's netexplorer backend uses for its own
// hot cache).
package propcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"
)

// Stats holds the counters spec.md §4.7 requires from stats().
type Stats struct {
	Hit        uint64
	Share      uint64
	Miss       uint64
	Evict      uint64
	Store      uint64
	Load       uint64
	Erase      uint64
	ClearCount uint64
	Size       int
}

// Loader fetches the value for a key that is absent or expired. A
// non-nil error is cached as a negative result for errorTTL.
type Loader func(key interface{}) (interface{}, error)

// entry is the value a cache key maps to internally: either a live
// value, or a cached error with the time it was recorded.
type entry struct {
	value   interface{}
	err     error
	errTime time.Time
}

// Cache is a bounded, single-flighted LRU keyed by arbitrary comparable
// keys (spec.md §4.7). The zero value is not usable; construct with New.
type Cache struct {
	maxItems int
	errorTTL time.Duration
	loader   Loader

	mu    sync.Mutex
	lru   *lru.Cache
	stats Stats

	group singleflight.Group
}

// New creates a cache bounded to maxItems entries, using loader to fill
// misses and caching loader errors for errorTTL before retrying them.
func New(maxItems int, errorTTL time.Duration, loader Loader) *Cache {
	c := &Cache{
		maxItems: maxItems,
		errorTTL: errorTTL,
		loader:   loader,
	}
	c.lru = lru.New(maxItems)
	c.lru.OnEvicted = func(key lru.Key, value interface{}) {
		// lru runs this from inside Add, Remove and Clear, and this
		// package only makes those calls with c.mu already held.
		c.stats.Evict++
	}
	return c
}

// Get returns the value for key, loading it via the configured Loader if
// necessary. Concurrent Gets for the same key share a single load
// (spec.md §4.7 "single-flight fetch"; spec.md §8 "Cache single-flight").
func (c *Cache) Get(key interface{}) (interface{}, error) {
	k := lru.Key(key)

	c.mu.Lock()
	if raw, ok := c.lru.Get(k); ok {
		e := raw.(*entry)
		if e.err != nil && time.Since(e.errTime) < c.errorTTL {
			c.stats.Hit++
			c.mu.Unlock()
			return nil, e.err
		}
		if e.err == nil {
			c.stats.Hit++
			c.mu.Unlock()
			return e.value, nil
		}
		// Negative result has expired; fall through to reload.
	}
	c.mu.Unlock()

	type result struct {
		value interface{}
		err   error
	}
	raw, err, shared := c.group.Do(keyString(key), func() (interface{}, error) {
		c.mu.Lock()
		c.stats.Load++
		c.mu.Unlock()

		value, loadErr := c.loader(key)

		c.mu.Lock()
		c.lru.Add(k, &entry{value: value, err: loadErr, errTime: time.Now()})
		c.stats.Store++
		c.stats.Size = c.lru.Len()
		c.mu.Unlock()

		return result{value: value, err: loadErr}, nil
	})
	_ = err // c.group.Do's fn never returns a non-nil error itself; loadErr rides inside result.

	res := raw.(result)

	c.mu.Lock()
	if shared {
		c.stats.Share++
	} else {
		c.stats.Miss++
	}
	c.mu.Unlock()

	return res.value, res.err
}

// keyString renders an arbitrary comparable key into the string
// singleflight.Group.Do requires. Cache keys in this package are always
// fmt.Stringer-shaped structs (contentKey, symlinkKey); for anything
// else this falls back to a type-qualified sprint.
func keyString(key interface{}) string {
	if s, ok := key.(interface{ String() string }); ok {
		return s.String()
	}
	return fmt.Sprintf("%T:%v", key, key)
}

// Erase removes key from the cache without invoking any in-flight load's
// continuation (spec.md §4.7 "evicted entries do not cancel their
// in-flight load").
func (c *Cache) Erase(key interface{}) {
	c.mu.Lock()
	c.lru.Remove(lru.Key(key))
	c.stats.Erase++
	c.stats.Size = c.lru.Len()
	c.mu.Unlock()
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.lru.Clear()
	c.stats.ClearCount++
	c.stats.Size = 0
	c.mu.Unlock()
}

// StatsSnapshot returns a copy of the cache's current counters
// (spec.md §4.7 "stats()").
func (c *Cache) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	return s
}
