// Package cache is a process-local TTL cache on top of patrickmn/go-cache.
// It holds short-lived lookups, such as license status, that may be served
// slightly stale.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalCache is safe for concurrent use.
type LocalCache struct {
	cache *gocache.Cache
}

// NewLocalCache creates a cache whose entries live for defaultTTL unless set
// with their own TTL. Expired entries are swept every cleanupInterval.
func NewLocalCache(defaultTTL, cleanupInterval time.Duration) *LocalCache {
	return &LocalCache{
		cache: gocache.New(defaultTTL, cleanupInterval),
	}
}

func (l *LocalCache) Get(key string) (interface{}, bool) {
	return l.cache.Get(key)
}

// Set stores value for ttl. A zero ttl uses the cache default.
func (l *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = gocache.DefaultExpiration
	}
	l.cache.Set(key, value, ttl)
}

func (l *LocalCache) Delete(key string) {
	l.cache.Delete(key)
}

func (l *LocalCache) Flush() {
	l.cache.Flush()
}

func (l *LocalCache) Len() int {
	return l.cache.ItemCount()
}
