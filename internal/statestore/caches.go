package statestore

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/atriumbms/atrium/internal/config"
)

// Named in-process caches. These sit in front of Redis and the roster,
// not instead of them: entries are advisory and safe to lose on restart.
const (
	// CacheEquipmentList holds resolved location rosters.
	CacheEquipmentList = "equipmentList"
	// CacheEquipmentResult holds recent single-equipment evaluation
	// results so back-to-back manual runs skip the queue.
	CacheEquipmentResult = "equipmentResult"
)

var cacheTTLs = map[string]time.Duration{
	CacheEquipmentList:   config.DefaultEquipmentListTTL,
	CacheEquipmentResult: config.DefaultEquipmentResultTTL,
}

const defaultCacheTTL = 5 * time.Minute

type cacheSet struct {
	mu     sync.Mutex
	byName map[string]*gocache.Cache
}

func newCacheSet() *cacheSet {
	return &cacheSet{byName: map[string]*gocache.Cache{}}
}

func (cs *cacheSet) get(name string) *gocache.Cache {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if c, ok := cs.byName[name]; ok {
		return c
	}
	ttl, ok := cacheTTLs[name]
	if !ok {
		ttl = defaultCacheTTL
	}
	c := gocache.New(ttl, 10*time.Minute)
	cs.byName[name] = c
	return c
}

// CachePut stores a value in the named cache under its default TTL.
func (s *Store) CachePut(name, key string, value interface{}) {
	s.caches.get(name).SetDefault(key, value)
}

// CachePutTTL stores a value with an explicit TTL.
func (s *Store) CachePutTTL(name, key string, value interface{}, ttl time.Duration) {
	s.caches.get(name).Set(key, value, ttl)
}

// CacheFetch returns the cached value and whether it was present and
// unexpired.
func (s *Store) CacheFetch(name, key string) (interface{}, bool) {
	return s.caches.get(name).Get(key)
}

// CacheDelete drops one entry.
func (s *Store) CacheDelete(name, key string) {
	s.caches.get(name).Delete(key)
}

// CacheFlush empties the named cache.
func (s *Store) CacheFlush(name string) {
	s.caches.get(name).Flush()
}
