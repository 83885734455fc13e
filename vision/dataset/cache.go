package dataset

import (
	"container/list"
	"fmt"
	"sync"
)

// SampleCache is an LRU cache of encoded samples keyed by pair ID. One cache
// may be shared by several datasets as long as their IDs are disjoint.
type SampleCache struct {
	mu      sync.Mutex
	cache   map[string]*list.Element
	lru     *list.List
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

type cacheEntry struct {
	key    string
	sample *Sample
}

// NewSampleCache creates a cache holding at most maxSize samples.
func NewSampleCache(maxSize int) *SampleCache {
	return &SampleCache{
		cache:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves a sample from the cache. Callers must not modify it.
func (sc *SampleCache) Get(key string) (*Sample, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if elem, exists := sc.cache[key]; exists {
		sc.lru.MoveToFront(elem)
		sc.hits++
		return elem.Value.(*cacheEntry).sample, true
	}
	sc.misses++
	return nil, false
}

// Put adds a sample to the cache, evicting the least recently used entries
// beyond the size limit.
func (sc *SampleCache) Put(key string, sample *Sample) {
	if sc.maxSize <= 0 {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if elem, exists := sc.cache[key]; exists {
		elem.Value.(*cacheEntry).sample = sample
		sc.lru.MoveToFront(elem)
		return
	}
	sc.cache[key] = sc.lru.PushFront(&cacheEntry{key: key, sample: sample})

	for sc.lru.Len() > sc.maxSize {
		oldest := sc.lru.Back()
		sc.lru.Remove(oldest)
		delete(sc.cache, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache statistics
func (sc *SampleCache) Stats() CacheStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	stats := CacheStats{
		Size:    sc.lru.Len(),
		MaxSize: sc.maxSize,
		Hits:    sc.hits,
		Misses:  sc.misses,
	}
	if total := sc.hits + sc.misses; total > 0 {
		stats.HitRate = float64(sc.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
