// pkg/similarity/cache.go
package similarity

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// EmbeddingCache is an LRU cache of embeddings keyed by an arbitrary tuple
// (typically audio path and clip bounds).
type EmbeddingCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
}

type cacheEntry struct {
	key    string
	vector []float64
}

// NewEmbeddingCache creates a cache holding at most capacity vectors.
// A non-positive capacity disables caching.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	return &EmbeddingCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns a copy of the cached vector for the key parts.
func (c *EmbeddingCache) Get(parts ...string) ([]float64, bool) {
	if c == nil || c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hashKey(parts...)
	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		return append([]float64(nil), entry.vector...), true
	}
	return nil, false
}

// Put stores a copy of vector under the key parts, evicting the least
// recently used entry when full.
func (c *EmbeddingCache) Put(vector []float64, parts ...string) {
	if c == nil || c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hashKey(parts...)
	vec := append([]float64(nil), vector...)

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).vector = vec
		return
	}

	if c.lru.Len() >= c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}

	c.cache[key] = c.lru.PushFront(&cacheEntry{key: key, vector: vec})
}

// Len returns the number of cached vectors.
func (c *EmbeddingCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func hashKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(hash[:])
}
