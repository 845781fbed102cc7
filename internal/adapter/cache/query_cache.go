package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"docsearch/internal/domain"
)

// QueryCache memoizes search results for repeated queries against an
// unchanged index. Entries carry the index generation they were
// computed from and expire when the generation moves or the TTL
// elapses. Eviction is least-recently-used.
type QueryCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	maxSize int
	ttl     time.Duration
}

type entry struct {
	results  []domain.ScoredChunk
	gen      string
	cachedAt time.Time
}

func New(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QueryCache{
		entries: make(map[string]*entry),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Key derives the cache key from everything that determines a result
// list besides the index contents.
func Key(query string, k int, filter domain.SearchFilter) string {
	h := sha256.New()
	h.Write([]byte(query))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k))
	h.Write(buf[:])
	h.Write([]byte(filter.Type))
	binary.BigEndian.PutUint64(buf[:], uint64(filter.FetchedAfter.UnixNano()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(filter.FetchedBefore.UnixNano()))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Get returns the cached results for key if they were computed from
// the given index generation and have not expired.
func (c *QueryCache) Get(key, gen string) ([]domain.ScoredChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.gen != gen || time.Since(e.cachedAt) > c.ttl {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil, false
	}
	c.moveToEnd(key)
	return e.results, true
}

func (c *QueryCache) Put(key, gen string, results []domain.ScoredChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = &entry{results: results, gen: gen, cachedAt: time.Now()}
		c.moveToEnd(key)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &entry{results: results, gen: gen, cachedAt: time.Now()}
	c.order = append(c.order, key)
}

func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *QueryCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

func (c *QueryCache) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *QueryCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
