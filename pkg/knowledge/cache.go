package knowledge

import (
	"container/list"
	"sync"

	"github.com/komari-bot/komari/pkg/store"
)

// RecordCache is an LRU cache of knowledge records keyed by id. A cache with
// a non-positive size stores nothing.
//
// Reads that miss go to the store outside any write lock, so a slow read can
// return a record that a concurrent write has since replaced. Such reads are
// cached through Fill, which refuses them once Delete or Purge has run after
// the caller took its Epoch.
type RecordCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[int64]*list.Element
	eviction *list.List
	hits     int64
	misses   int64
	epoch    uint64
}

type cacheItem struct {
	id     int64
	record *store.KnowledgeRecord
}

// NewRecordCache creates a cache holding at most maxSize records.
func NewRecordCache(maxSize int) *RecordCache {
	return &RecordCache{
		maxSize:  maxSize,
		items:    make(map[int64]*list.Element),
		eviction: list.New(),
	}
}

// Get returns a cached record, promoting it to the front.
func (c *RecordCache) Get(id int64) (*store.KnowledgeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.eviction.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheItem).record, true
	}
	c.misses++
	return nil, false
}

// Put adds or replaces a record.
func (c *RecordCache) Put(rec *store.KnowledgeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(rec)
}

// Epoch returns the invalidation counter to hand to Fill.
func (c *RecordCache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Fill caches records read from the store after epoch was taken. Nothing is
// stored if the cache was invalidated in the meantime.
func (c *RecordCache) Fill(epoch uint64, recs ...*store.KnowledgeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	for _, rec := range recs {
		c.put(rec)
	}
}

func (c *RecordCache) put(rec *store.KnowledgeRecord) {
	if c.maxSize <= 0 || rec == nil {
		return
	}
	if elem, ok := c.items[rec.ID]; ok {
		c.eviction.MoveToFront(elem)
		elem.Value.(*cacheItem).record = rec
		return
	}
	if c.eviction.Len() >= c.maxSize {
		c.evictOldest()
	}
	c.items[rec.ID] = c.eviction.PushFront(&cacheItem{id: rec.ID, record: rec})
}

// Delete drops id from the cache.
func (c *RecordCache) Delete(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	if elem, ok := c.items[id]; ok {
		c.eviction.Remove(elem)
		delete(c.items, id)
	}
}

// Purge empties the cache.
func (c *RecordCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.items = make(map[int64]*list.Element)
	c.eviction.Init()
}

// Len returns the number of cached records.
func (c *RecordCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// HitRate returns the hit ratio (0.0-1.0) and total lookups.
func (c *RecordCache) HitRate() (rate float64, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total = c.hits + c.misses
	if total == 0 {
		return 0, 0
	}
	return float64(c.hits) / float64(total), total
}

func (c *RecordCache) evictOldest() {
	back := c.eviction.Back()
	if back == nil {
		return
	}
	c.eviction.Remove(back)
	delete(c.items, back.Value.(*cacheItem).id)
}
