package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/semihalev/blockdns/dnswire"
)

// Cache is a fixed capacity LRU of answer sections. Entries expire lazily:
// an entry whose TTL has run out is evicted by the lookup that finds it.
type Cache struct {
	mu       sync.Mutex
	items    map[uint64]*list.Element
	lru      *list.List // front is most recently used
	capacity int
	clock    clockwork.Clock

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type entry struct {
	hash    uint64
	key     Key
	records []dnswire.Resource
	stored  time.Time
	ttl     uint32
}

// elapsed returns the whole seconds e has been cached at now.
func (e *entry) elapsed(now time.Time) uint32 {
	d := now.Sub(e.stored)
	if d < 0 {
		return 0
	}
	s := int64(d / time.Second)
	if s > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(s)
}

// Entry is a snapshot of one cached answer.
type Entry struct {
	Name    string             `json:"name"`
	Type    dnswire.Type       `json:"type"`
	Class   dnswire.Class      `json:"class"`
	TTL     uint32             `json:"ttl"`
	Records []dnswire.Resource `json:"records"`
}

// Stats are the cache counters.
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// New returns a new cache.
func New(size int, clock clockwork.Clock) *Cache {
	if size < 1 {
		size = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Cache{
		items:    make(map[uint64]*list.Element, size),
		lru:      list.New(),
		capacity: size,
		clock:    clock,
	}
}

// Get returns copies of the records cached for k with their TTLs reduced by
// the time spent in the cache.
func (c *Cache) Get(k Key) ([]dnswire.Resource, bool) {
	h := k.Hash()
	now := c.clock.Now()

	c.mu.Lock()

	el, ok := c.items[h]
	if !ok || el.Value.(*entry).key != k {
		c.mu.Unlock()
		c.miss()
		return nil, false
	}

	e := el.Value.(*entry)
	elapsed := e.elapsed(now)
	if elapsed >= e.ttl {
		c.remove(el)
		size := c.lru.Len()
		c.mu.Unlock()

		c.evictions.Add(1)
		cacheEvictions.Inc()
		cacheSize.Set(float64(size))
		c.miss()
		return nil, false
	}

	c.lru.MoveToFront(el)

	records := make([]dnswire.Resource, len(e.records))
	for i, rr := range e.records {
		records[i] = rr.Copy()
		records[i].TTL = rr.TTL - min(rr.TTL, elapsed)
	}

	c.mu.Unlock()

	c.hits.Add(1)
	cacheHits.Inc()

	return records, true
}

func (c *Cache) miss() {
	c.misses.Add(1)
	cacheMisses.Inc()
}

// Put stores copies of records under k for ttl seconds, replacing any
// previous entry and evicting the least recently used one when full.
func (c *Cache) Put(k Key, records []dnswire.Resource, ttl uint32) {
	e := &entry{
		hash:    k.Hash(),
		key:     k,
		records: make([]dnswire.Resource, len(records)),
		stored:  c.clock.Now(),
		ttl:     ttl,
	}
	for i, rr := range records {
		e.records[i] = rr.Copy()
	}

	var evicted int

	c.mu.Lock()

	if el, ok := c.items[e.hash]; ok {
		el.Value = e
		c.lru.MoveToFront(el)
	} else {
		c.items[e.hash] = c.lru.PushFront(e)
		for c.lru.Len() > c.capacity {
			c.remove(c.lru.Back())
			evicted++
		}
	}

	size := c.lru.Len()
	c.mu.Unlock()

	if evicted > 0 {
		c.evictions.Add(uint64(evicted))
		cacheEvictions.Add(float64(evicted))
	}
	cacheSize.Set(float64(size))
}

func (c *Cache) remove(el *list.Element) {
	c.lru.Remove(el)
	delete(c.items, el.Value.(*entry).hash)
}

// Remove drops the entry for k.
func (c *Cache) Remove(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[k.Hash()]; ok && el.Value.(*entry).key == k {
		c.remove(el)
	}
}

// Len returns the number of entries, expired ones not yet evicted included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

// Snapshot copies the unexpired entries, most recently used first. It
// neither refreshes recency nor evicts.
func (c *Cache) Snapshot() []Entry {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		elapsed := e.elapsed(now)
		if elapsed >= e.ttl {
			continue
		}

		records := make([]dnswire.Resource, len(e.records))
		for i, rr := range e.records {
			records[i] = rr.Copy()
			records[i].TTL = rr.TTL - min(rr.TTL, elapsed)
		}

		entries = append(entries, Entry{
			Name:    e.key.Name,
			Type:    e.key.Type,
			Class:   e.key.Class,
			TTL:     e.ttl - elapsed,
			Records: records,
		})
	}

	return entries
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:      c.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
