// Package cache implements the value log's shared blob cache: a bounded,
// sharded, concurrent map from (tenant, segment id, offset) to decoded
// value bytes, evicted by approximate LRU under a byte-size budget.
//
// No library in the example pack supplies a generic bounded byte-weighted
// LRU (the ecosystem's usual candidate, hashicorp/golang-lru, never
// appears in any example's go.mod); this is the one component this repo
// hand-rolls on the standard library rather than wiring a pack dependency
// — see DESIGN.md. Its shape still follows the teacher: kevo's
// compaction.DefaultFileTracker pattern of a small sync.RWMutex-guarded
// map, generalized here into N shards with an eviction list.
package cache

import (
	"container/list"
	"sync"
)

// Key identifies one cached blob. Tenant lets a single cache instance be
// shared across multiple value-log instances (spec.md §4.4).
type Key struct {
	Tenant    uint64
	SegmentID uint64
	Offset    uint64
}

const shardCount = 16

type entry struct {
	key   Key
	value []byte
	elem  *list.Element
}

type shard struct {
	mu    sync.Mutex
	items map[Key]*entry
	order *list.List // front = most recently used
	bytes int64
}

// Cache is a sharded, capacity-bounded, approximately-LRU blob cache.
type Cache struct {
	shards   [shardCount]*shard
	capacity int64 // total capacity across all shards, in bytes

	mu        sync.Mutex // guards size bookkeeping and the eviction cursor
	curBytes  int64
	evictNext int // shard index the next eviction round starts from
}

// NewCache creates a Cache with the given total byte capacity.
func NewCache(capacityBytes int64) *Cache {
	c := &Cache{capacity: capacityBytes}
	for i := range c.shards {
		c.shards[i] = &shard{
			items: make(map[Key]*entry),
			order: list.New(),
		}
	}
	return c
}

func (c *Cache) shardFor(k Key) *shard {
	h := k.Tenant*1099511628211 ^ k.SegmentID*2654435761 ^ k.Offset
	return c.shards[h%uint64(shardCount)]
}

// Get returns the cached value for k, if present. A hit bumps the entry to
// the front of its shard's LRU list.
func (c *Cache) Get(k Key) ([]byte, bool) {
	s := c.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[k]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(e.elem)
	return e.value, true
}

// Insert adds or refreshes a cache entry. Insertion is best-effort: under
// pressure, Insert may evict other entries (including, immediately, the
// one just inserted if it alone exceeds capacity).
func (c *Cache) Insert(k Key, value []byte) {
	if c.capacity <= 0 {
		return
	}

	s := c.shardFor(k)
	s.mu.Lock()

	if existing, ok := s.items[k]; ok {
		delta := int64(len(value)) - int64(len(existing.value))
		existing.value = value
		s.order.MoveToFront(existing.elem)
		s.bytes += delta
		c.addBytes(delta)
		s.mu.Unlock()
		c.evictIfNeeded()
		return
	}

	e := &entry{key: k, value: value}
	e.elem = s.order.PushFront(e)
	s.items[k] = e
	s.bytes += int64(len(value))
	c.addBytes(int64(len(value)))
	s.mu.Unlock()

	c.evictIfNeeded()
}

func (c *Cache) addBytes(delta int64) {
	c.mu.Lock()
	c.curBytes += delta
	c.mu.Unlock()
}

// evictIfNeeded evicts from the least-recently-used ends of shards,
// round-robin (each round resumes at the shard after the last one evicted
// from), until total size is back within capacity. This is
// approximate: it does not guarantee the single globally-oldest entry is
// evicted first, only that some entry is.
func (c *Cache) evictIfNeeded() {
	for {
		c.mu.Lock()
		over := c.curBytes > c.capacity
		start := c.evictNext
		c.mu.Unlock()
		if !over {
			return
		}

		evicted := false
		for i := 0; i < shardCount; i++ {
			idx := (start + i) % shardCount
			s := c.shards[idx]
			s.mu.Lock()
			back := s.order.Back()
			if back == nil {
				s.mu.Unlock()
				continue
			}
			e := back.Value.(*entry)
			s.order.Remove(back)
			delete(s.items, e.key)
			s.bytes -= int64(len(e.value))
			s.mu.Unlock()

			c.mu.Lock()
			c.curBytes -= int64(len(e.value))
			c.evictNext = (idx + 1) % shardCount
			c.mu.Unlock()
			evicted = true
			break
		}

		if !evicted {
			return // nothing left to evict; capacity may simply be too small
		}
	}
}

// PurgeSegment drops every cached entry belonging to segmentID, across all
// tenants. Called on segment retirement (spec.md §4.4: "cache never serves
// a key from a retired segment").
func (c *Cache) PurgeSegment(segmentID uint64) {
	for _, s := range c.shards {
		s.mu.Lock()
		var toRemove []*entry
		for k, e := range s.items {
			if k.SegmentID == segmentID {
				toRemove = append(toRemove, e)
			}
		}
		var freed int64
		for _, e := range toRemove {
			s.order.Remove(e.elem)
			delete(s.items, e.key)
			freed += int64(len(e.value))
		}
		s.bytes -= freed
		s.mu.Unlock()
		c.addBytes(-freed)
	}
}

// Size returns the cache's current total size in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Capacity returns the cache's configured byte capacity.
func (c *Cache) Capacity() int64 { return c.capacity }

// Len returns the total number of cached entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}
	return total
}
