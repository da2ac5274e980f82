package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/fastkv/internal/resource"
)

const numShards = 64

// PageCache keeps decoded stable-log pages by page number. Cached slices
// are shared and must be treated as read-only.
type PageCache struct {
	shards [numShards]shard
	rc     *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type shard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	items    map[uint64]*list.Element
	lru      list.List
}

type entry struct {
	page uint64
	data []byte
}

// New creates a cache holding up to capacity bytes. Cached bytes are also
// charged to the cache budget of rc, which may be nil.
func New(capacity int64, rc *resource.Controller) *PageCache {
	c := &PageCache{rc: rc}
	perShard := max(capacity/numShards, 1)
	for i := range c.shards {
		c.shards[i].capacity = perShard
		c.shards[i].items = make(map[uint64]*list.Element)
	}
	return c
}

// shardOf spreads consecutive pages with the splitmix64 finalizer.
func (c *PageCache) shardOf(page uint64) *shard {
	z := page + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return &c.shards[z%numShards]
}

// Get returns the cached page.
func (c *PageCache) Get(page uint64) ([]byte, bool) {
	s := c.shardOf(page)
	s.mu.Lock()
	el, ok := s.items[page]
	if ok {
		s.lru.MoveToFront(el)
	}
	s.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return el.Value.(*entry).data, true
}

// Put caches data for page, replacing an older copy. Pages larger than a
// shard, or that the cache budget rejects, are not cached.
func (c *PageCache) Put(page uint64, data []byte) {
	n := int64(len(data))
	s := c.shardOf(page)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[page]; ok {
		c.remove(s, el)
	}
	if n > s.capacity {
		return
	}
	for s.size+n > s.capacity && s.lru.Len() > 0 {
		c.remove(s, s.lru.Back())
	}
	if !c.rc.ReserveCache(n) {
		return
	}
	s.items[page] = s.lru.PushFront(&entry{page: page, data: data})
	s.size += n
}

// Remove drops page.
func (c *PageCache) Remove(page uint64) {
	s := c.shardOf(page)
	s.mu.Lock()
	if el, ok := s.items[page]; ok {
		c.remove(s, el)
	}
	s.mu.Unlock()
}

// RemoveIf drops every page match selects and returns how many it dropped.
func (c *PageCache) RemoveIf(match func(page uint64) bool) int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for page, el := range s.items {
			if match(page) {
				c.remove(s, el)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (c *PageCache) remove(s *shard, el *list.Element) {
	e := s.lru.Remove(el).(*entry)
	delete(s.items, e.page)
	s.size -= int64(len(e.data))
	c.rc.ReleaseCache(int64(len(e.data)))
}

// Stats describes the cache.
type Stats struct {
	Hits   int64
	Misses int64
	Pages  int
	Bytes  int64
}

// Stats returns counters and the current content size.
func (c *PageCache) Stats() Stats {
	st := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		st.Pages += len(s.items)
		st.Bytes += s.size
		s.mu.Unlock()
	}
	return st
}
