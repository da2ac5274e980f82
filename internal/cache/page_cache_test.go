package cache

import (
	"sync"
	"testing"

	"github.com/hupe1980/fastkv/internal/resource"
	"github.com/stretchr/testify/assert"
)

// newTestCache gives every shard room for perShard bytes.
func newTestCache(perShard int64, rc *resource.Controller) *PageCache {
	return New(perShard*numShards, rc)
}

func TestPageCache_GetPut(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	c := newTestCache(100, rc)

	_, ok := c.Get(7)
	assert.False(t, ok)

	c.Put(7, []byte("page-7"))
	got, ok := c.Get(7)
	assert.True(t, ok)
	assert.Equal(t, "page-7", string(got))

	// A rewrite of a partially flushed page replaces the copy.
	c.Put(7, []byte("page-7-full"))
	got, _ = c.Get(7)
	assert.Equal(t, "page-7-full", string(got))

	st := c.Stats()
	assert.Equal(t, Stats{Hits: 2, Misses: 1, Pages: 1, Bytes: 11}, st)
	assert.Equal(t, int64(11), rc.Usage().CacheBytes)

	c.Remove(7)
	c.Remove(8)
	assert.Equal(t, int64(0), rc.Usage().CacheBytes)
}

func TestPageCache_TooLargeIsNotCached(t *testing.T) {
	c := newTestCache(10, nil)
	c.Put(1, make([]byte, 11))
	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestPageCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(30, nil)

	// Find four pages that land in the same shard.
	var pages []uint64
	target := c.shardOf(0)
	for p := uint64(0); len(pages) < 4; p++ {
		if c.shardOf(p) == target {
			pages = append(pages, p)
		}
	}

	c.Put(pages[0], make([]byte, 10))
	c.Put(pages[1], make([]byte, 10))
	c.Put(pages[2], make([]byte, 10))
	c.Get(pages[0])
	c.Put(pages[3], make([]byte, 10))

	_, ok := c.Get(pages[1])
	assert.False(t, ok)
	_, ok = c.Get(pages[0])
	assert.True(t, ok)
	assert.Equal(t, int64(30), c.Stats().Bytes)
}

func TestPageCache_BudgetRejects(t *testing.T) {
	rc := resource.NewController(resource.Config{CacheBytes: 16})
	c := newTestCache(1024, rc)

	c.Put(1, make([]byte, 16))
	c.Put(2, make([]byte, 1))
	_, ok := c.Get(2)
	assert.False(t, ok)

	c.Remove(1)
	c.Put(2, make([]byte, 1))
	_, ok = c.Get(2)
	assert.True(t, ok)
}

func TestPageCache_Concurrent(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	c := New(64<<20, rc)

	for p := uint64(0); p < 1000; p++ {
		c.Put(p, make([]byte, 1024))
	}
	shards := 0
	for i := range c.shards {
		if len(c.shards[i].items) > 0 {
			shards++
		}
	}
	assert.Greater(t, shards, 60, "consecutive pages spread across shards")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := uint64(0); p < 1000; p++ {
				_, ok := c.Get(p)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, c.RemoveIf(func(p uint64) bool { return p >= 500 }))
	st := c.Stats()
	assert.Equal(t, int64(500*1024), st.Bytes)
	assert.Equal(t, int64(8000), st.Hits)
	assert.Equal(t, st.Bytes, rc.Usage().CacheBytes)
}
