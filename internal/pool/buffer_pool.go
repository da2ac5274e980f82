// Package pool provides size-classed byte buffer pools for values handed to
// callers. Buffers are grouped by power-of-two capacity so a released buffer
// can serve any later request of its class.
package pool

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	// MinClassBits is log2 of the smallest pooled capacity.
	MinClassBits = 6
	// MaxClassBits is log2 of the largest pooled capacity. Larger buffers are
	// allocated directly and dropped on Put.
	MaxClassBits = 20

	numClasses = MaxClassBits - MinClassBits + 1
)

// BufferPool hands out byte slices from per-class sync.Pools.
type BufferPool struct {
	classes [numClasses]sync.Pool

	gets      atomic.Int64
	hits      atomic.Int64
	puts      atomic.Int64
	oversized atomic.Int64
}

// New creates an empty BufferPool.
func New() *BufferPool {
	return &BufferPool{}
}

// classOf returns the class index serving n bytes, or -1 if n is too large.
func classOf(n int) int {
	if n <= 1<<MinClassBits {
		return 0
	}
	c := bits.Len(uint(n-1)) - MinClassBits
	if c >= numClasses {
		return -1
	}
	return c
}

// Get returns a slice of length n.
func (p *BufferPool) Get(n int) []byte {
	p.gets.Add(1)
	c := classOf(n)
	if c < 0 {
		p.oversized.Add(1)
		return make([]byte, n)
	}
	if v := p.classes[c].Get(); v != nil {
		p.hits.Add(1)
		return (*v.(*[]byte))[:n]
	}
	return make([]byte, n, 1<<(c+MinClassBits))
}

// Put returns b to its class. Slices that were not produced by Get are
// ignored.
func (p *BufferPool) Put(b []byte) {
	c := classOf(cap(b))
	if c < 0 || cap(b) != 1<<(c+MinClassBits) {
		return
	}
	p.puts.Add(1)
	b = b[:0]
	p.classes[c].Put(&b)
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Gets      int64
	Hits      int64
	Puts      int64
	Oversized int64
}

// Stats returns current counters.
func (p *BufferPool) Stats() Stats {
	return Stats{
		Gets:      p.gets.Load(),
		Hits:      p.hits.Load(),
		Puts:      p.puts.Load(),
		Oversized: p.oversized.Load(),
	}
}
