package fastkv

import (
	"sync/atomic"

	"github.com/hupe1980/fastkv/internal/pool"
)

// Buffer holds a value handed out by the store. The caller owns it and must
// call Release exactly once when done.
type Buffer struct {
	data     []byte
	pool     *pool.BufferPool
	released atomic.Bool
}

func newBuffer(p *pool.BufferPool, data []byte) *Buffer {
	return &Buffer{data: data, pool: p}
}

// Bytes returns the value. The slice is invalid after Release.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.released.Load() {
		return nil
	}
	return b.data
}

// Len returns the value length.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// String returns the value as a string.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Release returns the buffer to the store. A second call returns
// ErrBufferReleased.
func (b *Buffer) Release() error {
	if b == nil {
		return nil
	}
	if !b.released.CompareAndSwap(false, true) {
		return ErrBufferReleased
	}
	if b.pool != nil {
		b.pool.Put(b.data)
	}
	b.data = nil
	return nil
}
