package mmap

import (
	"math"
	"sync/atomic"
)

// Frames is an anonymous read-write mapping cut into equal frames. The
// memory lives outside the Go heap and starts zeroed.
type Frames struct {
	data      []byte
	frameSize int
	closed    atomic.Bool
	unmap     func([]byte) error
}

// MapFrames maps count frames of frameSize bytes each.
func MapFrames(count, frameSize int) (*Frames, error) {
	if count <= 0 || frameSize <= 0 || count > math.MaxInt/frameSize {
		return nil, ErrInvalidSize
	}
	data, unmap, err := osMapAnon(count * frameSize)
	if err != nil {
		return nil, err
	}
	return &Frames{data: data, frameSize: frameSize, unmap: unmap}, nil
}

// Len returns the number of frames.
func (f *Frames) Len() int {
	return len(f.data) / f.frameSize
}

// Frame returns frame i. The slice is invalid after Close.
func (f *Frames) Frame(i int) ([]byte, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if i < 0 || i >= f.Len() {
		return nil, ErrOutOfBounds
	}
	off := i * f.frameSize
	return f.data[off : off+f.frameSize : off+f.frameSize], nil
}

// Advise applies a paging hint to the whole arena.
func (f *Frames) Advise(pattern AccessPattern) error {
	if f.closed.Load() {
		return ErrClosed
	}
	return osAdvise(f.data, pattern)
}

// Close unmaps the arena. It is idempotent.
func (f *Frames) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.unmap(f.data)
}
