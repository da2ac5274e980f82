package mmap

import "errors"

// AccessPattern is a paging hint for the kernel.
type AccessPattern int

const (
	AccessDefault AccessPattern = iota
	AccessSequential
	AccessRandom
	// AccessDontNeed lets the kernel drop the pages. Anonymous memory reads
	// back as zeros afterwards.
	AccessDontNeed
)

var (
	// ErrClosed is returned when accessing a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for non-positive or overflowing sizes.
	ErrInvalidSize = errors.New("mmap: invalid size")
	// ErrOutOfBounds is returned for frame indexes outside the arena.
	ErrOutOfBounds = errors.New("mmap: out of bounds")
	// ErrInvalidOffset is returned for negative read offsets.
	ErrInvalidOffset = errors.New("mmap: invalid offset")
)
