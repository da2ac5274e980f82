package index

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
)

// EntriesPerBucket is the number of entries in one bucket.
const EntriesPerBucket = 7

const (
	overflowPageBits = 10
	overflowPageSize = 1 << overflowPageBits
	overflowPageMask = overflowPageSize - 1
)

// ErrInvalidSize is returned for a table size that is not a power of two.
var ErrInvalidSize = errors.New("index: table size must be a power of two")

type bucket struct {
	entries [EntriesPerBucket]atomic.Uint64
	// overflow is the 1-based position in the overflow pool, 0 for none.
	overflow atomic.Uint64
}

type overflowPage [overflowPageSize]bucket

// Index maps key hashes to log addresses.
type Index struct {
	buckets []bucket
	mask    uint64

	mu            sync.Mutex // protects overflow growth
	overflowPages atomic.Pointer[[]*overflowPage]
	overflowCount atomic.Uint64
}

// New creates an index with size buckets.
func New(size uint64) (*Index, error) {
	if size == 0 || bits.OnesCount64(size) != 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	ix := &Index{
		buckets: make([]bucket, size),
		mask:    size - 1,
	}
	pages := make([]*overflowPage, 0, 4)
	ix.overflowPages.Store(&pages)
	return ix, nil
}

// Size returns the number of primary buckets.
func (ix *Index) Size() uint64 {
	return uint64(len(ix.buckets))
}

// OverflowBuckets returns the number of allocated overflow buckets.
func (ix *Index) OverflowBuckets() uint64 {
	return ix.overflowCount.Load()
}

// Slot references one entry word in a bucket.
type Slot struct {
	word *atomic.Uint64
}

// Load reads the entry.
func (s Slot) Load() Entry {
	return Entry(s.word.Load())
}

// CompareAndSwap replaces old with new.
func (s Slot) CompareAndSwap(old, new Entry) bool {
	return s.word.CompareAndSwap(uint64(old), uint64(new))
}

// Store overwrites the entry. Only recovery uses it, while no session runs.
func (s Slot) Store(e Entry) {
	s.word.Store(uint64(e))
}

// Valid reports whether the slot references an entry.
func (s Slot) Valid() bool {
	return s.word != nil
}

func (ix *Index) overflow(pos uint64) *bucket {
	idx := pos - 1
	pages := *ix.overflowPages.Load()
	return &pages[idx>>overflowPageBits][idx&overflowPageMask]
}

func (ix *Index) allocOverflow() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	idx := ix.overflowCount.Load()
	pages := *ix.overflowPages.Load()
	if idx>>overflowPageBits >= uint64(len(pages)) {
		grown := make([]*overflowPage, len(pages), len(pages)*2+1)
		copy(grown, pages)
		grown = append(grown, new(overflowPage))
		ix.overflowPages.Store(&grown)
	}
	ix.overflowCount.Store(idx + 1)
	return idx + 1
}

// FindEntry returns the published entry for hash, if any.
func (ix *Index) FindEntry(hash uint64) (Slot, Entry, bool) {
	tag := TagOf(hash)
	b := &ix.buckets[hash&ix.mask]
	for {
		for i := range b.entries {
			e := Entry(b.entries[i].Load())
			if !e.Free() && !e.Tentative() && e.Tag() == tag {
				return Slot{word: &b.entries[i]}, e, true
			}
		}
		next := b.overflow.Load()
		if next == 0 {
			return Slot{}, 0, false
		}
		b = ix.overflow(next)
	}
}

// FindOrCreateEntry returns the entry for hash, publishing an empty one
// (address 0) if none exists.
func (ix *Index) FindOrCreateEntry(hash uint64) (Slot, Entry) {
	tag := TagOf(hash)
	for {
		slot, e, state := ix.scan(hash, tag)
		switch state {
		case scanFound:
			return slot, e
		case scanBusy:
			runtime.Gosched()
			continue
		}

		tentative := MakeEntry(0, tag, true)
		if !slot.CompareAndSwap(0, tentative) {
			continue
		}
		if ix.conflicts(hash, tag, slot.word) {
			slot.Store(0)
			runtime.Gosched()
			continue
		}
		published := MakeEntry(0, tag, false)
		slot.Store(published)
		return slot, published
	}
}

type scanState int

const (
	scanFound scanState = iota
	scanFree
	scanBusy
)

// scan looks for tag in the chain of hash. Without a match it returns a free
// slot, extending the chain with an overflow bucket when all are full.
func (ix *Index) scan(hash uint64, tag uint16) (Slot, Entry, scanState) {
	b := &ix.buckets[hash&ix.mask]
	var free *atomic.Uint64
	for {
		for i := range b.entries {
			e := Entry(b.entries[i].Load())
			if e.Free() {
				if free == nil {
					free = &b.entries[i]
				}
				continue
			}
			if e.Tag() == tag {
				if e.Tentative() {
					return Slot{}, 0, scanBusy
				}
				return Slot{word: &b.entries[i]}, e, scanFound
			}
		}
		next := b.overflow.Load()
		if next != 0 {
			b = ix.overflow(next)
			continue
		}
		if free != nil {
			return Slot{word: free}, 0, scanFree
		}
		pos := ix.allocOverflow()
		if !b.overflow.CompareAndSwap(0, pos) {
			// Lost the race; the allocated bucket stays unused.
			next = b.overflow.Load()
		} else {
			next = pos
		}
		b = ix.overflow(next)
	}
}

// conflicts reports whether any entry other than self carries tag.
func (ix *Index) conflicts(hash uint64, tag uint16, self *atomic.Uint64) bool {
	b := &ix.buckets[hash&ix.mask]
	for {
		for i := range b.entries {
			if &b.entries[i] == self {
				continue
			}
			e := Entry(b.entries[i].Load())
			if !e.Free() && e.Tag() == tag {
				return true
			}
		}
		next := b.overflow.Load()
		if next == 0 {
			return false
		}
		b = ix.overflow(next)
	}
}

// ForEach calls fn for every published entry. Entries may change
// concurrently; fn sees each slot at most once.
func (ix *Index) ForEach(fn func(slot Slot, e Entry)) {
	visit := func(b *bucket) {
		for i := range b.entries {
			e := Entry(b.entries[i].Load())
			if !e.Free() && !e.Tentative() {
				fn(Slot{word: &b.entries[i]}, e)
			}
		}
	}
	for i := range ix.buckets {
		visit(&ix.buckets[i])
	}
	n := ix.overflowCount.Load()
	for pos := uint64(1); pos <= n; pos++ {
		visit(ix.overflow(pos))
	}
}

// Stats summarizes index occupancy.
type Stats struct {
	Buckets         uint64
	OverflowBuckets uint64
	UsedEntries     uint64
}

// Stats counts used entries.
func (ix *Index) Stats() Stats {
	s := Stats{Buckets: ix.Size(), OverflowBuckets: ix.OverflowBuckets()}
	ix.ForEach(func(Slot, Entry) { s.UsedEntries++ })
	return s
}
