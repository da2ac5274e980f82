package hlog

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// RecordHeaderSize is the fixed prefix of every record:
//
//	[info:8][keyLen:4][valueLen:4][valueCap:4][lock:4]
const RecordHeaderSize = 24

const (
	infoOffset     = 0
	keyLenOffset   = 8
	valueLenOffset = 12
	valueCapOffset = 16
	lockOffset     = 20
)

const (
	prevAddressMask = 1<<48 - 1
	versionShift    = 48
	tombstoneBit    = 1 << 61
	invalidBit      = 1 << 62
)

// VersionMask bounds checkpoint versions stored in a record.
const VersionMask = 1<<13 - 1

// Info is the first word of a record.
type Info uint64

// MakeInfo packs a record info word. Version is stored modulo VersionMask+1.
func MakeInfo(prev uint64, version uint32, tombstone bool) Info {
	i := Info(prev&prevAddressMask | uint64(version&VersionMask)<<versionShift)
	if tombstone {
		i |= tombstoneBit
	}
	return i
}

// PreviousAddress is the next older record of the hash chain.
func (i Info) PreviousAddress() uint64 { return uint64(i) & prevAddressMask }

// Version is the checkpoint version the record was written in.
func (i Info) Version() uint32 { return uint32(uint64(i)>>versionShift) & VersionMask }

// Tombstone reports a delete marker.
func (i Info) Tombstone() bool { return i&tombstoneBit != 0 }

// Invalid reports a record that must be skipped by readers and recovery.
func (i Info) Invalid() bool { return i&invalidBit != 0 }

// Empty reports an unwritten slot, which ends a page during scans.
func (i Info) Empty() bool { return i == 0 }

// WithPrevious returns i with a different chain link.
func (i Info) WithPrevious(prev uint64) Info {
	return i&^prevAddressMask | Info(prev&prevAddressMask)
}

// WithTombstone returns i with the tombstone bit set to t.
func (i Info) WithTombstone(t bool) Info {
	if t {
		return i | tombstoneBit
	}
	return i &^ tombstoneBit
}

// WithInvalid returns i marked invalid.
func (i Info) WithInvalid() Info { return i | invalidBit }

// RecordSize returns the aligned footprint of a record.
func RecordSize(keyLen, valueCap int) int {
	return align8(RecordHeaderSize + keyLen + valueCap)
}

func align8(n int) int { return (n + 7) &^ 7 }

// ValueCapacity picks the in-place capacity for a value of length n.
// Small values get room to grow to the next 8-byte boundary only.
func ValueCapacity(keyLen, n int) int {
	return RecordSize(keyLen, n) - RecordHeaderSize - keyLen
}

// Record is a view of one record. Records inside log frames are 8-byte
// aligned, which the atomic accessors rely on.
type Record []byte

// WriteRecord initialises a record at the start of dst. dst must hold
// RecordSize(len(key), valueCap) bytes.
func WriteRecord(dst []byte, info Info, key, value []byte, valueCap int) Record {
	r := Record(dst[:RecordSize(len(key), valueCap)])
	binary.LittleEndian.PutUint32(r[keyLenOffset:], uint32(len(key)))
	binary.LittleEndian.PutUint32(r[valueLenOffset:], uint32(len(value)))
	binary.LittleEndian.PutUint32(r[valueCapOffset:], uint32(valueCap))
	binary.LittleEndian.PutUint32(r[lockOffset:], 0)
	copy(r[RecordHeaderSize:], key)
	copy(r[RecordHeaderSize+len(key):], value)
	// Publishing info last makes the header non-empty only once complete.
	r.SetInfo(info)
	return r
}

func (r Record) word64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r[off])) //nolint:gosec // aligned record header
}

func (r Record) word32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r[off])) //nolint:gosec // aligned record header
}

// Info loads the info word.
func (r Record) Info() Info { return Info(r.word64(infoOffset).Load()) }

// SetInfo stores the info word.
func (r Record) SetInfo(i Info) { r.word64(infoOffset).Store(uint64(i)) }

// CompareAndSwapInfo swaps the info word if it still equals old.
func (r Record) CompareAndSwapInfo(old, new Info) bool {
	return r.word64(infoOffset).CompareAndSwap(uint64(old), uint64(new))
}

// KeyLen is the key length.
func (r Record) KeyLen() int { return int(binary.LittleEndian.Uint32(r[keyLenOffset:])) }

// ValueLen is the current value length.
func (r Record) ValueLen() int { return int(r.word32(valueLenOffset).Load()) }

// ValueCap is the value capacity reserved for in-place updates.
func (r Record) ValueCap() int { return int(binary.LittleEndian.Uint32(r[valueCapOffset:])) }

// Size is the aligned footprint of the record.
func (r Record) Size() int { return RecordSize(r.KeyLen(), r.ValueCap()) }

// Key returns the key bytes without copying.
func (r Record) Key() []byte {
	return r[RecordHeaderSize : RecordHeaderSize+r.KeyLen()]
}

// Value returns the value bytes without copying.
func (r Record) Value() []byte {
	start := RecordHeaderSize + r.KeyLen()
	return r[start : start+r.ValueLen()]
}

// Lock acquires the record's spin lock.
func (r Record) Lock() {
	w := r.word32(lockOffset)
	for spins := 0; !w.CompareAndSwap(0, 1); spins++ {
		if spins > 16 {
			runtime.Gosched()
		}
	}
}

// Unlock releases the record's spin lock.
func (r Record) Unlock() { r.word32(lockOffset).Store(0) }

// UpdateValue overwrites the value in place. The caller holds the lock and
// has checked that value fits ValueCap.
func (r Record) UpdateValue(value []byte) {
	start := RecordHeaderSize + r.KeyLen()
	copy(r[start:start+len(value)], value)
	r.word32(valueLenOffset).Store(uint32(len(value)))
}

// ParseRecord validates that a complete record starts at b[0] and returns it.
func ParseRecord(b []byte) (Record, bool) {
	if len(b) < RecordHeaderSize {
		return nil, false
	}
	r := Record(b)
	if r.Info().Empty() {
		return nil, false
	}
	keyLen := r.KeyLen()
	valueCap := r.ValueCap()
	valueLen := int(binary.LittleEndian.Uint32(b[valueLenOffset:]))
	if keyLen < 0 || valueCap < 0 || valueLen > valueCap {
		return nil, false
	}
	size := RecordSize(keyLen, valueCap)
	if size > len(b) {
		return nil, false
	}
	return r[:size], true
}
