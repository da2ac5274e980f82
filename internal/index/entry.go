package index

const (
	// AddressBits is the width of a log address in an entry.
	AddressBits = 48
	// AddressMask extracts the address.
	AddressMask = uint64(1)<<AddressBits - 1

	tagBits  = 14
	tagShift = AddressBits
	tagMask  = uint64(1)<<tagBits - 1

	tentativeBit = uint64(1) << (AddressBits + tagBits)
)

// Entry is one bucket slot.
type Entry uint64

// MakeEntry packs an entry.
func MakeEntry(address uint64, tag uint16, tentative bool) Entry {
	e := address&AddressMask | (uint64(tag)&tagMask)<<tagShift
	if tentative {
		e |= tentativeBit
	}
	return Entry(e)
}

// Address returns the log address the entry points at.
func (e Entry) Address() uint64 { return uint64(e) & AddressMask }

// Tag returns the 14-bit tag.
func (e Entry) Tag() uint16 { return uint16(uint64(e) >> tagShift & tagMask) }

// Tentative reports whether the entry is a not yet published insert.
func (e Entry) Tentative() bool { return uint64(e)&tentativeBit != 0 }

// Free reports whether the slot is unused.
func (e Entry) Free() bool { return e == 0 }

// WithAddress returns a published copy of e pointing at address.
func (e Entry) WithAddress(address uint64) Entry {
	return MakeEntry(address, e.Tag(), false)
}

// TagOf derives the tag from a key hash. Zero is reserved so that a created
// entry without an address is never mistaken for a free slot.
func TagOf(hash uint64) uint16 {
	t := uint16(hash >> (64 - tagBits))
	if t == 0 {
		t = 1
	}
	return t
}
