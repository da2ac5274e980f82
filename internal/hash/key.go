package hash

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// Key hashes a record key to 64 bits.
//
// The result is persisted through index snapshots, so it must be stable
// across processes and releases: FNV-1a followed by the murmur3 finalizer
// to spread the low bits used for bucket selection.
func Key(key []byte) uint64 {
	h := uint64(fnvOffset64)
	for _, b := range key {
		h ^= uint64(b)
		h *= fnvPrime64
	}
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
