package hash

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32-Castagnoli checksum stored next to page blobs,
// checkpoint metadata and journal records.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Verify reports whether data matches a stored checksum.
func Verify(data []byte, sum uint32) bool {
	return Checksum(data) == sum
}
