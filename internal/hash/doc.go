// Package hash provides the checksums and key hashing used by the engine.
//
// Page blobs, checkpoint metadata and journal records carry a
// CRC32-Castagnoli checksum of their payload:
//
//	sum := hash.Checksum(payload)
//	if !hash.Verify(payload, sum) { ... }
//
// Key maps record keys to the 64-bit hash from which the index derives the
// bucket number and the 14-bit tag. It is deterministic across processes.
package hash
