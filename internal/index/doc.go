// Package index implements the hash index of the hybrid log.
//
// The index is a fixed power-of-two array of cache-line buckets. Each bucket
// holds seven 64-bit entries and a link to an overflow bucket:
//
//	entry := address (48 bits) | tag (14 bits) | tentative (1 bit)
//
// The bucket is chosen by the low bits of the key hash, the tag by its high
// bits. An entry points at the newest log record whose key has that
// (bucket, tag) pair; older records and colliding keys hang off the record's
// previous-address chain.
//
// Entries are created with a two-phase tentative insert so two sessions can
// never publish the same tag twice in one bucket chain, and are updated with
// a single CAS. Readers never block.
//
// Snapshot writes a fuzzy copy of every bucket, compressed with zstd, for
// checkpoints; recovery repairs the entries against the log afterwards.
package index
