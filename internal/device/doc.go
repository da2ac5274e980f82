// Package device stores the stable region of the hybrid log.
//
// The log is persisted page by page: every page that leaves memory becomes
// one blob named after its page number. A page may be written more than once
// (a checkpoint flushes the partially filled tail page, the full page follows
// later); the last write wins. Pages are block compressed (LZ4 by default,
// zstd optionally) behind a small header that carries the page number, the
// codec and a CRC32C of the raw bytes.
//
// Reads are coalesced per page with singleflight and decoded pages are kept
// in a sharded LRU, so a burst of pending reads that land on the same cold
// page fetches it once. The set of durable pages is tracked in a roaring64
// bitmap which checkpoints persist alongside their metadata.
package device
