// Package hlog implements the hybrid log: one logical address space whose
// tail lives in memory and whose prefix lives on a stable device.
//
// Addresses are byte offsets. Address 0 is invalid and the first record
// starts at FirstValidAddress. The log maintains the markers
//
//	begin <= head <= safeReadOnly <= readOnly <= tail
//
// Records at or above readOnly are mutable and may be updated in place.
// Records in [head, readOnly) are in memory but immutable, and everything
// below head must be fetched from the device. Marker moves that other
// goroutines may not have observed yet are completed through the epoch
// manager: safeReadOnly follows readOnly once every session has left the
// epoch in which readOnly moved, and only then are those pages flushed.
// Likewise a frame is reused only after safeHead has passed it.
//
// In-memory frames form a circular buffer of BufferPages pages. When no
// device is configured the log runs in memory-only mode and allocation
// fails with ErrOutOfLogSpace once every frame is in use.
package hlog
