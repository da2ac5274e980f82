// Package resource accounts the memory of a database and paces its flushes.
//
// Log frames and cached stable pages have separate byte budgets. Frame
// reservations fail fast with ErrFrameBudget, which the log reports as out
// of space. Cache reservations only decide whether a page gets cached:
//
//	rc := resource.NewController(resource.Config{
//	    FrameBytes: logSize,
//	    CacheBytes: 64 << 20,
//	})
//	if err := rc.ReserveFrames(pageSize); err != nil {
//	    return err
//	}
//	defer rc.ReleaseFrames(pageSize)
//
// Flush batches take a slot with AcquireFlushSlot and pace their page
// writes with ThrottleFlush, a token bucket that admits writes larger than
// its burst in chunks.
//
// A nil *Controller accounts nothing and never blocks.
package resource
