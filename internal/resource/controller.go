package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrFrameBudget is returned when a log frame does not fit the frame budget.
var ErrFrameBudget = errors.New("resource: frame budget exhausted")

// minFlushBurst keeps a single page write from exceeding the limiter burst.
const minFlushBurst = 1 << 20

// Config bounds the resources of one database.
type Config struct {
	// FrameBytes bounds the memory of in-memory log frames. 0 means unlimited.
	FrameBytes int64

	// CacheBytes bounds the memory of cached stable pages. 0 means the cache
	// is only bounded by its own capacity.
	CacheBytes int64

	// FlushWorkers is the number of flush batches written at once.
	// Defaults to 1, which keeps flushedUntil contiguous without reordering.
	FlushWorkers int64

	// FlushBytesPerSec limits flush throughput to the device. 0 means unlimited.
	FlushBytesPerSec int64
}

// budget is a byte pool. Reservations never block.
type budget struct {
	sem   *semaphore.Weighted // nil if unlimited
	limit int64
	used  atomic.Int64
}

func newBudget(limit int64) budget {
	b := budget{limit: limit}
	if limit > 0 {
		b.sem = semaphore.NewWeighted(limit)
	}
	return b
}

func (b *budget) reserve(n int64) bool {
	if n <= 0 {
		return true
	}
	if b.sem != nil && !b.sem.TryAcquire(n) {
		return false
	}
	b.used.Add(n)
	return true
}

func (b *budget) release(n int64) {
	if n <= 0 {
		return
	}
	if b.sem != nil {
		b.sem.Release(n)
	}
	b.used.Add(-n)
}

// Controller accounts frame and cache memory and paces flushes. Frames and
// cached pages draw from separate budgets, so a full cache never makes the
// log run out of frames.
type Controller struct {
	frames budget
	cache  budget

	flushSlots *semaphore.Weighted
	limiter    *rate.Limiter
	burst      int
}

// NewController creates a controller.
func NewController(cfg Config) *Controller {
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = 1
	}
	c := &Controller{
		frames:     newBudget(cfg.FrameBytes),
		cache:      newBudget(cfg.CacheBytes),
		flushSlots: semaphore.NewWeighted(cfg.FlushWorkers),
	}
	if cfg.FlushBytesPerSec > 0 {
		c.burst = int(max(cfg.FlushBytesPerSec, minFlushBurst))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.FlushBytesPerSec), c.burst)
	}
	return c
}

// ReserveFrames reserves memory for log frames.
func (c *Controller) ReserveFrames(n int64) error {
	if c == nil || c.frames.reserve(n) {
		return nil
	}
	return ErrFrameBudget
}

// ReleaseFrames returns frame memory.
func (c *Controller) ReleaseFrames(n int64) {
	if c != nil {
		c.frames.release(n)
	}
}

// ReserveCache reserves memory for a cached page. It reports false when the
// page should not be cached.
func (c *Controller) ReserveCache(n int64) bool {
	return c == nil || c.cache.reserve(n)
}

// ReleaseCache returns cache memory.
func (c *Controller) ReleaseCache(n int64) {
	if c != nil {
		c.cache.release(n)
	}
}

// AcquireFlushSlot blocks until a flush batch may start.
func (c *Controller) AcquireFlushSlot(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.flushSlots.Acquire(ctx, 1)
}

// ReleaseFlushSlot ends a flush batch.
func (c *Controller) ReleaseFlushSlot() {
	if c != nil {
		c.flushSlots.Release(1)
	}
}

// ThrottleFlush waits until the flush rate allows writing n bytes.
// Writes larger than the burst are admitted in burst-sized chunks.
func (c *Controller) ThrottleFlush(ctx context.Context, n int) error {
	if c == nil || c.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := min(n, c.burst)
		if err := c.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Usage is a snapshot of the controller.
type Usage struct {
	FrameBytes int64
	FrameLimit int64
	CacheBytes int64
	CacheLimit int64
}

// Usage returns current reservations and limits.
func (c *Controller) Usage() Usage {
	if c == nil {
		return Usage{}
	}
	return Usage{
		FrameBytes: c.frames.used.Load(),
		FrameLimit: c.frames.limit,
		CacheBytes: c.cache.used.Load(),
		CacheLimit: c.cache.limit,
	}
}
