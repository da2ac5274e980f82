package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_FrameBudget(t *testing.T) {
	c := NewController(Config{FrameBytes: 100})

	require.NoError(t, c.ReserveFrames(50))
	require.NoError(t, c.ReserveFrames(40))
	assert.ErrorIs(t, c.ReserveFrames(20), ErrFrameBudget)
	assert.Equal(t, Usage{FrameBytes: 90, FrameLimit: 100}, c.Usage())

	c.ReleaseFrames(50)
	require.NoError(t, c.ReserveFrames(20))
	assert.Equal(t, int64(60), c.Usage().FrameBytes)
}

func TestController_CacheDoesNotStealFrames(t *testing.T) {
	c := NewController(Config{FrameBytes: 64, CacheBytes: 32})

	assert.True(t, c.ReserveCache(32))
	assert.False(t, c.ReserveCache(1))
	require.NoError(t, c.ReserveFrames(64))

	c.ReleaseCache(32)
	assert.True(t, c.ReserveCache(16))
	u := c.Usage()
	assert.Equal(t, int64(64), u.FrameBytes)
	assert.Equal(t, int64(16), u.CacheBytes)
}

func TestController_Unlimited(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.ReserveFrames(1<<40))
	assert.True(t, c.ReserveCache(1<<40))
	c.ReleaseFrames(1 << 40)
	assert.Equal(t, Usage{CacheBytes: 1 << 40}, c.Usage())
}

func TestController_FlushSlots(t *testing.T) {
	c := NewController(Config{FlushWorkers: 2})

	require.NoError(t, c.AcquireFlushSlot(t.Context()))
	require.NoError(t, c.AcquireFlushSlot(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireFlushSlot(ctx))

	c.ReleaseFlushSlot()
	require.NoError(t, c.AcquireFlushSlot(t.Context()))
}

func TestController_ThrottleLargerThanBurst(t *testing.T) {
	// A page-sized write must not fail just because it exceeds the rate.
	c := NewController(Config{FlushBytesPerSec: 1000})
	require.NoError(t, c.ThrottleFlush(t.Context(), 4096))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.Error(t, c.ThrottleFlush(ctx, 4*minFlushBurst))

	require.NoError(t, NewController(Config{}).ThrottleFlush(t.Context(), 1<<30))
}

func TestController_NilSafe(t *testing.T) {
	var c *Controller

	require.NoError(t, c.ReserveFrames(10))
	c.ReleaseFrames(10)
	assert.True(t, c.ReserveCache(10))
	c.ReleaseCache(10)
	require.NoError(t, c.AcquireFlushSlot(context.Background()))
	c.ReleaseFlushSlot()
	require.NoError(t, c.ThrottleFlush(context.Background(), 100))
	assert.Equal(t, Usage{}, c.Usage())
}
