package hlog

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/fastkv/blobstore"
	"github.com/hupe1980/fastkv/internal/device"
	"github.com/hupe1980/fastkv/internal/epoch"
	"github.com/hupe1980/fastkv/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageBits = 10

func newTestLog(t *testing.T, frames int, dev *device.Device) *Log {
	t.Helper()
	l, err := New(Options{
		PageBits:     testPageBits,
		BufferPages:  frames,
		MutablePages: 2,
		Device:       dev,
		Epoch:        epoch.NewManager(8),
		Resources:    resource.NewController(resource.Config{}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestDevice(t *testing.T, store blobstore.BlobStore) *device.Device {
	t.Helper()
	d, err := device.Open(context.Background(), store, device.Options{Codec: device.CodecLZ4, CacheBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// append64 writes a 64-byte record for key i.
func append64(t *testing.T, l *Log, i int) (uint64, error) {
	t.Helper()
	key := []byte(fmt.Sprintf("k%05d", i))
	value := []byte(fmt.Sprintf("%034d", i))
	size := RecordSize(len(key), len(value))
	require.Equal(t, 64, size)

	addr, err := l.Allocate(size, nil)
	if err != nil {
		return 0, err
	}
	WriteRecord(l.Slot(addr, size), MakeInfo(0, 1, false), key, value, len(value))
	return addr, nil
}

func TestNew_Validation(t *testing.T) {
	m := epoch.NewManager(1)
	_, err := New(Options{PageBits: 4, BufferPages: 4, Epoch: m})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = New(Options{PageBits: 12, BufferPages: 1, Epoch: m})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = New(Options{PageBits: 12, BufferPages: 4})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	l, err := New(Options{PageBits: 12, BufferPages: 4, MutablePages: 99, Epoch: m})
	require.NoError(t, err)
	assert.Equal(t, 3, l.opts.MutablePages)
	require.NoError(t, l.Close())
}

func TestAllocate_PagesAndAlignment(t *testing.T) {
	l := newTestLog(t, 8, nil)

	first, err := append64(t, l, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(FirstValidAddress), first)

	var prev uint64 = first
	for i := 1; i < 40; i++ {
		addr, err := append64(t, l, i)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), addr%8)
		assert.Greater(t, addr, prev)
		assert.LessOrEqual(t, addr&(1<<testPageBits-1)+64, uint64(1<<testPageBits), "record spans a page")
		prev = addr
	}
	// 15 records on page 0, 16 on page 1, the rest on page 2.
	assert.Equal(t, uint64(2), l.PageOf(prev))

	m := l.Markers()
	assert.LessOrEqual(t, m.Begin, m.Head)
	assert.LessOrEqual(t, m.Head, m.SafeReadOnly)
	assert.LessOrEqual(t, m.SafeReadOnly, m.ReadOnly)
	assert.LessOrEqual(t, m.ReadOnly, m.Tail)
	assert.Equal(t, uint64(1<<testPageBits), m.ReadOnly, "two newest pages stay mutable")
}

func TestAllocate_RecordTooLarge(t *testing.T) {
	l := newTestLog(t, 4, nil)
	_, err := l.Allocate(1<<testPageBits+8, nil)
	assert.ErrorIs(t, err, ErrRecordTooLarge)

	// A record of exactly one page fits on a fresh page.
	addr, err := l.Allocate(1<<testPageBits, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<testPageBits), addr)
}

func TestAllocate_MemoryOnlyExhaustion(t *testing.T) {
	l := newTestLog(t, 4, nil)

	n := 0
	var err error
	for ; n < 1000; n++ {
		if _, err = append64(t, l, n); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrOutOfLogSpace)
	assert.Equal(t, 15+16*3, n)

	// The log stays consistent and keeps failing.
	_, err = append64(t, l, n)
	assert.ErrorIs(t, err, ErrOutOfLogSpace)
	assert.Equal(t, uint64(FirstValidAddress), l.Head())
}

func TestAllocate_MaxLogSize(t *testing.T) {
	dev := newTestDevice(t, blobstore.NewMemoryStore())
	l, err := New(Options{
		PageBits:    testPageBits,
		BufferPages: 4,
		MaxLogSize:  3 << testPageBits,
		Device:      dev,
		Epoch:       epoch.NewManager(1),
	})
	require.NoError(t, err)
	defer l.Close()

	var lastErr error
	for i := 0; i < 100 && lastErr == nil; i++ {
		_, lastErr = append64(t, l, i)
	}
	assert.ErrorIs(t, lastErr, ErrOutOfLogSpace)
	assert.LessOrEqual(t, l.Tail(), uint64(3<<testPageBits))
}

func TestLog_FlushAndReadStable(t *testing.T) {
	store := blobstore.NewMemoryStore()
	dev := newTestDevice(t, store)
	l := newTestLog(t, 4, dev)
	ctx := context.Background()

	addrs := make([]uint64, 0, 400)
	for i := range 400 {
		addr, err := append64(t, l, i)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	m := l.Markers()
	assert.Greater(t, m.Head, uint64(FirstValidAddress), "frames were recycled")
	assert.LessOrEqual(t, m.Head, m.FlushedUntil)
	assert.LessOrEqual(t, m.FlushedUntil, m.SafeReadOnly)

	for i, addr := range addrs {
		want := fmt.Sprintf("k%05d", i)
		var r Record
		if addr >= l.Head() {
			r = l.Get(addr)
		} else {
			var err error
			r, err = l.ReadStable(ctx, addr)
			require.NoError(t, err)
		}
		assert.Equal(t, want, string(r.Key()))
	}

	pages, bytes := l.FlushStats()
	assert.Positive(t, pages)
	assert.Positive(t, bytes)
}

func TestLog_ShiftReadOnlyToTailFlushesPartialPage(t *testing.T) {
	dev := newTestDevice(t, blobstore.NewMemoryStore())
	l := newTestLog(t, 4, dev)
	ctx := context.Background()

	var addrs []uint64
	for i := range 5 {
		addr, err := append64(t, l, i)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	cut := l.ShiftReadOnlyToTail()
	require.NoError(t, l.WaitFlushed(ctx, cut))
	assert.GreaterOrEqual(t, l.FlushedUntil(), cut)
	assert.True(t, dev.IsFlushed(0))

	var seen []uint64
	require.NoError(t, l.ScanStable(ctx, FirstValidAddress, cut, func(addr uint64, r Record) error {
		seen = append(seen, addr)
		return nil
	}))
	assert.Equal(t, addrs, seen)

	// Appends continue on the same page above the cut.
	addr, err := append64(t, l, 5)
	require.NoError(t, err)
	assert.Equal(t, cut, addr)
}

func TestLog_ShiftBeginAddress(t *testing.T) {
	dev := newTestDevice(t, blobstore.NewMemoryStore())
	l := newTestLog(t, 4, dev)
	ctx := context.Background()

	for i := range 200 {
		_, err := append64(t, l, i)
		require.NoError(t, err)
	}
	require.NoError(t, l.WaitFlushed(ctx, 6<<testPageBits))

	require.NoError(t, l.ShiftBeginAddress(ctx, 5<<testPageBits))
	assert.Equal(t, uint64(5<<testPageBits), l.Begin())
	assert.Equal(t, uint64(5), dev.Flushed().Minimum())

	assert.Error(t, l.ShiftBeginAddress(ctx, l.Tail()+1<<testPageBits))
}

func TestLog_Restore(t *testing.T) {
	store := blobstore.NewMemoryStore()
	l := newTestLog(t, 4, newTestDevice(t, store))
	for i := range 20 {
		_, err := append64(t, l, i)
		require.NoError(t, err)
	}
	cut := l.ShiftReadOnlyToTail()
	require.NoError(t, l.WaitFlushed(context.Background(), cut))
	require.NoError(t, l.Close())

	l2 := newTestLog(t, 4, newTestDevice(t, store))
	require.NoError(t, l2.Restore(FirstValidAddress, cut))

	next := (cut>>testPageBits + 1) << testPageBits
	m := l2.Markers()
	assert.Equal(t, next, m.Tail)
	assert.Equal(t, next, m.Head)
	assert.Equal(t, next, m.FlushedUntil)
	assert.Equal(t, uint64(FirstValidAddress), m.Begin)

	r, err := l2.ReadStable(context.Background(), FirstValidAddress)
	require.NoError(t, err)
	assert.Equal(t, "k00000", string(r.Key()))

	addr, err := append64(t, l2, 20)
	require.NoError(t, err)
	assert.Equal(t, next, addr)
}

func TestAllocate_ConcurrentRangesDisjoint(t *testing.T) {
	dev := newTestDevice(t, blobstore.NewMemoryStore())
	l := newTestLog(t, 8, dev)

	const workers, perWorker = 8, 200
	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				addr, err := append64(t, l, w*perWorker+i)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[addr], "address %d handed out twice", addr)
				seen[addr] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}
