package hlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/fastkv/internal/device"
	"github.com/hupe1980/fastkv/internal/epoch"
	"github.com/hupe1980/fastkv/internal/mem"
	"github.com/hupe1980/fastkv/internal/mmap"
	"github.com/hupe1980/fastkv/internal/resource"
)

// FirstValidAddress is the address of the first record ever written.
const FirstValidAddress = 64

// MaxAddressBits is the width of a logical address.
const MaxAddressBits = 48

const (
	// MinPageBits is the smallest supported page size (1 KiB).
	MinPageBits = 10
	// MaxPageBits is the largest supported page size (16 MiB).
	MaxPageBits = 24
	// DefaultPageBits gives 4 MiB pages.
	DefaultPageBits = 22

	offsetBits = 32
	offsetMask = 1<<offsetBits - 1

	defaultFlushBatch = 16
)

var (
	// ErrOutOfLogSpace is returned when the log cannot grow.
	ErrOutOfLogSpace = errors.New("hlog: out of log space")
	// ErrRecordTooLarge is returned for records that do not fit a page.
	ErrRecordTooLarge = errors.New("hlog: record larger than a page")
	// ErrNoDevice is returned by operations that need stable storage.
	ErrNoDevice = errors.New("hlog: no stable device")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hlog: closed")
	// ErrInvalidOptions is returned by New for unusable options.
	ErrInvalidOptions = errors.New("hlog: invalid options")
)

// Options configures a Log.
type Options struct {
	// PageBits is log2 of the page size.
	PageBits uint
	// BufferPages is the number of in-memory frames.
	BufferPages int
	// MutablePages is how many of the newest pages accept in-place updates.
	// It is clamped to [1, BufferPages-1].
	MutablePages int
	// PreAllocate maps every frame up front instead of on first use.
	PreAllocate bool
	// MaxLogSize bounds tail-begin. 0 means unbounded.
	MaxLogSize uint64
	// FlushBatch bounds pages per device write batch.
	FlushBatch int

	// Device receives flushed pages. nil selects memory-only mode.
	Device *device.Device
	// Epoch is required.
	Epoch *epoch.Manager
	// Resources accounts heap frames and flush slots. May be nil.
	Resources *resource.Controller
	// Logger may be nil.
	Logger *slog.Logger
	// OnFlush observes every successful flush batch.
	OnFlush func(pages int, bytes int64, elapsed time.Duration)
}

// Markers is a snapshot of the region boundaries.
type Markers struct {
	Begin        uint64
	Head         uint64
	SafeHead     uint64
	SafeReadOnly uint64
	ReadOnly     uint64
	FlushedUntil uint64
	Tail         uint64
}

// Log is the hybrid log.
type Log struct {
	opts     Options
	pageBits uint
	pageSize uint64
	frames   [][]byte
	logger   *slog.Logger
	epoch    *epoch.Manager
	dev      *device.Device

	begin        atomic.Uint64
	head         atomic.Uint64
	safeHead     atomic.Uint64
	readOnly     atomic.Uint64
	safeReadOnly atomic.Uint64
	flushedUntil atomic.Uint64
	// tail packs page<<32 | offset; offset may run past the page size while
	// the next page is being opened.
	tail atomic.Uint64

	frameMu    sync.Mutex
	mapping    *mmap.Frames
	heapFrames int64

	flushKick  chan struct{}
	errMu      sync.Mutex
	flushErr   error
	flushPages atomic.Int64
	flushBytes atomic.Int64

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an empty log.
func New(opts Options) (*Log, error) {
	if opts.PageBits == 0 {
		opts.PageBits = DefaultPageBits
	}
	if opts.PageBits < MinPageBits || opts.PageBits > MaxPageBits {
		return nil, fmt.Errorf("%w: page bits %d outside [%d, %d]", ErrInvalidOptions, opts.PageBits, MinPageBits, MaxPageBits)
	}
	if opts.BufferPages < 2 {
		return nil, fmt.Errorf("%w: need at least 2 frames, got %d", ErrInvalidOptions, opts.BufferPages)
	}
	if opts.Epoch == nil {
		return nil, fmt.Errorf("%w: epoch manager required", ErrInvalidOptions)
	}
	opts.MutablePages = min(max(opts.MutablePages, 1), opts.BufferPages-1)
	if opts.FlushBatch <= 0 {
		opts.FlushBatch = defaultFlushBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	l := &Log{
		opts:      opts,
		pageBits:  opts.PageBits,
		pageSize:  1 << opts.PageBits,
		frames:    make([][]byte, opts.BufferPages),
		logger:    logger,
		epoch:     opts.Epoch,
		dev:       opts.Device,
		flushKick: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if opts.PreAllocate {
		if err := l.mapFrames(); err != nil {
			return nil, err
		}
	}

	for _, m := range []*atomic.Uint64{&l.begin, &l.head, &l.safeHead, &l.readOnly, &l.safeReadOnly, &l.flushedUntil} {
		m.Store(FirstValidAddress)
	}
	l.tail.Store(FirstValidAddress)
	if _, err := l.frame(0); err != nil {
		_ = l.releaseFrames()
		return nil, err
	}

	if l.dev != nil {
		l.wg.Add(1)
		go l.flushLoop()
	}
	return l, nil
}

func (l *Log) mapFrames() error {
	total := int64(l.opts.BufferPages) * int64(l.pageSize)
	if err := l.opts.Resources.ReserveFrames(total); err != nil {
		return fmt.Errorf("%w: pre-allocate %d bytes: %v", ErrOutOfLogSpace, total, err)
	}
	fr, err := mmap.MapFrames(len(l.frames), int(l.pageSize))
	if err != nil {
		l.opts.Resources.ReleaseFrames(total)
		return fmt.Errorf("hlog: map frames: %w", err)
	}
	for i := range l.frames {
		if l.frames[i], err = fr.Frame(i); err != nil {
			_ = fr.Close()
			l.opts.Resources.ReleaseFrames(total)
			return err
		}
	}
	_ = fr.Advise(mmap.AccessSequential)
	l.mapping = fr
	return nil
}

// frame returns the frame holding page p, allocating it on first use.
func (l *Log) frame(p uint64) ([]byte, error) {
	i := p % uint64(len(l.frames))
	if f := l.frames[i]; f != nil {
		return f, nil
	}

	l.frameMu.Lock()
	defer l.frameMu.Unlock()
	if f := l.frames[i]; f != nil {
		return f, nil
	}
	if err := l.opts.Resources.ReserveFrames(int64(l.pageSize)); err != nil {
		return nil, fmt.Errorf("%w: frame for page %d: %v", ErrOutOfLogSpace, p, err)
	}
	f := mem.AllocAligned(int(l.pageSize))
	l.heapFrames++
	l.frames[i] = f
	return f, nil
}

// PageSize returns the page size in bytes.
func (l *Log) PageSize() int { return int(l.pageSize) }

// PageBits returns log2 of the page size.
func (l *Log) PageBits() uint { return l.pageBits }

// PageOf returns the page number of an address.
func (l *Log) PageOf(addr uint64) uint64 { return addr >> l.pageBits }

// HasDevice reports whether the log can flush.
func (l *Log) HasDevice() bool { return l.dev != nil }

// Device returns the stable device, nil in memory-only mode.
func (l *Log) Device() *device.Device { return l.dev }

// Begin returns the first live address.
func (l *Log) Begin() uint64 { return l.begin.Load() }

// Head returns the lowest in-memory address.
func (l *Log) Head() uint64 { return l.head.Load() }

// ReadOnly returns the start of the mutable region.
func (l *Log) ReadOnly() uint64 { return l.readOnly.Load() }

// SafeReadOnly returns the boundary below which no in-place update can be
// in progress.
func (l *Log) SafeReadOnly() uint64 { return l.safeReadOnly.Load() }

// FlushedUntil returns the end of the contiguous durable prefix.
func (l *Log) FlushedUntil() uint64 { return l.flushedUntil.Load() }

// Tail returns the next address to be allocated.
func (l *Log) Tail() uint64 {
	w := l.tail.Load()
	return (w>>offsetBits)<<l.pageBits + min(w&offsetMask, l.pageSize)
}

// Markers returns a snapshot of every boundary.
func (l *Log) Markers() Markers {
	return Markers{
		Begin:        l.begin.Load(),
		Head:         l.head.Load(),
		SafeHead:     l.safeHead.Load(),
		SafeReadOnly: l.safeReadOnly.Load(),
		ReadOnly:     l.readOnly.Load(),
		FlushedUntil: l.flushedUntil.Load(),
		Tail:         l.Tail(),
	}
}

// Allocate reserves size bytes at the tail and returns their address.
// refresh is called while waiting for a page to open; callers that hold
// epoch protection pass their refresh so they do not block reclamation.
func (l *Log) Allocate(size int, refresh func()) (uint64, error) {
	if uint64(size) > l.pageSize {
		return 0, fmt.Errorf("%w: %d bytes, page is %d", ErrRecordTooLarge, size, l.pageSize)
	}
	n := uint64(size)

	for spins := 0; ; spins++ {
		if l.closed.Load() {
			return 0, ErrClosed
		}
		w := l.tail.Add(n)
		page, end := w>>offsetBits, w&offsetMask
		start := end - n
		if end <= l.pageSize {
			return page<<l.pageBits | start, nil
		}

		if start <= l.pageSize {
			// This allocation crossed the end of the page; it opens the next one.
			if err := l.openPage(page+1, refresh); err != nil {
				l.tail.Store(page<<offsetBits | l.pageSize)
				return 0, err
			}
			l.tail.Store((page + 1) << offsetBits)
			continue
		}

		// Another allocation is opening the next page.
		for w := l.tail.Load(); w>>offsetBits == page && w&offsetMask > l.pageSize; w = l.tail.Load() {
			if refresh != nil {
				refresh()
			}
			backoff(spins)
			spins++
		}
	}
}

// Slot returns the writable bytes of a freshly allocated range.
func (l *Log) Slot(addr uint64, size int) []byte {
	f := l.frames[(addr>>l.pageBits)%uint64(len(l.frames))]
	off := addr & (l.pageSize - 1)
	return f[off : off+uint64(size)]
}

// Get returns the in-memory record at addr. The caller must be epoch
// protected and have observed addr >= Head().
func (l *Log) Get(addr uint64) Record {
	f := l.frames[(addr>>l.pageBits)%uint64(len(l.frames))]
	r := Record(f[addr&(l.pageSize-1):])
	return r[:r.Size()]
}

// ReadStable fetches the record at addr from the device.
func (l *Log) ReadStable(ctx context.Context, addr uint64) (Record, error) {
	if l.dev == nil {
		return nil, ErrNoDevice
	}
	page := addr >> l.pageBits
	off := int(addr & (l.pageSize - 1))

	for attempt := 0; ; attempt++ {
		data, err := l.dev.ReadPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if off < len(data) {
			if r, ok := ParseRecord(data[off:]); ok {
				return r, nil
			}
		}
		if attempt > 0 {
			return nil, fmt.Errorf("%w: no record at address %d", device.ErrCorruptPage, addr)
		}
		// A cached copy may predate the flush that covered addr.
		l.dev.Invalidate(page)
	}
}

func (l *Log) openPage(p uint64, refresh func()) error {
	end := (p + 1) << l.pageBits
	if end > 1<<MaxAddressBits {
		return fmt.Errorf("%w: address space exhausted", ErrOutOfLogSpace)
	}
	if limit := l.opts.MaxLogSize; limit > 0 && end-l.begin.Load() > limit {
		return fmt.Errorf("%w: log size limit of %d bytes reached", ErrOutOfLogSpace, limit)
	}

	if m := uint64(l.opts.MutablePages); p+1 > m {
		l.shiftReadOnly((p + 1 - m) << l.pageBits)
	}

	n := uint64(len(l.frames))
	reused := p >= n
	if reused {
		if err := l.reclaim((p-n+1)<<l.pageBits, refresh); err != nil {
			return err
		}
	}

	f, err := l.frame(p)
	if err != nil {
		return err
	}
	if reused {
		clear(f)
	}
	return nil
}

// reclaim waits until every address below need has left memory.
func (l *Log) reclaim(need uint64, refresh func()) error {
	for spins := 0; l.safeHead.Load() < need; spins++ {
		l.shiftHead(need)
		if l.safeHead.Load() >= need {
			return nil
		}
		if l.dev == nil && l.begin.Load() < need {
			return fmt.Errorf("%w: memory-only log is full", ErrOutOfLogSpace)
		}
		if err := l.FlushError(); err != nil {
			return fmt.Errorf("hlog: flush: %w", err)
		}
		if l.closed.Load() {
			return ErrClosed
		}
		if refresh != nil {
			refresh()
		} else {
			l.epoch.Drain()
		}
		backoff(spins)
	}
	return nil
}

func (l *Log) shiftHead(target uint64) {
	h := min(target, max(l.flushedUntil.Load(), l.begin.Load()))
	if casMax(&l.head, h) {
		l.epoch.BumpWith(func() { casMax(&l.safeHead, h) })
	}
}

func (l *Log) shiftReadOnly(target uint64) {
	if casMax(&l.readOnly, target) {
		l.epoch.BumpWith(func() {
			if casMax(&l.safeReadOnly, target) {
				l.kickFlush()
			}
		})
	}
}

// ShiftReadOnlyToTail makes every allocated record immutable and schedules
// its flush. It returns the tail it used.
func (l *Log) ShiftReadOnlyToTail() uint64 {
	t := l.Tail()
	l.shiftReadOnly(t)
	return t
}

// WaitFlushed blocks until the durable prefix reaches addr.
func (l *Log) WaitFlushed(ctx context.Context, addr uint64) error {
	if l.dev == nil {
		return ErrNoDevice
	}
	l.retryFlush()
	for spins := 0; l.flushedUntil.Load() < addr; spins++ {
		l.epoch.Drain()
		if err := l.FlushError(); err != nil {
			return fmt.Errorf("hlog: flush: %w", err)
		}
		if l.closed.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		backoff(spins)
	}
	return nil
}

// ShiftBeginAddress truncates the log below addr. Device pages that lie
// wholly below addr are deleted once no reader can still reach them. The
// caller must not hold epoch protection.
func (l *Log) ShiftBeginAddress(ctx context.Context, addr uint64) error {
	if addr > l.Tail() {
		return fmt.Errorf("hlog: begin %d beyond tail %d", addr, l.Tail())
	}
	l.shiftReadOnly(addr)
	if !casMax(&l.begin, addr) {
		return nil
	}
	if err := l.epoch.WaitSafe(ctx, l.epoch.BumpCurrentEpoch()); err != nil {
		return err
	}
	l.shiftHead(addr)
	if l.dev == nil {
		return nil
	}
	return l.dev.DeletePagesBelow(ctx, addr>>l.pageBits)
}

// Restore positions an empty log after recovery: everything below the page
// following cut is on the device and the tail starts on a fresh page.
func (l *Log) Restore(begin, cut uint64) error {
	p := cut >> l.pageBits
	if cut&(l.pageSize-1) != 0 {
		p++
	}
	start := p << l.pageBits
	for _, m := range []*atomic.Uint64{&l.head, &l.safeHead, &l.readOnly, &l.safeReadOnly, &l.flushedUntil} {
		m.Store(start)
	}
	l.begin.Store(min(max(begin, FirstValidAddress), start))
	l.tail.Store(p << offsetBits)

	f, err := l.frame(p)
	if err != nil {
		return err
	}
	clear(f)
	return nil
}

// FlushStats returns the number of pages and bytes flushed so far.
func (l *Log) FlushStats() (pages, bytes int64) {
	return l.flushPages.Load(), l.flushBytes.Load()
}

// Stop fails waiting and later allocations with ErrClosed and stops the
// flusher. Frames stay mapped until Close.
func (l *Log) Stop() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.done)
	l.wg.Wait()
}

// Close stops the log and releases every frame. Unflushed data is lost.
func (l *Log) Close() error {
	l.Stop()
	return l.releaseFrames()
}

func (l *Log) releaseFrames() error {
	l.frameMu.Lock()
	defer l.frameMu.Unlock()

	if l.mapping != nil {
		l.opts.Resources.ReleaseFrames(int64(len(l.frames)) * int64(l.pageSize))
		err := l.mapping.Close()
		l.mapping = nil
		return err
	}
	l.opts.Resources.ReleaseFrames(l.heapFrames * int64(l.pageSize))
	l.heapFrames = 0
	return nil
}

func casMax(v *atomic.Uint64, target uint64) bool {
	for {
		cur := v.Load()
		if cur >= target {
			return false
		}
		if v.CompareAndSwap(cur, target) {
			return true
		}
	}
}

func backoff(spins int) {
	if spins < 64 {
		runtime.Gosched()
		return
	}
	time.Sleep(50 * time.Microsecond)
}
