package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/fastkv/blobstore"
	"github.com/hupe1980/fastkv/internal/cache"
	"github.com/hupe1980/fastkv/internal/resource"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrPageNotFound is returned when a page was never flushed or was truncated.
var ErrPageNotFound = errors.New("device: page not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("device: closed")

const pagePrefix = "log/"

// PageName returns the blob name of a log page.
func PageName(page uint64) string {
	return fmt.Sprintf("%s%016x.pg", pagePrefix, page)
}

func parsePageName(name string) (uint64, bool) {
	s, ok := strings.CutPrefix(name, pagePrefix)
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".pg")
	if !ok {
		return 0, false
	}
	p, err := strconv.ParseUint(s, 16, 64)
	return p, err == nil
}

// Page is one page handed to WriteBatch.
type Page struct {
	Number uint64
	Data   []byte
}

// Stats is a snapshot of device counters.
type Stats struct {
	PagesWritten int64
	BytesWritten int64 // raw page bytes
	BytesStored  int64 // bytes after compression
	PagesRead    int64 // reads that reached the blob store
	CacheHits    int64
	CacheMisses  int64
	CacheBytes   int64
}

// Options configures a Device.
type Options struct {
	// Codec is the page compression. Zero value stores pages verbatim.
	Codec Codec
	// CacheBytes bounds the decoded page cache. 0 disables caching.
	CacheBytes int64
	// WriteConcurrency bounds parallel page writes within a batch.
	WriteConcurrency int
	// Resources throttles flush IO. May be nil.
	Resources *resource.Controller
	// Logger receives flush and truncation events. May be nil.
	Logger *slog.Logger
}

// Device persists log pages on a blob store.
type Device struct {
	store  blobstore.BlobStore
	opts   Options
	logger *slog.Logger
	cache  *cache.PageCache
	group  singleflight.Group

	mu      sync.RWMutex
	flushed *roaring64.Bitmap

	closed atomic.Bool

	pagesWritten atomic.Int64
	bytesWritten atomic.Int64
	bytesStored  atomic.Int64
	pagesRead    atomic.Int64
}

// Open opens a device and rebuilds the flushed-page set from the pages
// present in the store.
func Open(ctx context.Context, store blobstore.BlobStore, opts Options) (*Device, error) {
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d := &Device{
		store:   store,
		opts:    opts,
		logger:  logger,
		flushed: roaring64.New(),
	}
	if opts.CacheBytes > 0 {
		d.cache = cache.New(opts.CacheBytes, opts.Resources)
	}

	names, err := store.List(ctx, pagePrefix)
	if err != nil {
		return nil, fmt.Errorf("device: list pages: %w", err)
	}
	for _, name := range names {
		if p, ok := parsePageName(name); ok {
			d.flushed.Add(p)
		}
	}
	return d, nil
}

// WritePage compresses and stores one page, replacing earlier content.
func (d *Device) WritePage(ctx context.Context, page uint64, data []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}

	blob, err := encodePage(page, data, d.opts.Codec)
	if err != nil {
		return err
	}
	if err := d.opts.Resources.ThrottleFlush(ctx, len(blob)); err != nil {
		return err
	}
	if err := d.store.Put(ctx, PageName(page), blob); err != nil {
		return fmt.Errorf("device: write page %d: %w", page, err)
	}

	if d.cache != nil {
		d.cache.Put(page, bytes.Clone(data))
	}

	d.mu.Lock()
	d.flushed.Add(page)
	d.mu.Unlock()

	d.pagesWritten.Add(1)
	d.bytesWritten.Add(int64(len(data)))
	d.bytesStored.Add(int64(len(blob)))
	return nil
}

// WriteBatch writes distinct pages in parallel. Every page is attempted
// unless the context is cancelled; the first error is returned.
func (d *Device) WriteBatch(ctx context.Context, pages []Page) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.WriteConcurrency)

	for _, p := range pages {
		g.Go(func() error {
			return d.WritePage(gctx, p.Number, p.Data)
		})
	}
	return g.Wait()
}

// ReadPage returns the raw bytes of a page. The returned slice is shared
// and must not be modified.
func (d *Device) ReadPage(ctx context.Context, page uint64) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if d.cache != nil {
		if b, ok := d.cache.Get(page); ok {
			return b, nil
		}
	}

	v, err, _ := d.group.Do(strconv.FormatUint(page, 10), func() (any, error) {
		data, err := blobstore.ReadAll(ctx, d.store, PageName(page))
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: %d", ErrPageNotFound, page)
			}
			return nil, fmt.Errorf("device: read page %d: %w", page, err)
		}
		d.pagesRead.Add(1)

		raw, err := decodePage(page, data)
		if err != nil {
			return nil, err
		}
		if d.cache != nil {
			d.cache.Put(page, raw)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate drops a cached copy of the page.
func (d *Device) Invalidate(page uint64) {
	if d.cache != nil {
		d.cache.Remove(page)
	}
}

// IsFlushed reports whether the page is durable.
func (d *Device) IsFlushed(page uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flushed.Contains(page)
}

// Flushed returns a copy of the durable page set.
func (d *Device) Flushed() *roaring64.Bitmap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flushed.Clone()
}

// DeletePagesBelow removes every page with a number lower than page.
func (d *Device) DeletePagesBelow(ctx context.Context, page uint64) error {
	return d.deleteWhere(ctx, func(p uint64) bool { return p < page })
}

// DeletePagesFrom removes every page with a number at or above page. Recovery
// uses it to drop pages written after the checkpoint cut.
func (d *Device) DeletePagesFrom(ctx context.Context, page uint64) error {
	return d.deleteWhere(ctx, func(p uint64) bool { return p >= page })
}

func (d *Device) deleteWhere(ctx context.Context, match func(uint64) bool) error {
	d.mu.Lock()
	var victims []uint64
	it := d.flushed.Iterator()
	for it.HasNext() {
		if p := it.Next(); match(p) {
			victims = append(victims, p)
		}
	}
	for _, p := range victims {
		d.flushed.Remove(p)
	}
	d.mu.Unlock()

	if d.cache != nil && len(victims) > 0 {
		d.cache.RemoveIf(match)
	}

	for _, p := range victims {
		if err := d.store.Delete(ctx, PageName(p)); err != nil {
			return fmt.Errorf("device: delete page %d: %w", p, err)
		}
	}
	if len(victims) > 0 {
		d.logger.Debug("log pages deleted", "count", len(victims), "first", victims[0], "last", victims[len(victims)-1])
	}
	return nil
}

// Stats returns a snapshot of device counters.
func (d *Device) Stats() Stats {
	s := Stats{
		PagesWritten: d.pagesWritten.Load(),
		BytesWritten: d.bytesWritten.Load(),
		BytesStored:  d.bytesStored.Load(),
		PagesRead:    d.pagesRead.Load(),
	}
	if d.cache != nil {
		cs := d.cache.Stats()
		s.CacheHits, s.CacheMisses, s.CacheBytes = cs.Hits, cs.Misses, cs.Bytes
	}
	return s
}

// Close releases the page cache. Further calls fail with ErrClosed.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.cache != nil {
		d.cache.RemoveIf(func(uint64) bool { return true })
	}
	return nil
}
