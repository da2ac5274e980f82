package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/fastkv/blobstore"
	"github.com/hupe1980/fastkv/internal/checkpoint"
	"github.com/hupe1980/fastkv/internal/device"
	"github.com/hupe1980/fastkv/internal/epoch"
	"github.com/hupe1980/fastkv/internal/fs"
	"github.com/hupe1980/fastkv/internal/hlog"
	"github.com/hupe1980/fastkv/internal/index"
	"github.com/hupe1980/fastkv/internal/resource"
	"github.com/hupe1980/fastkv/internal/wal"
)

const (
	defaultMaxSessions = 128
	defaultCacheBytes  = 64 << 20
	defaultRetention   = 2
	minBufferPages     = 4
)

// Config is the sizing of an engine.
type Config struct {
	// TableSize is the number of hash buckets. Must be a power of two.
	TableSize uint64
	// LogSize is the in-memory log budget in bytes.
	LogSize uint64
	// MutableFraction is the share of LogSize that accepts in-place updates.
	MutableFraction float64
	// PreAllocate maps every log frame at open.
	PreAllocate bool
}

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithResourceController sets the resource controller for the engine.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.resourceController = rc
	}
}

// WithMetricsObserver sets the metrics observer for the engine.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(e *Engine) {
		if observer != nil {
			e.metrics = observer
		}
	}
}

// WithBlobStore sets the stable storage. Without it the engine runs in
// memory-only mode and cannot checkpoint.
func WithBlobStore(st blobstore.BlobStore) Option {
	return func(e *Engine) {
		e.store = st
	}
}

// WithFileSystem sets the file system used by the journal.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		e.fs = fsys
	}
}

// WithPageBits sets log2 of the log page size.
func WithPageBits(n uint) Option {
	return func(e *Engine) {
		e.pageBits = n
	}
}

// WithMaxLogSize bounds the distance between begin and tail.
func WithMaxLogSize(bytes uint64) Option {
	return func(e *Engine) {
		e.maxLogSize = bytes
	}
}

// WithMaxSessions bounds the number of concurrently started sessions.
func WithMaxSessions(n int) Option {
	return func(e *Engine) {
		e.maxSessions = n
	}
}

// WithIOWorkers sets the number of goroutines serving pending reads.
func WithIOWorkers(n int) Option {
	return func(e *Engine) {
		e.ioWorkers = n
	}
}

// WithPageCacheSize bounds the decoded page cache of the device.
func WithPageCacheSize(bytes int64) Option {
	return func(e *Engine) {
		e.cacheBytes = bytes
	}
}

// WithCodec sets the compression of flushed pages.
func WithCodec(c device.Codec) Option {
	return func(e *Engine) {
		e.codec = c
	}
}

// WithJournal enables the operation journal in dir.
func WithJournal(dir string, durability wal.Durability) Option {
	return func(e *Engine) {
		e.journalDir = dir
		e.journalOpts = wal.Options{Durability: durability}
	}
}

// WithCheckpointRetention sets how many checkpoints are kept.
func WithCheckpointRetention(n int) Option {
	return func(e *Engine) {
		e.retention = n
	}
}

// WithAllocator sets the function that allocates value buffers handed to
// callers.
func WithAllocator(alloc func(n int) []byte) Option {
	return func(e *Engine) {
		if alloc != nil {
			e.alloc = alloc
		}
	}
}

// Stats is a snapshot of engine state.
type Stats struct {
	Markers         hlog.Markers
	Version         uint32
	Sessions        int
	IndexBuckets    uint64
	IndexOverflow   uint64
	IndexEntries    uint64
	FlushedPages    int64
	FlushedBytes    int64
	Device          device.Stats
	PendingQueue    int
	EpochDeferred   int
	LastCheckpoint  uint64
	CheckpointPhase Phase
}

// Engine is a hybrid-log key-value store.
type Engine struct {
	cfg                Config
	logger             *slog.Logger
	resourceController *resource.Controller
	metrics            MetricsObserver
	store              blobstore.BlobStore
	fs                 fs.FileSystem

	pageBits    uint
	maxLogSize  uint64
	maxSessions int
	ioWorkers   int
	cacheBytes  int64
	codec       device.Codec
	retention   int
	journalDir  string
	journalOpts wal.Options
	alloc       func(int) []byte

	epoch       *epoch.Manager
	index       *index.Index
	log         *hlog.Log
	dev         *device.Device
	checkpoints *checkpoint.Store
	journal     *wal.Journal
	pool        *WorkerPool
	coordSlot   int

	// version is the checkpoint version new operations run in.
	version atomic.Uint32

	sessMu   sync.Mutex
	sessions map[uuid.UUID]*Session
	// cursors holds recovered sessions that were not continued yet.
	cursors map[uuid.UUID]uint64

	ckpt           coordinator
	lastCheckpoint atomic.Pointer[checkpoint.Metadata]

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Open creates an engine. If the blob store holds a committed checkpoint the
// engine recovers from it; a corrupt checkpoint fails Open.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	ectx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		metrics:     &NoopMetricsObserver{},
		fs:          fs.Default,
		maxSessions: defaultMaxSessions,
		cacheBytes:  defaultCacheBytes,
		retention:   defaultRetention,
		codec:       device.CodecLZ4,
		alloc:       func(n int) []byte { return make([]byte, n) },
		sessions:    make(map[uuid.UUID]*Session),
		cursors:     make(map[uuid.UUID]uint64),
		ctx:         ectx,
		cancel:      cancel,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.resourceController == nil {
		e.resourceController = resource.NewController(resource.Config{})
	}

	if err := e.init(ctx); err != nil {
		cancel()
		_ = e.release()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(ctx context.Context) error {
	if e.cfg.TableSize == 0 || e.cfg.TableSize&(e.cfg.TableSize-1) != 0 {
		return fmt.Errorf("%w: table size %d is not a power of two", ErrInvalidArgument, e.cfg.TableSize)
	}
	if e.cfg.MutableFraction < 0 || e.cfg.MutableFraction > 1 {
		return fmt.Errorf("%w: mutable fraction %v outside [0, 1]", ErrInvalidArgument, e.cfg.MutableFraction)
	}
	if e.journalDir != "" && e.store == nil {
		return fmt.Errorf("%w: journal requires stable storage", ErrInvalidArgument)
	}

	e.epoch = epoch.NewManager(max(e.maxSessions, 1) + 2)
	slot, err := e.epoch.Acquire()
	if err != nil {
		return err
	}
	e.coordSlot = slot
	e.version.Store(1)

	var meta *checkpoint.Metadata
	if e.store != nil {
		e.checkpoints = checkpoint.NewStore(e.store)
		meta, err = e.checkpoints.Load(ctx)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			meta = nil
		case errors.Is(err, checkpoint.ErrCorrupt), errors.Is(err, checkpoint.ErrIncompatibleVersion):
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		case err != nil:
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if meta != nil && meta.PageBits != 0 {
			if e.pageBits != 0 && e.pageBits != uint(meta.PageBits) {
				e.logger.Warn("page size taken from checkpoint", "configured_bits", e.pageBits, "checkpoint_bits", meta.PageBits)
			}
			e.pageBits = uint(meta.PageBits)
		}

		e.dev, err = device.Open(ctx, e.store, device.Options{
			Codec:      e.codec,
			CacheBytes: e.cacheBytes,
			Resources:  e.resourceController,
			Logger:     e.logger,
		})
		if err != nil {
			return err
		}
	}

	if err := e.sizeLog(); err != nil {
		return err
	}

	if meta != nil {
		e.index, err = e.loadIndex(ctx, meta)
		if err != nil {
			return err
		}
		if err := e.truncateLog(ctx, meta); err != nil {
			return err
		}
	} else {
		if e.index, err = index.New(e.cfg.TableSize); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		if e.dev != nil {
			// Pages without a checkpoint are unreachable.
			if err := e.dev.DeletePagesFrom(ctx, 0); err != nil {
				return err
			}
		}
	}

	e.log, err = hlog.New(hlog.Options{
		PageBits:     e.pageBits,
		BufferPages:  e.bufferPages(),
		MutablePages: e.mutablePages(),
		PreAllocate:  e.cfg.PreAllocate,
		MaxLogSize:   e.maxLogSize,
		Device:       e.dev,
		Epoch:        e.epoch,
		Resources:    e.resourceController,
		Logger:       e.logger,
		OnFlush: func(pages int, bytes int64, elapsed time.Duration) {
			e.metrics.OnFlush(elapsed, pages, bytes)
		},
	})
	if err != nil {
		return err
	}

	e.pool = NewWorkerPool(e.ioWorkers)

	if e.journalDir != "" {
		e.journal, err = wal.OpenJournal(e.fs, e.journalDir, e.journalOpts, e.logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
	}

	if meta != nil {
		if err := e.recover(ctx, meta); err != nil {
			return err
		}
	} else if e.journal != nil {
		started := time.Now()
		replayed, err := e.replay(ctx, nil)
		e.metrics.OnRecovery(time.Since(started), replayed, err)
		if err != nil {
			return err
		}
	}

	e.logger.Info("engine opened",
		"table_size", e.cfg.TableSize,
		"page_bits", e.pageBits,
		"buffer_pages", e.bufferPages(),
		"mutable_pages", e.mutablePages(),
		"stable", e.dev != nil,
		"journal", e.journal != nil,
		"recovered", meta != nil,
	)
	return nil
}

// sizeLog picks the page size when none was configured so that the memory
// budget holds at least minBufferPages frames.
func (e *Engine) sizeLog() error {
	if e.pageBits == 0 {
		e.pageBits = hlog.DefaultPageBits
		for e.pageBits > hlog.MinPageBits && e.cfg.LogSize>>e.pageBits < minBufferPages {
			e.pageBits--
		}
	}
	if e.pageBits < hlog.MinPageBits || e.pageBits > hlog.MaxPageBits {
		return fmt.Errorf("%w: page bits %d", ErrInvalidArgument, e.pageBits)
	}
	if e.cfg.LogSize>>e.pageBits < 2 {
		return fmt.Errorf("%w: log size %d holds fewer than two %d byte pages", ErrInvalidArgument, e.cfg.LogSize, 1<<e.pageBits)
	}
	return nil
}

func (e *Engine) bufferPages() int {
	return int(e.cfg.LogSize >> e.pageBits)
}

func (e *Engine) mutablePages() int {
	n := e.bufferPages()
	m := int(float64(n)*e.cfg.MutableFraction + 0.5)
	return min(max(m, 1), n-1)
}

// Close stops the engine. Records that were not checkpointed are lost unless
// the journal is enabled.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.cancel()

	e.sessMu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = map[uuid.UUID]*Session{}
	e.sessMu.Unlock()

	// Frames are unmapped by release; running operations must return first.
	if e.log != nil {
		e.log.Stop()
	}
	for _, s := range sessions {
		s.halt()
	}

	err := e.release()
	e.logger.Info("engine closed", "error", err)
	return err
}

func (e *Engine) release() error {
	var errs []error
	if e.pool != nil {
		e.pool.Close()
	}
	if e.journal != nil {
		errs = append(errs, e.journal.Close())
	}
	if e.log != nil {
		errs = append(errs, e.log.Close())
	}
	if e.dev != nil {
		errs = append(errs, e.dev.Close())
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() Stats {
	ixStats := e.index.Stats()
	pages, bytes := e.log.FlushStats()
	st := Stats{
		Markers:         e.log.Markers(),
		Version:         e.version.Load(),
		IndexBuckets:    ixStats.Buckets,
		IndexOverflow:   ixStats.OverflowBuckets,
		IndexEntries:    ixStats.UsedEntries,
		FlushedPages:    pages,
		FlushedBytes:    bytes,
		PendingQueue:    e.pool.Queued(),
		EpochDeferred:   e.epoch.Pending(),
		CheckpointPhase: e.ckpt.phase(),
	}
	if e.dev != nil {
		st.Device = e.dev.Stats()
	}
	if m := e.lastCheckpoint.Load(); m != nil {
		st.LastCheckpoint = m.ID
	}
	e.sessMu.Lock()
	st.Sessions = len(e.sessions)
	e.sessMu.Unlock()
	return st
}

// Markers returns the log region boundaries.
func (e *Engine) Markers() hlog.Markers {
	return e.log.Markers()
}

// PageSize returns the log page size in bytes.
func (e *Engine) PageSize() int {
	return e.log.PageSize()
}

// HasStorage reports whether the engine can flush and checkpoint.
func (e *Engine) HasStorage() bool {
	return e.dev != nil
}

// ShiftBeginAddress truncates the log below addr. Keys whose newest record
// lies below addr read as not found afterwards.
func (e *Engine) ShiftBeginAddress(ctx context.Context, addr uint64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.log.ShiftBeginAddress(ctx, addr)
}

// nextVersion skips versions whose stored form is zero, so that a record
// with no predecessor never has an all-zero info word.
func nextVersion(v uint32) uint32 {
	v++
	if v&hlog.VersionMask == 0 {
		v++
	}
	return v
}
