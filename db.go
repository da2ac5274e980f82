package fastkv

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/fastkv/blobstore"
	"github.com/hupe1980/fastkv/internal/checkpoint"
	"github.com/hupe1980/fastkv/internal/device"
	"github.com/hupe1980/fastkv/internal/engine"
	"github.com/hupe1980/fastkv/internal/pool"
	"github.com/hupe1980/fastkv/internal/resource"
	"github.com/hupe1980/fastkv/internal/wal"
)

const defaultPageCacheSize = 64 << 20

// DB is an open store.
type DB struct {
	cfg     Config
	opts    options
	engine  *engine.Engine
	buffers *pool.BufferPool
	closed  atomic.Bool
}

// CheckpointInfo describes a committed checkpoint.
type CheckpointInfo struct {
	ID        uint64
	Token     uuid.UUID
	Version   uint32
	CreatedAt time.Time
	// Start and Cut bound the log range written while the checkpoint ran.
	// Everything below Cut is durable.
	Start uint64
	Cut   uint64
	// Sessions maps each session to the last serial the checkpoint covers.
	Sessions map[uuid.UUID]uint64
}

func checkpointInfo(m *checkpoint.Metadata) CheckpointInfo {
	info := CheckpointInfo{
		ID:        m.ID,
		Token:     m.Token,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		Start:     m.Start,
		Cut:       m.Cut,
		Sessions:  make(map[uuid.UUID]uint64, len(m.Sessions)),
	}
	for _, s := range m.Sessions {
		info.Sessions[s.ID] = s.Serial
	}
	return info
}

// Open opens a store. With stable storage that holds a checkpoint the store
// recovers it and, if the journal is enabled, replays later operations.
// Damaged checkpoint data fails with ErrCorrupt.
func Open(ctx context.Context, cfg Config, optFns ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(optFns)

	store := o.blobStore
	if store == nil && cfg.StoragePath != "" {
		if err := o.fileSystem.MkdirAll(cfg.StoragePath, 0o755); err != nil {
			return nil, &ConfigError{Field: "StoragePath", Reason: "cannot create directory", cause: err}
		}
		store = blobstore.NewLocalStore(cfg.StoragePath, blobstore.WithFileSystem(o.fileSystem))
	}

	cacheSize := o.pageCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultPageCacheSize
	}
	rc := resource.NewController(resource.Config{
		FrameBytes:       int64(cfg.LogSize),
		CacheBytes:       cacheSize,
		FlushBytesPerSec: o.flushRateLimit,
	})

	db := &DB{cfg: cfg, opts: o, buffers: pool.New()}
	engineOpts := []engine.Option{
		engine.WithLogger(o.logger.Logger),
		engine.WithResourceController(rc),
		engine.WithMetricsObserver(engineObserver{mc: o.metricsCollector, logger: o.logger}),
		engine.WithFileSystem(o.fileSystem),
		engine.WithPageBits(o.pageBits),
		engine.WithMaxLogSize(o.maxLogSize),
		engine.WithIOWorkers(o.ioWorkers),
		engine.WithPageCacheSize(cacheSize),
		engine.WithCodec(codecOf(o.compression)),
		engine.WithAllocator(db.buffers.Get),
	}
	if store != nil {
		engineOpts = append(engineOpts, engine.WithBlobStore(store))
	}
	if o.maxSessions > 0 {
		engineOpts = append(engineOpts, engine.WithMaxSessions(o.maxSessions))
	}
	if o.retention > 0 {
		engineOpts = append(engineOpts, engine.WithCheckpointRetention(o.retention))
	}
	if o.journal {
		dir := o.journalDir
		if dir == "" {
			if cfg.StoragePath == "" {
				return nil, &ConfigError{Field: "StoragePath", Reason: "journal needs a directory"}
			}
			dir = filepath.Join(cfg.StoragePath, "journal")
		}
		engineOpts = append(engineOpts, engine.WithJournal(dir, durabilityOf(o.durability)))
	}

	e, err := engine.Open(ctx, engine.Config{
		TableSize:       cfg.TableSize,
		LogSize:         cfg.LogSize,
		MutableFraction: cfg.LogMutableFraction,
		PreAllocate:     cfg.PreAllocateLog,
	}, engineOpts...)
	if err != nil {
		err = translateError(err)
		o.logger.LogOpen(ctx, cfg, 0, err)
		return nil, err
	}
	db.engine = e

	var recovered uint64
	if m := e.LastCheckpoint(); m != nil {
		recovered = m.ID
	}
	o.logger.LogOpen(ctx, cfg, recovered, nil)
	return db, nil
}

func codecOf(c Compression) device.Codec {
	switch c {
	case CompressionNone:
		return device.CodecNone
	case CompressionZstd:
		return device.CodecZstd
	default:
		return device.CodecLZ4
	}
}

func durabilityOf(d Durability) wal.Durability {
	if d == DurabilityAsync {
		return wal.DurabilityAsync
	}
	return wal.DurabilitySync
}

// StartSession registers a new session.
func (db *DB) StartSession() (*Session, error) {
	s, err := db.engine.StartSession()
	if err != nil {
		return nil, translateError(err)
	}
	db.opts.logger.LogSession(context.Background(), "started", s.ID(), 0, nil)
	return db.wrap(s), nil
}

// ContinueSession resumes a session after Stop or recovery. It returns the
// last serial number the store holds for the session; operations with
// higher serials were lost and must be resubmitted.
func (db *DB) ContinueSession(id uuid.UUID) (*Session, uint64, error) {
	s, cursor, err := db.engine.ContinueSession(id)
	if err != nil {
		err = translateError(err)
		db.opts.logger.LogSession(context.Background(), "continue", id, 0, err)
		return nil, 0, err
	}
	db.opts.logger.LogSession(context.Background(), "continued", id, cursor, nil)
	return db.wrap(s), cursor, nil
}

func (db *DB) wrap(s *engine.Session) *Session {
	return &Session{db: db, s: s, logger: db.opts.logger.WithSession(s.ID())}
}

// Checkpoint takes a checkpoint that covers a prefix of every session's
// operations and blocks until it is durable.
func (db *DB) Checkpoint(ctx context.Context) (CheckpointInfo, error) {
	start := time.Now()
	m, err := db.engine.Checkpoint(ctx)
	if err != nil {
		err = translateError(err)
		db.opts.logger.LogCheckpoint(ctx, CheckpointInfo{}, time.Since(start), err)
		return CheckpointInfo{}, err
	}
	info := checkpointInfo(m)
	db.opts.logger.LogCheckpoint(ctx, info, time.Since(start), nil)
	return info, nil
}

// LastCheckpoint returns the newest committed or recovered checkpoint.
func (db *DB) LastCheckpoint() (CheckpointInfo, bool) {
	m := db.engine.LastCheckpoint()
	if m == nil {
		return CheckpointInfo{}, false
	}
	return checkpointInfo(m), true
}

// ShiftBeginAddress discards the log below addr. Keys whose newest record
// lies below addr read as not found afterwards.
func (db *DB) ShiftBeginAddress(ctx context.Context, addr uint64) error {
	err := translateError(db.engine.ShiftBeginAddress(ctx, addr))
	db.opts.logger.LogTruncate(ctx, addr, err)
	return err
}

// Stats is a snapshot of store state.
type Stats struct {
	// Log addresses: Begin <= Head <= ReadOnly <= Tail. Records in
	// [Begin, Head) are on stable storage only.
	Begin        uint64
	Head         uint64
	ReadOnly     uint64
	FlushedUntil uint64
	Tail         uint64
	PageSize     int

	Version        uint32
	Sessions       int
	IndexBuckets   uint64
	IndexOverflow  uint64
	IndexEntries   uint64
	FlushedPages   int64
	FlushedBytes   int64
	StoredBytes    int64
	PagesRead      int64
	CacheHits      int64
	PendingQueue   int
	LastCheckpoint uint64
}

// Stats returns a snapshot of store state.
func (db *DB) Stats() Stats {
	st := db.engine.Stats()
	return Stats{
		Begin:          st.Markers.Begin,
		Head:           st.Markers.Head,
		ReadOnly:       st.Markers.ReadOnly,
		FlushedUntil:   st.Markers.FlushedUntil,
		Tail:           st.Markers.Tail,
		PageSize:       db.engine.PageSize(),
		Version:        st.Version,
		Sessions:       st.Sessions,
		IndexBuckets:   st.IndexBuckets,
		IndexOverflow:  st.IndexOverflow,
		IndexEntries:   st.IndexEntries,
		FlushedPages:   st.FlushedPages,
		FlushedBytes:   st.FlushedBytes,
		StoredBytes:    st.Device.BytesStored,
		PagesRead:      st.Device.PagesRead,
		CacheHits:      st.Device.CacheHits,
		PendingQueue:   st.PendingQueue,
		LastCheckpoint: st.LastCheckpoint,
	}
}

// Close releases the store. Operations after the last checkpoint are lost
// unless the journal is enabled. Sessions become unusable.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return translateError(db.engine.Close())
}
