package fastkv

import (
	"log/slog"

	"github.com/hupe1980/fastkv/blobstore"
	"github.com/hupe1980/fastkv/internal/fs"
)

// Compression selects the block compression of flushed log pages.
type Compression int

const (
	// CompressionLZ4 favours speed. It is the default.
	CompressionLZ4 Compression = iota
	// CompressionNone stores pages verbatim.
	CompressionNone
	// CompressionZstd favours size.
	CompressionZstd
)

// Durability controls when a journaled operation returns.
type Durability int

const (
	// DurabilityAsync returns once the record is written to the OS.
	DurabilityAsync Durability = iota
	// DurabilitySync returns once the record is fsync'd. Concurrent writers
	// share one fsync.
	DurabilitySync
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	blobStore        blobstore.BlobStore
	fileSystem       fs.FileSystem
	pageBits         uint
	maxLogSize       uint64
	maxSessions      int
	ioWorkers        int
	pageCacheSize    int64
	compression      Compression
	flushRateLimit   int64
	journal          bool
	journalDir       string
	durability       Durability
	retention        int
}

// Option configures Open.
type Option func(*options)

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := fastkv.NewJSONLogger(slog.LevelInfo)
//	db, _ := fastkv.Open(ctx, cfg, fastkv.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &fastkv.BasicMetricsCollector{}
//	db, _ := fastkv.Open(ctx, cfg, fastkv.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Upserts: %d, pending reads: %d\n", stats.UpsertCount, stats.PendingCount)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithBlobStore sets the stable storage and takes precedence over
// Config.StoragePath. Remote stores (S3, MinIO) are passed this way.
func WithBlobStore(st blobstore.BlobStore) Option {
	return func(o *options) {
		o.blobStore = st
	}
}

// WithFileSystem sets the file system used for the journal.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fileSystem = fsys
	}
}

// WithPageSizeBits sets log2 of the log page size. A record never spans
// pages, so this also bounds the largest key plus value. By default the
// page size is 4 MiB, lowered for small logs so that at least four pages fit
// in memory. A reopened store keeps the page size of its checkpoint.
func WithPageSizeBits(bits uint) Option {
	return func(o *options) {
		o.pageBits = bits
	}
}

// WithMaxLogSize bounds the distance between the log begin and tail in
// bytes. Writes beyond it fail with ErrOutOfLogSpace until
// ShiftBeginAddress truncates the log.
func WithMaxLogSize(bytes uint64) Option {
	return func(o *options) {
		o.maxLogSize = bytes
	}
}

// WithMaxSessions bounds the number of concurrently started sessions.
func WithMaxSessions(n int) Option {
	return func(o *options) {
		o.maxSessions = n
	}
}

// WithIOWorkers sets the number of goroutines serving reads that miss
// memory. Defaults to GOMAXPROCS.
func WithIOWorkers(n int) Option {
	return func(o *options) {
		o.ioWorkers = n
	}
}

// WithPageCacheSize bounds the cache of decoded stable pages in bytes.
func WithPageCacheSize(bytes int64) Option {
	return func(o *options) {
		o.pageCacheSize = bytes
	}
}

// WithCompression sets the compression of flushed pages.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithFlushRateLimit caps flush throughput to stable storage in bytes per
// second. 0 means unlimited.
func WithFlushRateLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.flushRateLimit = bytesPerSec
	}
}

// WithJournal records every upsert and delete in a journal so that
// operations after the last checkpoint survive a restart. dir defaults to
// the "journal" directory below Config.StoragePath.
//
// Example:
//
//	db, _ := fastkv.Open(ctx, cfg, fastkv.WithJournal("", fastkv.DurabilitySync))
func WithJournal(dir string, durability Durability) Option {
	return func(o *options) {
		o.journal = true
		o.journalDir = dir
		o.durability = durability
	}
}

// WithCheckpointRetention sets how many checkpoints are kept. Older ones
// are deleted after each successful checkpoint.
func WithCheckpointRetention(n int) Option {
	return func(o *options) {
		o.retention = n
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		fileSystem:       fs.Default,
		compression:      CompressionLZ4,
		durability:       DurabilitySync,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	return o
}
