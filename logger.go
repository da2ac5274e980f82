package fastkv

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Logger wraps slog.Logger with fastkv-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithSession adds a session field to the logger.
func (l *Logger) WithSession(id uuid.UUID) *Logger {
	return &Logger{
		Logger: l.Logger.With("session", id),
	}
}

// LogOpen logs the result of opening a store.
func (l *Logger) LogOpen(ctx context.Context, cfg Config, recovered uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"storage_path", cfg.StoragePath,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "store opened",
			"storage_path", cfg.StoragePath,
			"table_size", cfg.TableSize,
			"log_size", cfg.LogSize,
			"checkpoint", recovered,
		)
	}
}

// LogSession logs a session lifecycle event.
func (l *Logger) LogSession(ctx context.Context, event string, id uuid.UUID, serial uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "session "+event+" failed",
			"session", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "session "+event,
			"session", id,
			"serial", serial,
		)
	}
}

// LogCheckpoint logs a checkpoint.
func (l *Logger) LogCheckpoint(ctx context.Context, info CheckpointInfo, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"duration", duration,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint completed",
			"id", info.ID,
			"version", info.Version,
			"cut", info.Cut,
			"sessions", len(info.Sessions),
			"duration", duration,
		)
	}
}

// LogRecovery logs a journal replay after open.
func (l *Logger) LogRecovery(ctx context.Context, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "journal recovery failed",
			"entries_replayed", entriesReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "journal recovery completed",
			"entries_replayed", entriesReplayed,
		)
	}
}

// LogFlush logs a batch of pages written to stable storage.
func (l *Logger) LogFlush(ctx context.Context, pages int, bytes int64, duration time.Duration) {
	l.DebugContext(ctx, "log pages flushed",
		"pages", pages,
		"bytes", bytes,
		"duration", duration,
	)
}

// LogTruncate logs a shift of the log begin address.
func (l *Logger) LogTruncate(ctx context.Context, begin uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "log truncation failed",
			"begin", begin,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "log truncated",
			"begin", begin,
		)
	}
}
