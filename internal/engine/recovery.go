package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/fastkv/internal/checkpoint"
	"github.com/hupe1980/fastkv/internal/hlog"
	"github.com/hupe1980/fastkv/internal/index"
	"github.com/hupe1980/fastkv/internal/wal"
)

func (e *Engine) loadIndex(ctx context.Context, meta *checkpoint.Metadata) (*index.Index, error) {
	rc, err := e.checkpoints.OpenIndex(ctx, meta)
	if err != nil {
		if errors.Is(err, checkpoint.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return nil, fmt.Errorf("open index snapshot: %w", err)
	}
	defer rc.Close()

	ix, err := index.Restore(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: checkpoint %d: %w", ErrCorrupt, meta.ID, err)
	}
	if ix.Size() != meta.TableSize {
		return nil, fmt.Errorf("%w: checkpoint %d index has %d buckets, metadata says %d", ErrCorrupt, meta.ID, ix.Size(), meta.TableSize)
	}
	return ix, nil
}

// truncateLog brings the device back to the checkpoint cut: pages past the
// cut are deleted, the cut page is shortened, and records of the next
// version written between start and cut are marked invalid.
func (e *Engine) truncateLog(ctx context.Context, meta *checkpoint.Metadata) error {
	pageSize := uint64(1) << e.pageBits
	cutPage := meta.Cut >> e.pageBits
	cutOff := meta.Cut & (pageSize - 1)

	from := cutPage
	if cutOff != 0 {
		from++
	}
	if err := e.dev.DeletePagesFrom(ctx, from); err != nil {
		return fmt.Errorf("truncate log: %w", err)
	}
	if meta.Cut <= hlog.FirstValidAddress {
		return nil
	}

	next := nextVersion(meta.Version) & hlog.VersionMask
	first := max(meta.Start, meta.Begin) >> e.pageBits
	last := (meta.Cut - 1) >> e.pageBits
	patched := 0
	for p := first; p <= last; p++ {
		data, err := e.dev.ReadPage(ctx, p)
		if err != nil {
			return fmt.Errorf("%w: log page %d: %w", ErrCorrupt, p, err)
		}
		buf := bytes.Clone(data)
		changed := false
		if p == cutPage && uint64(len(buf)) > cutOff {
			buf = buf[:cutOff]
			changed = true
		}
		base := p << e.pageBits
		err = hlog.ScanPage(buf, base, meta.Start, meta.Cut, func(_ uint64, r hlog.Record) error {
			info := r.Info()
			if info.Version() == next && !info.Invalid() {
				r.SetInfo(info.WithInvalid())
				changed = true
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if changed {
			if err := e.dev.WritePage(ctx, p, buf); err != nil {
				return fmt.Errorf("truncate log: %w", err)
			}
			patched++
		}
	}
	e.logger.Debug("log truncated to checkpoint", "cut", meta.Cut, "deleted_from_page", from, "patched_pages", patched)
	return nil
}

// recover positions the log after a loaded checkpoint and replays the
// journal.
func (e *Engine) recover(ctx context.Context, meta *checkpoint.Metadata) error {
	started := time.Now()
	if err := e.log.Restore(meta.Begin, meta.Cut); err != nil {
		return err
	}
	e.version.Store(nextVersion(meta.Version))
	for _, c := range meta.Sessions {
		e.cursors[c.ID] = c.Serial
	}
	e.lastCheckpoint.Store(meta)

	var replayed int
	var err error
	if e.journal != nil {
		replayed, err = e.replay(ctx, meta)
	}
	e.metrics.OnRecovery(time.Since(started), replayed, err)
	if err != nil {
		return err
	}

	e.logger.Info("recovered checkpoint",
		"id", meta.ID,
		"cut", meta.Cut,
		"sessions", len(meta.Sessions),
		"replayed", replayed,
		"duration", time.Since(started),
	)
	return nil
}

// replay applies journaled operations that the checkpoint does not cover.
// Operations at or below their session's checkpointed cursor are skipped.
func (e *Engine) replay(ctx context.Context, meta *checkpoint.Metadata) (int, error) {
	var from uint64
	covered := make(map[uuid.UUID]uint64)
	if meta != nil {
		from = meta.JournalGeneration
		for _, c := range meta.Sessions {
			covered[c.ID] = c.Serial
		}
	}

	slot, err := e.epoch.Acquire()
	if err != nil {
		return 0, ErrTooManySessions
	}
	defer e.epoch.Release(slot)
	s := &Session{e: e, slot: slot, version: e.version.Load()}

	n := 0
	err = e.journal.Replay(from, func(rec *wal.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cursor, ok := covered[rec.Session]; ok && rec.Serial <= cursor {
			return nil
		}
		e.epoch.ProtectAndDrain(slot)
		err := s.apply(rec.Key, rec.Value, rec.Type == wal.RecordTypeDelete)
		e.epoch.Unprotect(slot)
		if err != nil {
			return fmt.Errorf("replay session %s serial %d: %w", rec.Session, rec.Serial, err)
		}
		if cur, ok := e.cursors[rec.Session]; !ok || rec.Serial > cur {
			e.cursors[rec.Session] = rec.Serial
		}
		n++
		return nil
	})
	return n, err
}
