package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/fastkv/internal/checkpoint"
	"github.com/hupe1980/fastkv/internal/hlog"
	"github.com/hupe1980/fastkv/internal/index"
)

// Phase is the state of the checkpoint coordinator.
type Phase int32

const (
	// PhaseIdle accepts a new checkpoint request.
	PhaseIdle Phase = iota
	// PhaseRequested announces the next version.
	PhaseRequested
	// PhaseDraining waits until every session acknowledged the new version.
	PhaseDraining
	// PhaseWriting persists the index, the log prefix and the cursors.
	PhaseWriting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequested:
		return "requested"
	case PhaseDraining:
		return "draining"
	case PhaseWriting:
		return "writing"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// coordinator tracks one checkpoint at a time.
type coordinator struct {
	state atomic.Int32

	mu      sync.Mutex
	waiting map[uuid.UUID]struct{}
	cursors map[uuid.UUID]uint64
}

func (c *coordinator) phase() Phase {
	return Phase(c.state.Load())
}

// begin starts waiting for sessions. Cursors of sessions that are not
// running are final and recorded as is.
func (c *coordinator) begin(sessions []*Session, stopped map[uuid.UUID]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiting = make(map[uuid.UUID]struct{}, len(sessions))
	c.cursors = make(map[uuid.UUID]uint64, len(sessions)+len(stopped))
	for id, serial := range stopped {
		c.cursors[id] = serial
	}
	for _, s := range sessions {
		c.waiting[s.id] = struct{}{}
	}
}

// acknowledge records the cursor of a session that moved to the new version.
func (c *coordinator) acknowledge(id uuid.UUID, serial uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.waiting[id]; ok {
		delete(c.waiting, id)
		c.cursors[id] = serial
	}
}

func (c *coordinator) forget(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiting, id)
}

func (c *coordinator) isWaiting(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiting[id]
	return ok
}

func (c *coordinator) remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}

func (c *coordinator) collect() []checkpoint.SessionCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]checkpoint.SessionCursor, 0, len(c.cursors))
	for id, serial := range c.cursors {
		out = append(out, checkpoint.SessionCursor{ID: id, Serial: serial})
	}
	slices.SortFunc(out, func(a, b checkpoint.SessionCursor) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out
}

func (c *coordinator) reset() {
	c.mu.Lock()
	c.waiting = nil
	c.cursors = nil
	c.mu.Unlock()
	c.state.Store(int32(PhaseIdle))
}

// Checkpoint takes a consistent checkpoint and blocks until it is durable.
// It fails with ErrCheckpointInProgress while another one runs.
func (e *Engine) Checkpoint(ctx context.Context) (*checkpoint.Metadata, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if e.dev == nil {
		return nil, ErrNoStorage
	}
	if !e.ckpt.state.CompareAndSwap(int32(PhaseIdle), int32(PhaseRequested)) {
		return nil, ErrCheckpointInProgress
	}
	defer e.ckpt.reset()

	started := time.Now()
	meta, err := e.takeCheckpoint(ctx)
	e.metrics.OnCheckpoint(time.Since(started), err)
	if err != nil {
		e.logger.Error("checkpoint failed", "error", err)
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	e.logger.Info("checkpoint committed",
		"id", meta.ID,
		"version", meta.Version,
		"start", meta.Start,
		"cut", meta.Cut,
		"sessions", len(meta.Sessions),
		"duration", time.Since(started),
	)
	return meta, nil
}

func (e *Engine) takeCheckpoint(ctx context.Context) (*checkpoint.Metadata, error) {
	var gen uint64
	if e.journal != nil {
		var err error
		if gen, err = e.journal.Roll(); err != nil {
			return nil, fmt.Errorf("roll journal: %w", err)
		}
	}

	e.sessMu.Lock()
	prior := e.version.Load()
	start := e.log.Tail()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.ckpt.begin(sessions, e.cursors)
	e.version.Store(nextVersion(prior))
	e.sessMu.Unlock()

	e.ckpt.state.Store(int32(PhaseDraining))
	if err := e.drainSessions(ctx, sessions); err != nil {
		return nil, err
	}

	e.ckpt.state.Store(int32(PhaseWriting))
	cut := e.log.ShiftReadOnlyToTail()
	if err := e.log.WaitFlushed(ctx, cut); err != nil {
		return nil, err
	}

	meta := &checkpoint.Metadata{
		Version:           prior,
		TableSize:         e.index.Size(),
		PageBits:          uint32(e.log.PageBits()),
		Begin:             e.log.Begin(),
		Start:             start,
		Cut:               cut,
		JournalGeneration: gen,
		Sessions:          e.ckpt.collect(),
		Flushed:           e.dev.Flushed(),
	}
	err := e.checkpoints.Save(ctx, meta, func(w io.Writer) error {
		return e.snapshotIndex(ctx, w, cut)
	})
	if err != nil {
		return nil, err
	}
	e.lastCheckpoint.Store(meta)
	e.prune(ctx)
	return meta, nil
}

// drainSessions waits until every session registered at request time has
// acknowledged the new version. Idle sessions are acknowledged here.
func (e *Engine) drainSessions(ctx context.Context, sessions []*Session) error {
	e.epoch.BumpCurrentEpoch()
	for spins := 0; e.ckpt.remaining() > 0; spins++ {
		for _, s := range sessions {
			if !e.ckpt.isWaiting(s.id) {
				continue
			}
			if s.state.CompareAndSwap(stateIdle, stateHeld) {
				if s.version != e.version.Load() {
					s.acknowledge()
				}
				s.state.CompareAndSwap(stateHeld, stateIdle)
			} else if s.state.Load() == stateStopped {
				e.ckpt.forget(s.id)
			}
		}
		if e.ckpt.remaining() == 0 {
			break
		}
		if e.closed.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		backoff(spins)
	}
	return nil
}

// snapshotIndex writes the index with every entry rewound below cut, so the
// snapshot only references records the checkpoint covers.
func (e *Engine) snapshotIndex(ctx context.Context, w io.Writer, cut uint64) error {
	e.epoch.Protect(e.coordSlot)
	defer e.epoch.Unprotect(e.coordSlot)

	n := 0
	return e.index.SnapshotWith(w, func(en index.Entry) (index.Entry, error) {
		if n++; n%1024 == 0 {
			e.epoch.ProtectAndDrain(e.coordSlot)
		}
		addr := en.Address()
		for addr >= cut {
			info, err := e.infoAt(ctx, addr)
			if err != nil {
				return 0, err
			}
			addr = info.PreviousAddress()
		}
		return en.WithAddress(addr), nil
	})
}

func (e *Engine) infoAt(ctx context.Context, addr uint64) (hlog.Info, error) {
	if addr >= e.log.Head() {
		return e.log.Get(addr).Info(), nil
	}
	r, err := e.log.ReadStable(ctx, addr)
	if err != nil {
		return 0, err
	}
	return r.Info(), nil
}

// prune drops checkpoints beyond the retention and the journal generations
// that none of the retained ones needs.
func (e *Engine) prune(ctx context.Context) {
	cur := e.lastCheckpoint.Load()
	removed, err := e.checkpoints.Prune(ctx, e.retention, cur.ID)
	if err != nil {
		e.logger.Warn("failed to prune checkpoints", "error", err)
		return
	}
	if len(removed) > 0 {
		e.logger.Debug("pruned checkpoints", "ids", removed)
	}
	if e.journal == nil {
		return
	}

	ids, err := e.checkpoints.List(ctx)
	if err != nil || len(ids) == 0 {
		return
	}
	oldest, err := e.checkpoints.LoadID(ctx, ids[0])
	if err != nil {
		e.logger.Warn("failed to load oldest checkpoint", "id", ids[0], "error", err)
		return
	}
	if err := e.journal.Prune(oldest.JournalGeneration); err != nil {
		e.logger.Warn("failed to prune journal", "error", err)
	}
}

// LastCheckpoint returns the newest committed checkpoint, if any.
func (e *Engine) LastCheckpoint() *checkpoint.Metadata {
	return e.lastCheckpoint.Load()
}

// Phase returns the state of the checkpoint coordinator.
func (e *Engine) Phase() Phase {
	return e.ckpt.phase()
}
