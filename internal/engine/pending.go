package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/fastkv/internal/device"
	"github.com/hupe1980/fastkv/internal/hlog"
)

type readKind uint8

const (
	kindRead readKind = iota
	kindHas
	kindSize
)

// PendingRead is a read whose record lies on the device. Its result is
// delivered by CompletePending of the issuing session and taken once.
type PendingRead struct {
	key    []byte
	kind   readKind
	addr   uint64
	issued time.Time

	// Written by the I/O worker before resolved is set.
	status Status
	value  []byte
	size   int
	err    error

	resolved  atomic.Bool
	delivered atomic.Bool
	taken     atomic.Bool
	done      chan struct{}
}

// Key returns the key the read was issued for.
func (p *PendingRead) Key() []byte {
	return p.key
}

// Done is closed when the result has been delivered.
func (p *PendingRead) Done() <-chan struct{} {
	return p.done
}

// Delivered reports whether CompletePending delivered the result.
func (p *PendingRead) Delivered() bool {
	return p.delivered.Load()
}

// Take returns the delivered result. It succeeds exactly once.
func (p *PendingRead) Take() (ReadResult, error) {
	if !p.delivered.Load() {
		return ReadResult{}, ErrNotReady
	}
	if !p.taken.CompareAndSwap(false, true) {
		return ReadResult{}, ErrAlreadyTaken
	}
	if p.err != nil {
		return ReadResult{}, p.err
	}
	res := ReadResult{Status: p.status, Value: p.value, Size: p.size}
	p.value = nil
	return res, nil
}

// pendingQueue holds a session's undelivered reads in issue order.
type pendingQueue struct {
	mu    sync.Mutex
	ops   []*PendingRead
	ready chan struct{}
}

func (q *pendingQueue) init() {
	q.ready = make(chan struct{}, 1)
}

func (q *pendingQueue) add(key []byte, kind readKind, addr uint64) *PendingRead {
	p := &PendingRead{key: key, kind: kind, addr: addr, issued: time.Now(), done: make(chan struct{})}
	q.mu.Lock()
	q.ops = append(q.ops, p)
	q.mu.Unlock()
	return p
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *pendingQueue) snapshot() []*PendingRead {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*PendingRead(nil), q.ops...)
}

func (q *pendingQueue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// deliver hands out every resolved read that has no older undelivered read
// on the same key.
func (q *pendingQueue) deliver(observe func(*PendingRead)) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var blocked map[string]struct{}
	kept := q.ops[:0]
	n := 0
	for _, p := range q.ops {
		_, held := blocked[string(p.key)]
		if held || !p.resolved.Load() {
			if blocked == nil {
				blocked = make(map[string]struct{})
			}
			blocked[string(p.key)] = struct{}{}
			kept = append(kept, p)
			continue
		}
		p.delivered.Store(true)
		close(p.done)
		observe(p)
		n++
	}
	clear(q.ops[len(kept):])
	q.ops = kept
	return n
}

// CompletePending delivers resolved reads of this session. With wait it
// blocks until every read outstanding at call time is delivered.
func (s *Session) CompletePending(ctx context.Context, wait bool) (int, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.release()

	e := s.e
	e.epoch.ProtectAndDrain(s.slot)
	e.epoch.Unprotect(s.slot)

	var target []*PendingRead
	if wait {
		target = s.pending.snapshot()
	}

	observe := func(p *PendingRead) {
		e.metrics.OnPendingComplete(time.Since(p.issued), p.err)
	}
	n := s.pending.deliver(observe)
	for _, p := range target {
		for !p.delivered.Load() {
			select {
			case <-s.pending.ready:
			case <-ctx.Done():
				return n, ctx.Err()
			case <-e.ctx.Done():
				return n, ErrClosed
			}
			n += s.pending.deliver(observe)
		}
	}
	return n, nil
}

func (e *Engine) submit(s *Session, p *PendingRead) {
	err := e.pool.Submit(e.ctx, func() {
		p.status, p.value, p.size, p.err = e.readStable(p.key, p.addr, p.kind)
		p.resolved.Store(true)
		s.pending.notify()
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = ErrClosed
		}
		p.err = err
		p.resolved.Store(true)
		s.pending.notify()
	}
	e.metrics.OnQueueDepth("pending", e.pool.Queued())
}

// readStable walks the chain of key on the device from addr.
func (e *Engine) readStable(key []byte, addr uint64, kind readKind) (Status, []byte, int, error) {
	for addr >= hlog.FirstValidAddress && addr >= e.log.Begin() {
		r, err := e.log.ReadStable(e.ctx, addr)
		if err != nil {
			if errors.Is(err, device.ErrPageNotFound) && addr < e.log.Begin() {
				// Truncated while the read was queued.
				break
			}
			return 0, nil, 0, err
		}
		info := r.Info()
		if !info.Invalid() && bytes.Equal(r.Key(), key) {
			if info.Tombstone() {
				return StatusNotFound, nil, 0, nil
			}
			size := r.ValueLen()
			if kind != kindRead {
				return StatusOK, nil, size, nil
			}
			v := e.alloc(size)
			copy(v, r.Value())
			return StatusOK, v, size, nil
		}
		addr = info.PreviousAddress()
	}
	return StatusNotFound, nil, 0, nil
}
