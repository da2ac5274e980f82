package fastkv

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/fastkv/internal/engine"
)

// ReadResult is the result of Read, Has and ValueSize.
type ReadResult struct {
	Status Status
	// Value is set by Read on StatusOK. The caller owns it and must release it.
	Value *Buffer
	// Size is the value length on StatusOK.
	Size int
	// Pending is set on StatusPending.
	Pending *PendingRead
}

// PendingRead is a read whose record is on stable storage. It is delivered
// by CompletePending of the session that issued it.
type PendingRead struct {
	db *DB
	p  *engine.PendingRead
}

// Key returns the key the read was issued for.
func (p *PendingRead) Key() []byte {
	return p.p.Key()
}

// Done is closed once the result is delivered.
func (p *PendingRead) Done() <-chan struct{} {
	return p.p.Done()
}

// Take returns the delivered result. It fails with ErrNotReady before
// delivery and with ErrAlreadyTaken on a second call.
func (p *PendingRead) Take() (ReadResult, error) {
	res, err := p.p.Take()
	if err != nil {
		return ReadResult{Status: StatusError}, translateError(err)
	}
	return p.db.result(res), nil
}

// Session is the context operations run in. A session must not be used by
// more than one goroutine at a time.
type Session struct {
	db     *DB
	s      *engine.Session
	logger *Logger
}

// ID returns the session identifier used by ContinueSession.
func (s *Session) ID() uuid.UUID {
	return s.s.ID()
}

// Serial returns the serial number of the last operation.
func (s *Session) Serial() uint64 {
	return s.s.Serial()
}

// Upsert sets the value of key. Key and value are copied.
func (s *Session) Upsert(key, value []byte, serial uint64) (Status, error) {
	start := time.Now()
	err := translateError(s.s.Upsert(key, value, serial))
	s.db.opts.metricsCollector.RecordUpsert(time.Since(start), err)
	if err != nil {
		return StatusError, err
	}
	return StatusOK, nil
}

// Delete removes key. Deleting a missing key succeeds.
func (s *Session) Delete(key []byte, serial uint64) (Status, error) {
	start := time.Now()
	err := translateError(s.s.Delete(key, serial))
	s.db.opts.metricsCollector.RecordDelete(time.Since(start), err)
	if err != nil {
		return StatusError, err
	}
	return StatusOK, nil
}

// Read returns the value of key. StatusPending results are completed by
// CompletePending and collected with PendingRead.Take.
func (s *Session) Read(key []byte, serial uint64) (ReadResult, error) {
	return s.read(key, serial, s.s.Read)
}

// Has reports whether key exists without copying its value.
func (s *Session) Has(key []byte, serial uint64) (ReadResult, error) {
	return s.read(key, serial, s.s.Has)
}

// ValueSize returns the value length of key in ReadResult.Size.
func (s *Session) ValueSize(key []byte, serial uint64) (ReadResult, error) {
	return s.read(key, serial, s.s.ValueSize)
}

func (s *Session) read(key []byte, serial uint64, op func([]byte, uint64) (engine.ReadResult, error)) (ReadResult, error) {
	start := time.Now()
	res, err := op(key, serial)
	err = translateError(err)
	out := s.db.result(res)
	s.db.opts.metricsCollector.RecordRead(out.Status, time.Since(start), err)
	if err != nil {
		return ReadResult{Status: StatusError}, err
	}
	return out, nil
}

func (db *DB) result(res engine.ReadResult) ReadResult {
	out := ReadResult{Status: statusOf(res.Status), Size: res.Size}
	if res.Value != nil {
		out.Value = newBuffer(db.buffers, res.Value)
	}
	if res.Pending != nil {
		out.Pending = &PendingRead{db: db, p: res.Pending}
	}
	return out
}

// Refresh acknowledges a running checkpoint and runs deferred maintenance.
// Long-idle sessions should call it periodically.
func (s *Session) Refresh() error {
	return translateError(s.s.Refresh())
}

// CompletePending delivers finished reads of this session and returns how
// many were delivered. With wait it blocks until every read outstanding at
// the time of the call is delivered.
func (s *Session) CompletePending(ctx context.Context, wait bool) (int, error) {
	n, err := s.s.CompletePending(ctx, wait)
	return n, translateError(err)
}

// Stop ends the session. It fails with ErrSessionStillPending while reads are
// undelivered; the session then stays usable.
func (s *Session) Stop() error {
	err := translateError(s.s.Stop())
	s.logger.LogSession(context.Background(), "stopped", s.ID(), s.Serial(), err)
	return err
}

// Get is a convenience wrapper that reads key and waits for a pending
// result. It returns a copy of the value and false if the key is absent.
func (s *Session) Get(ctx context.Context, key []byte, serial uint64) ([]byte, bool, error) {
	res, err := s.Read(key, serial)
	if err != nil {
		return nil, false, err
	}
	if res.Status == StatusPending {
		if _, err := s.CompletePending(ctx, true); err != nil {
			return nil, false, err
		}
		if res, err = res.Pending.Take(); err != nil {
			return nil, false, err
		}
	}
	if res.Status != StatusOK {
		return nil, false, nil
	}
	defer func() { _ = res.Value.Release() }()
	return bytes.Clone(res.Value.Bytes()), true, nil
}
