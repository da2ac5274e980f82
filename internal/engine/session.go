package engine

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	stateIdle int32 = iota
	stateBusy
	// stateHeld marks a session the checkpoint coordinator acknowledges on
	// its behalf.
	stateHeld
	stateStopped
)

// Session is the execution context every operation runs in. A session is
// used by one goroutine at a time.
type Session struct {
	e     *Engine
	id    uuid.UUID
	slot  int
	state atomic.Int32

	// Owned by whoever moved state away from idle.
	version uint32
	serial  uint64

	pending pendingQueue
}

// StartSession registers a new session.
func (e *Engine) StartSession() (*Session, error) {
	return e.startSession(uuid.New(), false)
}

// ContinueSession resumes a session that was stopped or recovered from a
// checkpoint. It returns the last serial number the engine holds for it.
func (e *Engine) ContinueSession(id uuid.UUID) (*Session, uint64, error) {
	s, err := e.startSession(id, true)
	if err != nil {
		return nil, 0, err
	}
	return s, s.serial, nil
}

func (e *Engine) startSession(id uuid.UUID, resume bool) (*Session, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	e.sessMu.Lock()
	defer e.sessMu.Unlock()

	if _, active := e.sessions[id]; active {
		return nil, ErrUnknownSession
	}
	if len(e.sessions) >= e.maxSessions {
		return nil, ErrTooManySessions
	}
	var serial uint64
	if resume {
		cursor, ok := e.cursors[id]
		if !ok {
			return nil, ErrUnknownSession
		}
		serial = cursor
	}

	slot, err := e.epoch.Acquire()
	if err != nil {
		return nil, ErrTooManySessions
	}
	if resume {
		delete(e.cursors, id)
	}

	s := &Session{e: e, id: id, slot: slot, serial: serial}
	s.pending.init()
	// Reading the version under sessMu keeps new sessions out of a
	// checkpoint that is being requested.
	s.version = e.version.Load()
	e.sessions[id] = s

	e.logger.Debug("session started", "session", id, "resumed", resume, "serial", serial)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Serial returns the serial number of the last completed operation.
func (s *Session) Serial() uint64 {
	return s.serial
}

// Version returns the checkpoint version the session runs in.
func (s *Session) Version() uint32 {
	return s.version
}

// Refresh acknowledges a pending checkpoint and runs deferred epoch work.
func (s *Session) Refresh() error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.e.epoch.ProtectAndDrain(s.slot)
	s.e.epoch.Unprotect(s.slot)
	return nil
}

// Stop ends the session. It fails with ErrSessionStillPending while
// completions are undelivered; the session then stays usable.
func (s *Session) Stop() error {
	if err := s.acquire(); err != nil {
		return err
	}
	if s.pending.len() > 0 {
		s.release()
		return ErrSessionStillPending
	}

	e := s.e
	e.sessMu.Lock()
	delete(e.sessions, s.id)
	e.cursors[s.id] = s.serial
	e.sessMu.Unlock()

	s.state.Store(stateStopped)
	e.epoch.Release(s.slot)
	e.logger.Debug("session stopped", "session", s.id, "serial", s.serial)
	return nil
}

// acquire takes ownership of the session for one call and acknowledges a
// checkpoint version change.
func (s *Session) acquire() error {
	if s.e.closed.Load() {
		return ErrClosed
	}
	for spins := 0; !s.state.CompareAndSwap(stateIdle, stateBusy); spins++ {
		switch s.state.Load() {
		case stateStopped:
			return ErrNoActiveSession
		case stateBusy:
			return ErrSessionInUse
		}
		// Held briefly by the checkpoint coordinator.
		backoff(spins)
	}
	if s.version != s.e.version.Load() {
		s.acknowledge()
	}
	return nil
}

func (s *Session) release() {
	s.state.CompareAndSwap(stateBusy, stateIdle)
}

// halt stops the session once the call that owns it has returned.
func (s *Session) halt() {
	for spins := 0; ; spins++ {
		switch s.state.Load() {
		case stateStopped:
			return
		case stateIdle:
			if s.state.CompareAndSwap(stateIdle, stateStopped) {
				return
			}
		}
		backoff(spins)
	}
}

// enter starts an operation with the given serial number under epoch
// protection.
func (s *Session) enter(serial uint64) error {
	if err := s.acquire(); err != nil {
		return err
	}
	if serial < s.serial {
		s.release()
		return ErrSerialRegression
	}
	s.e.epoch.ProtectAndDrain(s.slot)
	return nil
}

func (s *Session) exit() {
	s.e.epoch.Unprotect(s.slot)
	s.release()
}

// refresh is passed to the log while an operation waits for space.
func (s *Session) refresh() {
	s.e.epoch.ProtectAndDrain(s.slot)
}

// acknowledge records the session's cursor for the running checkpoint and
// moves it to the current version. It runs only at operation boundaries.
func (s *Session) acknowledge() {
	v := s.e.version.Load()
	s.e.ckpt.acknowledge(s.id, s.serial)
	s.version = v
}

func backoff(spins int) {
	if spins < 64 {
		runtime.Gosched()
		return
	}
	time.Sleep(50 * time.Microsecond)
}
