package engine

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hupe1980/fastkv/internal/hash"
	"github.com/hupe1980/fastkv/internal/hlog"
	"github.com/hupe1980/fastkv/internal/wal"
)

// Status is the outcome of an operation that did not fail.
type Status uint8

const (
	// StatusOK means the operation completed.
	StatusOK Status = iota
	// StatusPending means the result arrives through CompletePending.
	StatusPending
	// StatusNotFound means the key is absent or deleted.
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPending:
		return "pending"
	case StatusNotFound:
		return "not found"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ReadResult is the result of a read-like operation.
type ReadResult struct {
	Status Status
	// Value is set by Read on StatusOK. It is allocated for the caller.
	Value []byte
	// Size is the value length, set by ValueSize and Read on StatusOK.
	Size int
	// Pending is set on StatusPending.
	Pending *PendingRead
}

// Upsert inserts or replaces the value of key.
func (s *Session) Upsert(key, value []byte, serial uint64) error {
	return s.write(wal.RecordTypeUpsert, key, value, serial)
}

// Delete appends a tombstone for key, also when the key does not exist.
func (s *Session) Delete(key []byte, serial uint64) error {
	return s.write(wal.RecordTypeDelete, key, nil, serial)
}

// Read returns the value of key. Keys whose newest record is on the device
// yield StatusPending.
func (s *Session) Read(key []byte, serial uint64) (ReadResult, error) {
	return s.read(key, serial, kindRead)
}

// Has reports whether key exists, under the same rules as Read.
func (s *Session) Has(key []byte, serial uint64) (ReadResult, error) {
	return s.read(key, serial, kindHas)
}

// ValueSize returns the value length of key, under the same rules as Read.
func (s *Session) ValueSize(key []byte, serial uint64) (ReadResult, error) {
	return s.read(key, serial, kindSize)
}

func (s *Session) write(kind wal.RecordType, key, value []byte, serial uint64) error {
	if err := s.enter(serial); err != nil {
		return err
	}
	defer s.exit()

	if err := s.apply(key, value, kind == wal.RecordTypeDelete); err != nil {
		return err
	}
	s.serial = serial

	if j := s.e.journal; j != nil {
		s.e.epoch.Unprotect(s.slot)
		err := j.Append(&wal.Record{Type: kind, Session: s.id, Serial: serial, Key: key, Value: value})
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	return nil
}

// apply installs a value or tombstone for key. The session is protected.
func (s *Session) apply(key, value []byte, tombstone bool) error {
	e := s.e
	h := hash.Key(key)
	for {
		slot, entry := e.index.FindOrCreateEntry(h)
		// A record written in a newer version may already head the chain.
		if s.version != e.version.Load() {
			s.acknowledge()
			continue
		}

		prev := entry.Address()
		if _, r, ok := e.findInMemory(key, prev, e.log.ReadOnly()); ok {
			if r.Info().Version() == s.version&hlog.VersionMask && updateInPlace(r, value, tombstone) {
				return nil
			}
		}

		valueCap := hlog.ValueCapacity(len(key), len(value))
		size := hlog.RecordSize(len(key), valueCap)
		addr, err := e.log.Allocate(size, s.refresh)
		if errors.Is(err, hlog.ErrClosed) {
			return ErrClosed
		}
		if err != nil {
			return err
		}
		rec := hlog.WriteRecord(e.log.Slot(addr, size), hlog.MakeInfo(prev, s.version, tombstone), key, value, valueCap)
		if slot.CompareAndSwap(entry, entry.WithAddress(addr)) {
			return nil
		}
		// Lost the race; the record stays in the log but is never linked.
		rec.SetInfo(rec.Info().WithInvalid())
	}
}

func updateInPlace(r hlog.Record, value []byte, tombstone bool) bool {
	if !tombstone && len(value) > r.ValueCap() {
		return false
	}
	r.Lock()
	defer r.Unlock()

	info := r.Info()
	if info.Invalid() {
		return false
	}
	if !tombstone {
		r.UpdateValue(value)
	}
	if info.Tombstone() != tombstone {
		r.SetInfo(info.WithTombstone(tombstone))
	}
	return true
}

// findInMemory walks the chain from addr while it stays at or above floor
// and returns the newest valid record of key. Otherwise it returns the first
// address below floor.
func (e *Engine) findInMemory(key []byte, addr, floor uint64) (uint64, hlog.Record, bool) {
	for addr >= floor && addr >= hlog.FirstValidAddress {
		r := e.log.Get(addr)
		info := r.Info()
		if !info.Invalid() && bytes.Equal(r.Key(), key) {
			return addr, r, true
		}
		addr = info.PreviousAddress()
	}
	return addr, nil, false
}

func (s *Session) read(key []byte, serial uint64, kind readKind) (ReadResult, error) {
	if err := s.enter(serial); err != nil {
		return ReadResult{}, err
	}
	defer s.exit()
	s.serial = serial

	e := s.e
	_, entry, ok := e.index.FindEntry(hash.Key(key))
	if !ok {
		return ReadResult{Status: StatusNotFound}, nil
	}

	addr, r, found := e.findInMemory(key, entry.Address(), e.log.Head())
	if found {
		return e.resultOf(r, addr >= e.log.SafeReadOnly(), kind), nil
	}
	if addr < hlog.FirstValidAddress || addr < e.log.Begin() {
		return ReadResult{Status: StatusNotFound}, nil
	}

	p := s.pending.add(bytes.Clone(key), kind, addr)
	s.e.epoch.Unprotect(s.slot)
	e.submit(s, p)
	return ReadResult{Status: StatusPending, Pending: p}, nil
}

// resultOf builds the result for a record of the wanted key. Records that an
// in-place update may still touch are read under their lock.
func (e *Engine) resultOf(r hlog.Record, lock bool, kind readKind) ReadResult {
	if lock {
		r.Lock()
		defer r.Unlock()
	}
	if r.Info().Tombstone() {
		return ReadResult{Status: StatusNotFound}
	}
	res := ReadResult{Status: StatusOK, Size: r.ValueLen()}
	if kind == kindRead {
		res.Value = e.alloc(res.Size)
		copy(res.Value, r.Value())
	}
	return res
}
