package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/fastkv/internal/fs"
)

// Durability controls when an append returns.
type Durability int

const (
	// DurabilityAsync returns once the record reached the kernel. A machine
	// crash may lose the tail of the journal.
	DurabilityAsync Durability = iota
	// DurabilitySync returns once the record is fsync'd. Concurrent appends
	// share one fsync (group commit).
	DurabilitySync
)

const (
	segmentMagic      = "FKVJRNL1"
	segmentVersion    = 1
	segmentHeaderSize = 12 // magic + version
)

var (
	ErrIncompatibleVersion = errors.New("incompatible journal version")
	ErrInvalidHeader       = errors.New("invalid journal header")
)

// Options configures a journal.
type Options struct {
	Durability Durability
}

// DefaultOptions returns synchronous durability.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

func checkHeader(h []byte) error {
	if string(h[:8]) != segmentMagic {
		return fmt.Errorf("%w: magic %q", ErrInvalidHeader, h[:8])
	}
	if v := binary.LittleEndian.Uint32(h[8:12]); v != segmentVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrIncompatibleVersion, v, segmentVersion)
	}
	return nil
}

// segment is one journal generation file.
//
// Appends encode under mu and hand the bytes to the kernel. In sync mode the
// appender then waits until an fsync covers its record. Whoever finds no
// fsync running becomes the leader and syncs everything written so far;
// the others wait on cond for the leader's result.
type segment struct {
	path string
	file fs.File
	opts Options

	mu      sync.Mutex
	cond    *sync.Cond
	buf     *bufio.Writer
	written int64 // end offset of the last appended record
	synced  int64 // end offset known to be durable
	syncing bool
	closed  bool
	err     error // sticky fsync failure
}

func openSegment(fsys fs.FileSystem, path string, opts Options) (*segment, error) {
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*segment, error) {
		_ = f.Close()
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	size := st.Size()
	switch {
	case size == 0:
		h := make([]byte, segmentHeaderSize)
		copy(h, segmentMagic)
		binary.LittleEndian.PutUint32(h[8:], segmentVersion)
		if _, err := f.Write(h); err != nil {
			return fail(err)
		}
		if err := f.Sync(); err != nil {
			return fail(err)
		}
		size = segmentHeaderSize
	case size < segmentHeaderSize:
		return fail(fmt.Errorf("%w: %d bytes", ErrInvalidHeader, size))
	default:
		h := make([]byte, segmentHeaderSize)
		if _, err := f.ReadAt(h, 0); err != nil {
			return fail(err)
		}
		if err := checkHeader(h); err != nil {
			return fail(err)
		}
	}

	s := &segment{
		path:    path,
		file:    f,
		opts:    opts,
		buf:     bufio.NewWriter(f),
		written: size,
		synced:  size,
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

func (s *segment) append(rec *Record) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return os.ErrClosed
	}
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	if err := rec.Encode(s.buf); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.buf.Flush(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.written += int64(rec.Size())
	end := s.written
	s.mu.Unlock()

	if s.opts.Durability == DurabilityAsync {
		return nil
	}
	return s.commit(end)
}

// commit waits until everything up to end is durable, running the fsync
// itself when no other goroutine is.
func (s *segment) commit(end int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.synced < end {
		if s.err != nil {
			return s.err
		}
		if s.syncing {
			s.cond.Wait()
			continue
		}

		s.syncing = true
		target := s.written
		s.mu.Unlock()
		err := s.file.Sync()
		s.mu.Lock()
		s.syncing = false

		if err != nil {
			s.err = fmt.Errorf("journal sync: %w", err)
		} else {
			s.synced = max(s.synced, target)
		}
		s.cond.Broadcast()
	}
	return nil
}

func (s *segment) sync() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return os.ErrClosed
	}
	end := s.written
	s.mu.Unlock()
	return s.commit(end)
}

// close syncs every appended record and closes the file.
func (s *segment) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return os.ErrClosed
	}
	s.closed = true
	end := s.written
	s.mu.Unlock()

	err := s.commit(end)
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// segmentReader iterates over the records of a generation file.
type segmentReader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

func openSegmentReader(fsys fs.FileSystem, path string) (*segmentReader, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	h := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(f, h); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if err := checkHeader(h); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentReader{f: f, r: bufio.NewReader(f), offset: segmentHeaderSize}, nil
}

// next returns the next record, or io.EOF after the last one.
func (r *segmentReader) next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

func (r *segmentReader) close() error {
	return r.f.Close()
}
