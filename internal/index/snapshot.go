package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	snapshotMagic   = "FKVINDEX"
	snapshotVersion = 1
)

// ErrCorruptSnapshot is returned when a snapshot cannot be decoded.
var ErrCorruptSnapshot = errors.New("index: corrupt snapshot")

type snapshotHeader struct {
	Magic    [8]byte
	Version  uint32
	_        uint32
	Size     uint64
	Overflow uint64
}

// Snapshot writes a fuzzy copy of the index to w. Tentative entries are
// written as free.
func (ix *Index) Snapshot(w io.Writer) error {
	return ix.SnapshotWith(w, nil)
}

// SnapshotWith is Snapshot with every used entry passed through fix before
// it is written. Checkpoints use it to rewind entries that point past the
// checkpoint cut.
func (ix *Index) SnapshotWith(w io.Writer, fix func(Entry) (Entry, error)) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(zw, 1<<16)

	// Links to overflow buckets allocated after this point are dropped.
	n := ix.overflowCount.Load()

	hdr := snapshotHeader{Version: snapshotVersion, Size: ix.Size(), Overflow: n}
	copy(hdr.Magic[:], snapshotMagic)
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	var buf [8 * (EntriesPerBucket + 1)]byte
	writeBucket := func(b *bucket) error {
		for i := range b.entries {
			e := Entry(b.entries[i].Load())
			if e.Tentative() {
				e = 0
			}
			if fix != nil && !e.Free() {
				var err error
				if e, err = fix(e); err != nil {
					return err
				}
			}
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(e))
		}
		next := b.overflow.Load()
		if next > n {
			next = 0
		}
		binary.LittleEndian.PutUint64(buf[EntriesPerBucket*8:], next)
		_, err := bw.Write(buf[:])
		return err
	}

	for i := range ix.buckets {
		if err := writeBucket(&ix.buckets[i]); err != nil {
			return err
		}
	}
	for pos := uint64(1); pos <= n; pos++ {
		if err := writeBucket(ix.overflow(pos)); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

// Restore reads an index written by Snapshot.
func Restore(r io.Reader) (*Index, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	br := bufio.NewReaderSize(zr, 1<<16)

	var hdr snapshotHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorruptSnapshot, err)
	}
	if string(hdr.Magic[:]) != snapshotMagic || hdr.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: bad magic or version", ErrCorruptSnapshot)
	}

	ix, err := New(hdr.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	var buf [8 * (EntriesPerBucket + 1)]byte
	readBucket := func(b *bucket) error {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
		}
		for i := range b.entries {
			b.entries[i].Store(binary.LittleEndian.Uint64(buf[i*8:]))
		}
		next := binary.LittleEndian.Uint64(buf[EntriesPerBucket*8:])
		if next > hdr.Overflow {
			return fmt.Errorf("%w: overflow link %d out of range", ErrCorruptSnapshot, next)
		}
		b.overflow.Store(next)
		return nil
	}

	for i := range ix.buckets {
		if err := readBucket(&ix.buckets[i]); err != nil {
			return nil, err
		}
	}
	for pos := uint64(1); pos <= hdr.Overflow; pos++ {
		if got := ix.allocOverflow(); got != pos {
			return nil, fmt.Errorf("%w: overflow allocation", ErrCorruptSnapshot)
		}
		if err := readBucket(ix.overflow(pos)); err != nil {
			return nil, err
		}
	}
	return ix, nil
}
