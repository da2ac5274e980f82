package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hupe1980/fastkv/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(serial uint64) *Record {
	return &Record{Type: RecordTypeUpsert, Session: uuid.Nil, Serial: serial, Key: []byte("k"), Value: []byte("v")}
}

func TestSegment_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "00000001.jrnl")

	s, err := openSegment(fs.Default, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.append(testRecord(1)))
	require.NoError(t, s.close())
	require.ErrorIs(t, s.close(), os.ErrClosed)
	require.ErrorIs(t, s.append(testRecord(2)), os.ErrClosed)

	s, err = openSegment(fs.Default, path, Options{Durability: DurabilityAsync})
	require.NoError(t, err)
	require.NoError(t, s.append(testRecord(2)))
	require.NoError(t, s.sync())
	assert.Equal(t, s.written, s.synced)
	require.NoError(t, s.close())

	r, err := openSegmentReader(fs.Default, path)
	require.NoError(t, err)
	defer r.close()
	for want := uint64(1); want <= 2; want++ {
		rec, err := r.next()
		require.NoError(t, err)
		assert.Equal(t, want, rec.Serial)
	}
	_, err = r.next()
	assert.Equal(t, io.EOF, err)
}

func TestSegment_RejectsForeignFile(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.jrnl")
	require.NoError(t, os.WriteFile(short, []byte("FKV"), 0o644))
	_, err := openSegment(fs.Default, short, DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidHeader)

	foreign := filepath.Join(dir, "foreign.jrnl")
	require.NoError(t, os.WriteFile(foreign, []byte("NOTAJRNL\x01\x00\x00\x00"), 0o644))
	_, err = openSegment(fs.Default, foreign, DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidHeader)
	_, err = openSegmentReader(fs.Default, foreign)
	require.ErrorIs(t, err, ErrInvalidHeader)

	future := filepath.Join(dir, "future.jrnl")
	require.NoError(t, os.WriteFile(future, []byte("FKVJRNL1\x02\x00\x00\x00"), 0o644))
	_, err = openSegment(fs.Default, future, DefaultOptions())
	require.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestSegment_SyncFailureIsSticky(t *testing.T) {
	path := filepath.Join(t.TempDir(), "00000001.jrnl")
	s, err := openSegment(fs.Default, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.close())

	// Reopening an existing file does not sync, so only appends hit the fault.
	injected := errors.New("fsync failed")
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".jrnl", fs.Fault{FailAfterBytes: -1, FailOnSync: true, Err: injected})

	s, err = openSegment(ffs, path, DefaultOptions())
	require.NoError(t, err)
	require.ErrorIs(t, s.append(testRecord(1)), injected)
	require.ErrorIs(t, s.append(testRecord(2)), injected)
	assert.Equal(t, int64(1), ffs.Injected())
}

func TestSegment_GroupCommitSharesSyncs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "00000001.jrnl")
	s, err := openSegment(fs.Default, path, DefaultOptions())
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.append(testRecord(uint64(i))))
		}()
	}
	wg.Wait()

	assert.Equal(t, s.written, s.synced)
	assert.Equal(t, int64(segmentHeaderSize+n*testRecord(0).Size()), s.written)
	require.NoError(t, s.close())
}
