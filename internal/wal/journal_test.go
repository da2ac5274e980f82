package wal

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hupe1980/fastkv/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, j *Journal, from uint64) []*Record {
	t.Helper()
	var out []*Record
	require.NoError(t, j.Replay(from, func(r *Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func TestJournal_RollAndReplay(t *testing.T) {
	dir := t.TempDir()
	sid := uuid.New()

	j, err := OpenJournal(nil, dir, DefaultOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), j.Generation())

	require.NoError(t, j.Append(&Record{Type: RecordTypeUpsert, Session: sid, Serial: 1, Key: []byte("a"), Value: []byte("1")}))
	gen, err := j.Roll()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	require.NoError(t, j.Append(&Record{Type: RecordTypeDelete, Session: sid, Serial: 2, Key: []byte("a")}))
	require.NoError(t, j.Close())

	// Reopening starts generation 3 and replays 1..2.
	j2, err := OpenJournal(nil, dir, DefaultOptions(), nil)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint64(3), j2.Generation())

	all := collect(t, j2, 1)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(1), all[0].Serial)
	assert.Equal(t, RecordTypeDelete, all[1].Type)

	fromTwo := collect(t, j2, 2)
	require.Len(t, fromTwo, 1)
	assert.Equal(t, uint64(2), fromTwo[0].Serial)

	require.NoError(t, j2.Prune(2))
	gens, err := j2.Generations()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, gens)
}

func TestJournal_TornTailEndsGeneration(t *testing.T) {
	dir := t.TempDir()
	sid := uuid.New()

	j, err := OpenJournal(nil, dir, Options{Durability: DurabilityAsync}, nil)
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, j.Append(&Record{Type: RecordTypeUpsert, Session: sid, Serial: i, Key: []byte("k"), Value: []byte("vvvv")}))
	}
	require.NoError(t, j.Close())

	path := filepath.Join(dir, "00000001.jrnl")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	j2, err := OpenJournal(nil, dir, DefaultOptions(), nil)
	require.NoError(t, err)
	defer j2.Close()

	recs := collect(t, j2, 1)
	assert.Len(t, recs, 2)
}

func TestJournal_GroupCommitConcurrency(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(nil, dir, Options{Durability: DurabilitySync}, nil)
	require.NoError(t, err)

	const (
		writers = 16
		each    = 50
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		sid := uuid.New()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= each; i++ {
				if err := j.Append(&Record{Type: RecordTypeUpsert, Session: sid, Serial: uint64(i), Key: []byte("k"), Value: []byte("v")}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, j.Close())

	j2, err := OpenJournal(nil, dir, DefaultOptions(), nil)
	require.NoError(t, err)
	defer j2.Close()

	perSession := map[uuid.UUID]uint64{}
	require.NoError(t, j2.Replay(1, func(r *Record) error {
		assert.Equal(t, perSession[r.Session]+1, r.Serial, "per-session order preserved")
		perSession[r.Session] = r.Serial
		return nil
	}))
	assert.Len(t, perSession, writers)
}

func TestJournal_SyncFailureSurfaces(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	injected := errors.New("fsync failed")
	ffs.AddRule(".jrnl", fs.Fault{FailAfterBytes: -1, FailOnSync: true, Err: injected})

	// The header sync on open already fails.
	_, err := OpenJournal(ffs, t.TempDir(), DefaultOptions(), nil)
	require.ErrorIs(t, err, injected)
}
