package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fastkv/blobstore"
	"github.com/hupe1980/fastkv/internal/checkpoint"
	"github.com/hupe1980/fastkv/internal/device"
	"github.com/hupe1980/fastkv/internal/wal"
)

func openStoreEngine(t *testing.T, store blobstore.BlobStore, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithPageBits(12), WithIOWorkers(2), WithBlobStore(store)}, opts...)
	e, err := Open(context.Background(), testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCheckpoint_MemoryOnly(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Checkpoint(context.Background())
	require.ErrorIs(t, err, ErrNoStorage)
}

func TestCheckpoint_InProgress(t *testing.T) {
	e := openStoreEngine(t, blobstore.NewMemoryStore())

	e.ckpt.state.Store(int32(PhaseWriting))
	_, err := e.Checkpoint(context.Background())
	require.ErrorIs(t, err, ErrCheckpointInProgress)
	assert.Equal(t, PhaseWriting, e.Phase())

	e.ckpt.reset()
	_, err = e.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, e.Phase())
}

func TestCheckpoint_RecoverRestoresState(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	e := openStoreEngine(t, store)
	s := startSession(t, e)

	require.NoError(t, s.Upsert([]byte("a"), []byte("1"), 1))
	require.NoError(t, s.Upsert([]byte("b"), []byte("2"), 2))
	require.NoError(t, s.Upsert([]byte("c"), []byte("3"), 3))
	require.NoError(t, s.Delete([]byte("b"), 4))
	require.NoError(t, s.Upsert([]byte("a"), []byte("11"), 5))

	meta, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	cursor, ok := meta.Cursor(s.ID())
	require.True(t, ok)
	assert.Equal(t, uint64(5), cursor)
	assert.Equal(t, meta, e.LastCheckpoint())

	// Not covered by the checkpoint.
	require.NoError(t, s.Upsert([]byte("d"), []byte("4"), 6))
	assert.Equal(t, nextVersion(1), s.Version())
	require.NoError(t, e.Close())

	e2 := openStoreEngine(t, store)
	s2, cursor, err := e2.ContinueSession(s.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cursor)
	assert.Equal(t, meta.ID, e2.LastCheckpoint().ID)

	want := map[string]string{"a": "11", "c": "3"}
	for _, key := range []string{"a", "b", "c", "d"} {
		status, got := readValue(t, s2, []byte(key), 6)
		if v, ok := want[key]; ok {
			require.Equal(t, StatusOK, status, key)
			assert.Equal(t, v, string(got), key)
		} else {
			assert.Equal(t, StatusNotFound, status, key)
		}
	}

	// The recovered engine keeps working and checkpointing.
	require.NoError(t, s2.Upsert([]byte("e"), []byte("5"), 7))
	meta2, err := e2.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Greater(t, meta2.ID, meta.ID)
	assert.Greater(t, meta2.Version, meta.Version)
	require.NoError(t, e2.Close())

	e3 := openStoreEngine(t, store)
	s3, cursor, err := e3.ContinueSession(s.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cursor)
	status, got := readValue(t, s3, []byte("e"), 8)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, []byte("5"), got)
}

func TestCheckpoint_RecoverEvictedRecords(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	cfg := Config{TableSize: 1 << 10, LogSize: 16 << 10, MutableFraction: 0.5}
	open := func() *Engine {
		e, err := Open(ctx, cfg, WithPageBits(10), WithIOWorkers(2), WithBlobStore(store), WithCodec(device.CodecZstd))
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })
		return e
	}

	e := open()
	s := startSession(t, e)
	for i := 0; i < evictedKeys; i++ {
		require.NoError(t, s.Upsert(pendingKey(i), pendingValue(i), uint64(i+1)))
	}
	_, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2 := open()
	s2, _, err := e2.ContinueSession(s.ID())
	require.NoError(t, err)
	for i := 0; i < evictedKeys; i += 37 {
		status, got := readValue(t, s2, pendingKey(i), evictedKeys)
		require.Equal(t, StatusOK, status, i)
		assert.Equal(t, pendingValue(i), got, i)
	}
}

func TestCheckpoint_AcknowledgesIdleSessions(t *testing.T) {
	e := openStoreEngine(t, blobstore.NewMemoryStore())
	idle := startSession(t, e)
	used := startSession(t, e)
	require.NoError(t, used.Upsert([]byte("k"), []byte("v"), 3))

	meta, err := e.Checkpoint(context.Background())
	require.NoError(t, err)

	cursor, ok := meta.Cursor(idle.ID())
	require.True(t, ok)
	assert.Equal(t, uint64(0), cursor)
	cursor, ok = meta.Cursor(used.ID())
	require.True(t, ok)
	assert.Equal(t, uint64(3), cursor)

	assert.Equal(t, nextVersion(1), idle.Version())
}

func TestCheckpoint_KeepsStoppedSessionCursor(t *testing.T) {
	store := blobstore.NewMemoryStore()
	e := openStoreEngine(t, store)
	s := startSession(t, e)
	require.NoError(t, s.Upsert([]byte("k"), []byte("v"), 4))
	require.NoError(t, s.Stop())

	meta, err := e.Checkpoint(context.Background())
	require.NoError(t, err)
	cursor, ok := meta.Cursor(s.ID())
	require.True(t, ok)
	assert.Equal(t, uint64(4), cursor)
	require.NoError(t, e.Close())

	e2 := openStoreEngine(t, store)
	_, cursor, err = e2.ContinueSession(s.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cursor)
}

func TestCheckpoint_Retention(t *testing.T) {
	ctx := context.Background()
	e := openStoreEngine(t, blobstore.NewMemoryStore(), WithCheckpointRetention(1))
	s := startSession(t, e)

	var last *checkpoint.Metadata
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Upsert([]byte("k"), []byte(fmt.Sprint(i)), uint64(i)))
		meta, err := e.Checkpoint(ctx)
		require.NoError(t, err)
		last = meta
	}

	ids, err := e.checkpoints.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{last.ID}, ids)
}

func TestCheckpoint_ConcurrentWritersArePrefixConsistent(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	e := openStoreEngine(t, store)

	const writers = 4
	const perWriter = 500

	sessions := make([]*Session, writers)
	for w := range sessions {
		sessions[w] = startSession(t, e)
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w, s := range sessions {
		wg.Add(1)
		go func(w int, s *Session) {
			defer wg.Done()
			for i := 1; i <= perWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-%d", w, i))
				if err := s.Upsert(key, key, uint64(i)); err != nil {
					errs <- err
					return
				}
			}
		}(w, s)
	}

	meta, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	e2 := openStoreEngine(t, store)
	for w, s := range sessions {
		cursor, ok := meta.Cursor(s.ID())
		require.True(t, ok)

		s2, resumed, err := e2.ContinueSession(s.ID())
		require.NoError(t, err)
		require.Equal(t, cursor, resumed)

		for i := 1; i <= perWriter; i++ {
			key := []byte(fmt.Sprintf("w%d-%d", w, i))
			status, got := readValue(t, s2, key, cursor)
			if uint64(i) <= cursor {
				require.Equal(t, StatusOK, status, "%s at cursor %d", key, cursor)
				require.Equal(t, key, got)
			} else {
				require.Equal(t, StatusNotFound, status, "%s at cursor %d", key, cursor)
			}
		}
	}
}

func TestJournal_ReplaysPastCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	dir := t.TempDir()
	open := func() *Engine {
		return openStoreEngine(t, store, WithJournal(dir, wal.DurabilitySync))
	}

	e := open()
	s := startSession(t, e)
	require.NoError(t, s.Upsert([]byte("a"), []byte("1"), 1))
	require.NoError(t, s.Upsert([]byte("b"), []byte("2"), 2))
	_, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Upsert([]byte("c"), []byte("3"), 3))
	require.NoError(t, s.Delete([]byte("a"), 4))
	require.NoError(t, s.Upsert([]byte("b"), []byte("22"), 5))
	require.NoError(t, e.Close())

	check := func(e *Engine) {
		s, cursor, err := e.ContinueSession(s.ID())
		require.NoError(t, err)
		assert.Equal(t, uint64(5), cursor)

		status, _ := readValue(t, s, []byte("a"), 5)
		assert.Equal(t, StatusNotFound, status)
		status, got := readValue(t, s, []byte("b"), 5)
		require.Equal(t, StatusOK, status)
		assert.Equal(t, []byte("22"), got)
		status, got = readValue(t, s, []byte("c"), 5)
		require.Equal(t, StatusOK, status)
		assert.Equal(t, []byte("3"), got)
		require.NoError(t, s.Stop())
	}

	e2 := open()
	check(e2)
	require.NoError(t, e2.Close())

	// Replaying again yields the same state.
	e3 := open()
	check(e3)
}

func TestJournal_ReplayWithoutCheckpoint(t *testing.T) {
	store := blobstore.NewMemoryStore()
	dir := t.TempDir()

	e := openStoreEngine(t, store, WithJournal(dir, wal.DurabilityAsync))
	s := startSession(t, e)
	for i := 1; i <= 20; i++ {
		require.NoError(t, s.Upsert([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)), uint64(i)))
	}
	require.NoError(t, e.Close())

	e2 := openStoreEngine(t, store, WithJournal(dir, wal.DurabilityAsync))
	s2, cursor, err := e2.ContinueSession(s.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), cursor)
	for i := 1; i <= 20; i++ {
		status, got := readValue(t, s2, []byte(fmt.Sprintf("k%d", i)), 20)
		require.Equal(t, StatusOK, status)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(got))
	}
}

func TestOpen_CorruptCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	e := openStoreEngine(t, store)
	s := startSession(t, e)
	require.NoError(t, s.Upsert([]byte("k"), []byte("v"), 1))
	meta, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	require.NoError(t, store.Put(ctx, checkpoint.Dir(meta.ID)+"/meta", []byte("garbage")))

	_, err = Open(ctx, testConfig(), WithPageBits(12), WithBlobStore(store))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestContinueSession_Unknown(t *testing.T) {
	e := openStoreEngine(t, blobstore.NewMemoryStore())
	_, _, err := e.ContinueSession(uuid.New())
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestStats(t *testing.T) {
	e := openStoreEngine(t, blobstore.NewMemoryStore())
	s := startSession(t, e)
	require.NoError(t, s.Upsert([]byte("k"), []byte("v"), 1))
	_, err := e.Checkpoint(context.Background())
	require.NoError(t, err)

	st := e.Stats()
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, uint64(1<<10), st.IndexBuckets)
	assert.Equal(t, uint64(1), st.IndexEntries)
	assert.Equal(t, nextVersion(1), st.Version)
	assert.NotZero(t, st.LastCheckpoint)
	assert.Equal(t, PhaseIdle, st.CheckpointPhase)
	assert.Greater(t, st.FlushedPages, int64(0))
}
