package blockstore

import (
	"context"
	"fmt"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fastkv"
	"github.com/hupe1980/fastkv/blobstore"
)

func testOptions() Options {
	return Options{
		Config: &fastkv.Config{
			TableSize:          1 << 10,
			LogSize:            256 << 10,
			LogMutableFraction: 0.9,
		},
		Sessions: 4,
	}
}

func openTestStore(t *testing.T, path string, o Options) *Blockstore {
	t.Helper()
	bs, err := Open(context.Background(), path, o, fastkv.WithPageSizeBits(12))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })
	return bs
}

func TestNewRawBlock(t *testing.T) {
	blk, err := NewRawBlock([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.Raw), blk.Cid().Type())
	assert.Equal(t, uint64(1), blk.Cid().Version())

	ok, err := verify(blk.Cid(), blk.RawData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verify(blk.Cid(), []byte("other"))
	require.NoError(t, err)
	assert.False(t, ok)

	// CIDv0 and CIDv1 of the same data are distinct keys.
	v0 := blocks.NewBlock([]byte("hello"))
	assert.NotEqual(t, keyOf(v0.Cid()), keyOf(blk.Cid()))
}

func TestBlockstore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t, t.TempDir(), testOptions())
	blk := blocks.NewBlock([]byte("some block data"))

	has, err := bs.Has(ctx, blk.Cid())
	require.NoError(t, err)
	assert.False(t, has)

	_, err = bs.Get(ctx, blk.Cid())
	require.ErrorIs(t, err, ErrNotFound)
	size, err := bs.GetSize(ctx, blk.Cid())
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, -1, size)

	require.NoError(t, bs.Put(ctx, blk))

	has, err = bs.Has(ctx, blk.Cid())
	require.NoError(t, err)
	assert.True(t, has)

	got, err := bs.Get(ctx, blk.Cid())
	require.NoError(t, err)
	assert.True(t, blk.Cid().Equals(got.Cid()))
	assert.Equal(t, blk.RawData(), got.RawData())

	size, err = bs.GetSize(ctx, blk.Cid())
	require.NoError(t, err)
	assert.Equal(t, len(blk.RawData()), size)

	require.NoError(t, bs.DeleteBlock(ctx, blk.Cid()))
	has, err = bs.Has(ctx, blk.Cid())
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, bs.DeleteBlock(ctx, blk.Cid()))
}

func TestBlockstore_PutManyAndReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()
	o := testOptions()
	o.CheckpointOnClose = true

	blks := make([]blocks.Block, 200)
	for i := range blks {
		blk, err := NewRawBlock([]byte(fmt.Sprintf("block-%d", i)))
		require.NoError(t, err)
		blks[i] = blk
	}

	bs, err := Open(ctx, path, o, fastkv.WithPageSizeBits(12))
	require.NoError(t, err)
	require.NoError(t, bs.PutMany(ctx, blks))
	require.NoError(t, bs.Close())
	require.ErrorIs(t, bs.Close(), ErrClosed)

	_, err = bs.Has(ctx, blks[0].Cid())
	require.ErrorIs(t, err, ErrClosed)

	bs = openTestStore(t, path, o)
	for _, blk := range blks {
		got, err := bs.Get(ctx, blk.Cid())
		require.NoError(t, err)
		assert.Equal(t, blk.RawData(), got.RawData())
	}
}

func TestBlockstore_HashOnRead(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t, t.TempDir(), testOptions())

	// A block stored under a CID that does not match its data.
	bad, err := blocks.NewBlockWithCid([]byte("actual"), blocks.NewBlock([]byte("expected")).Cid())
	require.NoError(t, err)
	require.NoError(t, bs.Put(ctx, bad))

	_, err = bs.Get(ctx, bad.Cid())
	require.NoError(t, err)

	bs.HashOnRead(true)
	_, err = bs.Get(ctx, bad.Cid())
	require.ErrorIs(t, err, ErrHashMismatch)

	good := blocks.NewBlock([]byte("good"))
	require.NoError(t, bs.Put(ctx, good))
	got, err := bs.Get(ctx, good.Cid())
	require.NoError(t, err)
	assert.Equal(t, good.RawData(), got.RawData())
}

func TestBlockstore_WrapsExistingDB(t *testing.T) {
	ctx := context.Background()
	db, err := fastkv.Open(ctx, *testOptions().Config,
		fastkv.WithPageSizeBits(12),
		fastkv.WithBlobStore(blobstore.NewMemoryStore()),
	)
	require.NoError(t, err)
	defer db.Close()

	bs, err := New(db, Options{Sessions: 2})
	require.NoError(t, err)
	assert.Same(t, db, bs.DB())

	blk := blocks.NewBlock([]byte("x"))
	require.NoError(t, bs.Put(ctx, blk))
	require.NoError(t, bs.Checkpoint(ctx))
	require.NoError(t, bs.Close())

	// The store stays open after the adapter is closed.
	s, err := db.StartSession()
	require.NoError(t, err)
	v, ok, err := s.Get(ctx, blk.Cid().Bytes(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), v)
}

func TestBlockstore_TooManySessions(t *testing.T) {
	ctx := context.Background()
	db, err := fastkv.Open(ctx, *testOptions().Config, fastkv.WithMaxSessions(2))
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, Options{Sessions: 3})
	require.ErrorIs(t, err, fastkv.ErrTooManySessions)

	// Sessions started before the failure were stopped.
	bs, err := New(db, Options{Sessions: 2})
	require.NoError(t, err)
	require.NoError(t, bs.Close())
}
