package minio

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/hupe1980/fastkv/blobstore"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_KeyMapping(t *testing.T) {
	s := NewStore(nil, "bucket", "/prod/")
	assert.Equal(t, "prod/log/00000001.pg", s.key("log/00000001.pg"))
	assert.Equal(t, "log/00000001.pg", s.name("prod/log/00000001.pg"))

	bare := NewStore(nil, "bucket", "", WithPartSize(5<<20))
	assert.Equal(t, "CURRENT", bare.key("CURRENT"))
	assert.Equal(t, uint64(5<<20), bare.partSize)
}

func TestMapError(t *testing.T) {
	err := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	assert.Equal(t, blobstore.ErrNotFound, mapError(err))

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	assert.Equal(t, error(denied), mapError(denied))
}

// TestStore_Integration runs against the server in FASTKV_MINIO_ENDPOINT,
// e.g. localhost:9000 with the default minioadmin credentials.
func TestStore_Integration(t *testing.T) {
	endpoint := os.Getenv("FASTKV_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("FASTKV_MINIO_ENDPOINT not set")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
	})
	require.NoError(t, err)

	ctx := context.Background()
	store := NewStore(client, "fastkv-test", "it/")
	require.NoError(t, store.EnsureBucket(ctx))
	require.NoError(t, store.EnsureBucket(ctx))

	data := []byte("hello minio world")
	require.NoError(t, store.Put(ctx, "log/00000001.pg", data))

	got, err := blobstore.ReadAll(ctx, store, "log/00000001.pg")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	b, err := store.Open(ctx, "log/00000001.pg")
	require.NoError(t, err)
	rc, err := b.ReadRange(ctx, 6, 5)
	require.NoError(t, err)
	part, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "minio", string(part))
	require.NoError(t, rc.Close())

	buf := make([]byte, 10)
	n, err := b.ReadAt(ctx, buf, int64(len(data))-3)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, b.Close())

	w, err := store.Create(ctx, "checkpoints/000001/index")
	require.NoError(t, err)
	_, err = w.Write([]byte("streamed data"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Close(), io.ErrClosedPipe)

	names, err := store.List(ctx, "checkpoints/")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoints/000001/index"}, names)

	require.NoError(t, store.Delete(ctx, "log/00000001.pg"))
	require.NoError(t, store.Delete(ctx, "log/00000001.pg"))
	_, err = store.Open(ctx, "log/00000001.pg")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	_ = store.Delete(ctx, "checkpoints/000001/index")
}
