package s3

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hupe1980/fastkv/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockS3Client mocks the S3 API with testify/mock.
type mockS3Client struct {
	mock.Mock
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.HeadObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.DeleteObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.ListObjectsV2Output)
	return out, args.Error(1)
}

func (m *mockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.UploadPartOutput)
	return out, args.Error(1)
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.CreateMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.CompleteMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.AbortMultipartUploadOutput)
	return out, args.Error(1)
}

func TestStore_OpenNotFound(t *testing.T) {
	client := &mockS3Client{}
	client.On("HeadObject", mock.Anything, mock.Anything).
		Return(nil, &types.NotFound{Message: aws.String("missing")})

	store := NewStore(client, "bucket", "db/")
	_, err := store.Open(context.Background(), "log/00000001.pg")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	client.AssertExpectations(t)
}

func TestStore_PutSetsKeyAndChecksum(t *testing.T) {
	client := &mockS3Client{}
	data := []byte("page payload")

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Bucket) == "bucket" &&
			aws.ToString(in.Key) == "db/log/00000007.pg" &&
			aws.ToString(in.ChecksumCRC32C) == computeCRC32C(data) &&
			aws.ToInt64(in.ContentLength) == int64(len(data))
	})).Return(&s3.PutObjectOutput{}, nil)

	store := NewStore(client, "bucket", "db/")
	require.NoError(t, store.Put(context.Background(), "log/00000007.pg", data))
	client.AssertExpectations(t)
}

func TestStore_ReadAtUsesRange(t *testing.T) {
	client := &mockS3Client{}
	client.On("HeadObject", mock.Anything, mock.Anything).
		Return(&s3.HeadObjectOutput{ContentLength: aws.Int64(10)}, nil)
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Range) == "bytes=6-9"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("6789")))}, nil)

	store := NewStore(client, "bucket", "")
	blob, err := store.Open(context.Background(), "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, int64(10), blob.Size())

	buf := make([]byte, 8)
	n, err := blob.ReadAt(context.Background(), buf, 6)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)
	assert.Equal(t, "6789", string(buf[:n]))

	_, err = blob.ReadAt(context.Background(), buf, 10)
	assert.ErrorIs(t, err, io.EOF)
	client.AssertExpectations(t)
}

func TestStore_ListStripsPrefix(t *testing.T) {
	client := &mockS3Client{}
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "db/log/"
	})).Return(&s3.ListObjectsV2Output{
		Contents: []types.Object{
			{Key: aws.String("db/log/00000002.pg")},
			{Key: aws.String("db/log/00000001.pg")},
		},
	}, nil)

	store := NewStore(client, "bucket", "db/")
	names, err := store.List(context.Background(), "log/")
	require.NoError(t, err)
	assert.Equal(t, []string{"log/00000001.pg", "log/00000002.pg"}, names)
}

func TestStore_DeleteMissingIsNoError(t *testing.T) {
	client := &mockS3Client{}
	client.On("DeleteObject", mock.Anything, mock.Anything).
		Return(nil, &types.NoSuchKey{Message: aws.String("gone")})

	store := NewStore(client, "bucket", "db/")
	require.NoError(t, store.Delete(context.Background(), "log/00000001.pg"))

	other := &mockS3Client{}
	boom := errors.New("access denied")
	other.On("DeleteObject", mock.Anything, mock.Anything).Return(nil, boom)
	require.ErrorIs(t, NewStore(other, "bucket", "").Delete(context.Background(), "x"), boom)
}

func TestIntegration_S3Store(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: S3_BUCKET not set")
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg)

	prefix := fmt.Sprintf("test-fastkv-%d/", time.Now().UnixNano())
	store := NewStore(client, bucket, prefix)

	name := "log/00000001.pg"
	data := make([]byte, 1024*1024)
	_, _ = rand.Read(data)

	w, err := store.Create(ctx, name)
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, w.Close())

	blobs, err := store.List(ctx, "log/")
	require.NoError(t, err)
	assert.Contains(t, blobs, name)

	got, err := blobstore.ReadAll(ctx, store, name)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, name))
	_, err = store.Open(ctx, name)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
