package cli

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"github.com/hupe1980/fastkv"
	"github.com/hupe1980/fastkv/blobstore"
	miniostore "github.com/hupe1980/fastkv/blobstore/minio"
	s3store "github.com/hupe1980/fastkv/blobstore/s3"
)

// remoteStore returns the blob store selected by the remote flags, or nil.
func (f *storeFlags) remoteStore(ctx context.Context) (blobstore.BlobStore, error) {
	if f.s3Bucket == "" {
		return nil, nil
	}
	prefix := f.s3Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	if f.minioAddr != "" {
		client, err := minio.New(f.minioAddr, &minio.Options{
			Creds:  credentials.NewStaticV4(f.minioKey, f.minioSec, ""),
			Secure: f.minioHTTPS,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		st := miniostore.NewStore(client, f.s3Bucket, prefix)
		if err := st.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return st, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	st := s3store.NewStore(awss3.NewFromConfig(awsCfg), f.s3Bucket, prefix)
	if f.ddbTable == "" {
		return st, nil
	}
	baseURI := "s3://" + f.s3Bucket + "/" + prefix
	return s3store.NewDDBCommitStore(st, dynamodb.NewFromConfig(awsCfg), f.ddbTable, baseURI), nil
}

// open opens the store described by the flags.
func (f *storeFlags) open(cmd *cobra.Command, extra ...fastkv.Option) (*fastkv.DB, error) {
	ctx := cmd.Context()
	cfg, err := f.config()
	if err != nil {
		return nil, err
	}
	logger, err := f.logger(cmd)
	if err != nil {
		return nil, err
	}
	compression, err := f.compressionOf()
	if err != nil {
		return nil, err
	}

	opts := []fastkv.Option{
		fastkv.WithLogger(logger),
		fastkv.WithCompression(compression),
	}
	if f.pageBits > 0 {
		opts = append(opts, fastkv.WithPageSizeBits(f.pageBits))
	}
	remote, err := f.remoteStore(ctx)
	if err != nil {
		return nil, err
	}
	if remote != nil {
		opts = append(opts, fastkv.WithBlobStore(remote))
	}
	if f.journal {
		if f.path == "" {
			return nil, fmt.Errorf("--journal needs --path for the journal directory")
		}
		dir := ""
		if remote != nil {
			dir = f.path
		}
		opts = append(opts, fastkv.WithJournal(dir, fastkv.DurabilitySync))
	}
	return fastkv.Open(ctx, cfg, append(opts, extra...)...)
}

// hasStorage reports whether the flags select stable storage.
func (f *storeFlags) hasStorage() bool {
	return f.path != "" || f.s3Bucket != ""
}
