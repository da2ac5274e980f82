// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "dbs/blocks/")
//
//	db, err := fastkv.Open(ctx, fastkv.DefaultConfig(), fastkv.WithBlobStore(store))
//
// Use DDBCommitStore when several processes may race to publish checkpoints:
// it moves the CURRENT pointer into a DynamoDB conditional write.
//
// # Features
//
//   - Range reads for page fetches
//   - Single-request atomic Put with CRC32C integrity checking
//   - Multipart uploads for streaming writes
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
