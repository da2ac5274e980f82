// Package blobstore provides the storage abstraction behind a fastkv database.
//
// A BlobStore holds the stable region of the hybrid log (one blob per page),
// checkpoint artifacts (metadata and index snapshots), journal generations and
// the CURRENT pointer that names the latest complete checkpoint.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: Local filesystem, atomic writes via temp file + rename, mmap reads
//   - MemoryStore: In-process, for tests and ephemeral databases
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - s3.DDBCommitStore: S3 plus a DynamoDB conditional write for CURRENT
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)            // Open for reading
//	    Create(ctx, name) (WritableBlob, error)  // Create for writing
//	    Put(ctx, name, data) error               // Atomic write
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Put must be atomic: readers observe either the old or the new content.
// Recovery relies on this for the CURRENT pointer.
package blobstore
