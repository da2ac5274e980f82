// Package minio stores database blobs on MinIO or any S3-compatible server
// (Ceph, Garage, SeaweedFS) through the MinIO client.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	})
//	if err != nil {
//	    return err
//	}
//	store := miniostore.NewStore(client, "fastkv", "prod/")
//	if err := store.EnsureBucket(ctx); err != nil {
//	    return err
//	}
//	db, err := fastkv.Open(ctx, cfg, fastkv.WithBlobStore(store))
//
// S3-compatible servers do not offer a conditional write, so two processes
// must not checkpoint to the same prefix. Use the s3 package with a DynamoDB
// commit table when that cannot be ruled out.
package minio
