// Package fastkv provides an embeddable, persistent key-value store for Go
// built on a hybrid log.
//
// Recent records live in memory, where the newest pages accept in-place
// updates. Older pages are immutable and flushed to stable storage, and both
// share one logical address space addressed by a hash index. Reads that miss
// memory are served asynchronously and collected through the session.
//
// # Quick Start
//
//	ctx := context.Background()
//	cfg := fastkv.DefaultConfig()
//	cfg.StoragePath = "./data"
//
//	db, err := fastkv.Open(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	s, _ := db.StartSession()
//	defer s.Stop()
//
//	_, _ = s.Upsert([]byte("user:1"), []byte("alice"), 1)
//	res, _ := s.Read([]byte("user:1"), 2)
//	if res.Status == fastkv.StatusPending {
//	    _, _ = s.CompletePending(ctx, true)
//	    res, _ = res.Pending.Take()
//	}
//	if res.Status == fastkv.StatusOK {
//	    fmt.Println(string(res.Value.Bytes()))
//	    _ = res.Value.Release()
//	}
//
// # Sessions
//
// Every operation runs in a Session, which is used by one goroutine at a
// time. Operations carry a caller-chosen serial number that must not
// decrease within a session. After recovery, ContinueSession reports the
// last serial a checkpoint (or the journal) covers, so the caller knows which
// operations to resubmit.
//
// # Durability
//
// Without StoragePath or WithBlobStore the store runs in memory only and
// fails with ErrOutOfLogSpace when the log is full. With stable storage,
// Checkpoint persists a consistent prefix of every session. WithJournal
// additionally records each upsert and delete so that operations after the
// last checkpoint are replayed on Open.
//
// # Stable Storage
//
// Log pages, checkpoints and the CURRENT pointer are kept in a
// blobstore.BlobStore: the local file system, memory, Amazon S3 (optionally
// with a DynamoDB commit pointer) or MinIO.
package fastkv
