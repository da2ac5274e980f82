// Package fs abstracts the local file operations of the journal and the
// local blob store so tests can inject I/O faults.
//
// Production code uses [Default]. Tests wrap it in a [FaultyFS]:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".jrnl", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//	j, err := wal.OpenJournal(ffs, dir, wal.DefaultOptions(), nil)
//
// Operations take no context: local syscalls cannot be interrupted. Remote
// storage goes through blobstore, which does.
package fs
