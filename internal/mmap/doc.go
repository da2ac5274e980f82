// Package mmap maps memory for the hybrid log and the local blob store.
//
// [MapFrames] reserves the in-memory page frames of a pre-allocated log as
// one anonymous mapping outside the Go heap:
//
//	fr, err := mmap.MapFrames(pages, pageSize)
//	frame, err := fr.Frame(3)
//
// [Open] maps a flushed page blob read-only so reads need no copy through
// kernel buffers:
//
//	m, err := mmap.Open("log/000000000000002a.pg")
//	defer m.Close()
//	data := m.Bytes()
//
// On Unix mappings use mmap(2) with madvise(2) hints. On Windows they use
// CreateFileMapping and VirtualAlloc, and hints are ignored.
//
// Callers must not touch slices handed out by a mapping after Close.
package mmap
