// Package mem provides aligned heap allocation for log frames.
//
// When the log is not pre-allocated through an anonymous mapping, frames are
// allocated lazily from the Go heap with AllocAligned so that the 8-byte
// record header words can be updated atomically.
package mem
