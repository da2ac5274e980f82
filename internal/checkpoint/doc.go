// Package checkpoint persists checkpoint artifacts and the CURRENT pointer.
//
// # Layout
//
// Every checkpoint lives under its own prefix:
//
//	checkpoints/000007/meta   - Metadata (binary, checksummed)
//	checkpoints/000007/index  - zstd compressed hash index snapshot
//	CURRENT                   - name of the newest complete checkpoint
//
// # Binary Format
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - 0x43564B46 ("FKVC")
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32C of payload
//	  Length   (4 bytes) - Payload length in bytes
//
//	Payload:
//	  ID, Token, Version, CreatedAt, TableSize, PageBits
//	  Begin, Start, Cut, JournalGeneration
//	  NumSessions (4 bytes) + Sessions[] (16-byte id, 8-byte serial)
//	  Flushed pages (4-byte length + roaring64 portable encoding)
//
// # Atomic Protocol
//
// Save writes the index snapshot and the metadata in parallel, then replaces
// CURRENT. A crash before the CURRENT update leaves the previous checkpoint
// in charge; the orphaned artifacts are removed by the next Prune.
//
// Recovery reads CURRENT, then the metadata it names. Any checksum or format
// failure is reported as ErrCorrupt; the store never falls back to an older
// checkpoint on its own.
package checkpoint
