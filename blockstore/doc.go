// Package blockstore adapts a fastkv store to an IPFS-style block store.
// Blocks are go-block-format blocks keyed by the bytes of their CID, so the
// same data stored under a CIDv0 and a CIDv1 occupies two entries.
//
// Operations borrow a session from a fixed set, so a Blockstore is safe for
// concurrent use:
//
//	bs, err := blockstore.Open(ctx, "/var/lib/blocks", blockstore.Options{})
//	blk := blocks.NewBlock([]byte("hello"))
//	err = bs.Put(ctx, blk)
//	got, err := bs.Get(ctx, blk.Cid())
package blockstore
