package blockstore

import (
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// RawPrefix builds CIDv1 raw-codec SHA2-256 identifiers.
var RawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// NewRawBlock returns data as a block with a CIDv1 raw identifier.
func NewRawBlock(data []byte) (blocks.Block, error) {
	c, err := RawPrefix.Sum(data)
	if err != nil {
		return nil, fmt.Errorf("blockstore: hash block: %w", err)
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	return blk, nil
}

// keyOf returns the store key of c. Different CID versions of the same
// data are different keys.
func keyOf(c cid.Cid) []byte {
	return c.Bytes()
}

// verify reports whether data hashes to c.
func verify(c cid.Cid, data []byte) (bool, error) {
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return false, err
	}
	return sum.Equals(c), nil
}
