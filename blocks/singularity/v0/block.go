package v0

import (
	"github.com/outofforest/photon"

	"github.com/izgzhen/halfs/blocks"
)

// Block is the starting block of the filesystem. Everything starts and ends
// here. It is the only record kept in the host's native field layout; all
// engine records are big-endian.
type Block struct {
	SchemaVersion blocks.SchemaVersion
	Checksum      blocks.Hash
	HalfsID       uint64
	Revision      uint64

	// Geometry of the device the filesystem was formatted with.
	BlockSize uint64
	NBlocks   uint64

	// RootInode is the primary inode block of the root directory.
	RootInode blocks.InodeRef

	// CleanUnmount is non-zero when the filesystem was unmounted cleanly.
	// It is the sole online integrity signal.
	CleanUnmount byte
}

// ComputeChecksum computes checksum of the block. The fields are copied one by
// one into zeroed memory, so the padding bytes between them are always zero
// and never influence the result.
func (b Block) ComputeChecksum() blocks.Hash {
	c := photon.NewFromValue(new(Block))
	c.V.SchemaVersion = b.SchemaVersion
	c.V.HalfsID = b.HalfsID
	c.V.Revision = b.Revision
	c.V.BlockSize = b.BlockSize
	c.V.NBlocks = b.NBlocks
	c.V.RootInode = b.RootInode
	c.V.CleanUnmount = b.CleanUnmount
	return blocks.Checksum(c.B)
}
