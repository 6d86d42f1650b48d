package blocks

import (
	"github.com/cespare/xxhash/v2"
)

// BlockAddress is the address (index) of a block on the device. Address 0 is
// occupied by the singularity block and doubles as the nil sentinel for inode
// and continuation references.
type BlockAddress uint64

// NilAddress is the reserved sentinel address.
const NilAddress BlockAddress = 0

// InodeRef is the address of a primary inode block.
type InodeRef = BlockAddress

// ContRef is the address of a continuation block.
type ContRef = BlockAddress

// SchemaVersion defines version of the schema.
type SchemaVersion uint16

// Schema versions
const (
	SingularityV0 SchemaVersion = iota
	CarrierV0
)

// Hash represents hash.
type Hash uint64

// Fill sentinels used in serialized blocks.
const (
	// PaddingSentinel fills the reserved trailing bytes of every carrier
	// record so that future extensions of the layout can be detected.
	PaddingSentinel byte = 0xAD

	// TruncationSentinel fills partial blocks and reclaimed trailing space
	// after a truncating stream write.
	TruncationSentinel byte = 0xBA
)

// Checksum computes checksum of bytes.
func Checksum(p []byte) Hash {
	return Hash(xxhash.Sum64(p))
}
