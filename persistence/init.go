package persistence

import (
	"io"
	"math/rand"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/izgzhen/halfs/blocks"
	carrierV0 "github.com/izgzhen/halfs/blocks/carrier/v0"
	singularityV0 "github.com/izgzhen/halfs/blocks/singularity/v0"
)

const (
	// minNBlocks specifies the minimum amount of blocks which must fit into
	// the device: singularity block, block map storage and a handful of
	// carrier and data blocks.
	minNBlocks = 16

	// halfsSubject defines an identifier used to detect if a halfs filesystem
	// exists on the device.
	halfsSubject = 0b0100100000000001000000110100100001000001010011000100011001010011
)

// Dev is the interface required from the device.
type Dev interface {
	io.ReadWriteSeeker
	Sync() error
	Size() int64
}

// ErrAlreadyInitialized is returned if during initialization, another halfs
// instance is detected on the device.
var ErrAlreadyInitialized = errors.New("halfs has been already initialized on the provided device")

// Initialize writes a fresh singularity block for a filesystem with the given
// block size. The block map and root inode are laid down by the layer above;
// until then the singularity block carries a nil root.
func Initialize(dev Dev, blockSize uint64, overwrite bool) error {
	if err := validateGeometry(dev, blockSize); err != nil {
		return err
	}
	if err := validateDev(dev, overwrite); err != nil {
		return err
	}

	sBlock := photon.NewFromValue(&singularityV0.Block{
		SchemaVersion: blocks.SingularityV0,
		HalfsID:       rand.Uint64() | halfsSubject,
		BlockSize:     blockSize,
		NBlocks:       uint64(dev.Size()) / blockSize,
		RootInode:     blocks.NilAddress,
		CleanUnmount:  1,
	})
	sBlock.V.Checksum = sBlock.V.ComputeChecksum()

	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if _, err := dev.Write(sBlock.B); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(dev.Sync())
}

func validateGeometry(dev Dev, blockSize uint64) error {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return errors.Errorf("block size %d is not a power of two", blockSize)
	}
	if uint64(len(photon.NewFromValue(&singularityV0.Block{}).B)) > blockSize {
		return errors.Errorf("block size %d cannot fit the singularity block", blockSize)
	}
	// Both carrier shapes must reach their minimum address capacity.
	if _, err := carrierV0.InodeCapacity(blockSize); err != nil {
		return err
	}
	if _, err := carrierV0.ContCapacity(blockSize); err != nil {
		return err
	}

	nBlocks := uint64(dev.Size()) / blockSize
	if nBlocks < minNBlocks {
		return errors.Errorf("device is too small, minimum size is: %d bytes, provided: %d",
			minNBlocks*blockSize, dev.Size())
	}
	return nil
}

func validateDev(dev Dev, overwrite bool) error {
	sBlock, err := loadSingularityBlock(dev)
	if err != nil {
		return err
	}

	if sBlock.HalfsID&halfsSubject == halfsSubject && !overwrite {
		return errors.WithStack(ErrAlreadyInitialized)
	}

	return nil
}

func loadSingularityBlock(dev Dev) (singularityV0.Block, error) {
	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return singularityV0.Block{}, errors.WithStack(err)
	}

	sBlock := photon.NewFromValue(&singularityV0.Block{})
	if _, err := dev.Read(sBlock.B); err != nil {
		return singularityV0.Block{}, errors.WithStack(err)
	}

	return *sBlock.V, nil
}
