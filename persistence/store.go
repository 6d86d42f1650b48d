package persistence

import (
	"io"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/izgzhen/halfs/blocks"
	singularityV0 "github.com/izgzhen/halfs/blocks/singularity/v0"
)

// Store represents persistent storage. It exposes the device as fixed-size
// blocks; the block size and block count come from the singularity block.
type Store struct {
	dev       Dev
	sBlock    photon.Union[*singularityV0.Block]
	blockSize uint64
	nBlocks   uint64
}

// OpenStore opens the persistent store.
func OpenStore(dev Dev) (*Store, error) {
	sBlock := photon.NewFromValue(&singularityV0.Block{})
	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := dev.Read(sBlock.B); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := validateSingularityBlock(dev, *sBlock.V); err != nil {
		return nil, err
	}

	return &Store{
		dev:       dev,
		sBlock:    sBlock,
		blockSize: sBlock.V.BlockSize,
		nBlocks:   sBlock.V.NBlocks,
	}, nil
}

// BlockSize returns the byte size of one block.
func (s *Store) BlockSize() uint64 {
	return s.blockSize
}

// NBlocks returns the number of blocks on the device.
func (s *Store) NBlocks() uint64 {
	return s.nBlocks
}

// SingularityBlock returns the current singularity block.
func (s *Store) SingularityBlock() *singularityV0.Block {
	return s.sBlock.V
}

// CommitSingularityBlock rewrites the singularity block after bumping its
// revision and recomputing the checksum, then syncs the device.
func (s *Store) CommitSingularityBlock() error {
	s.sBlock.V.Revision++
	s.sBlock.V.Checksum = s.sBlock.V.ComputeChecksum()

	if _, err := s.dev.Seek(0, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if _, err := s.dev.Write(s.sBlock.B); err != nil {
		return errors.WithStack(err)
	}
	return s.Sync()
}

// ReadBlock reads raw block bytes from the addressed block.
func (s *Store) ReadBlock(address blocks.BlockAddress, p []byte) error {
	if len(p) == 0 || uint64(len(p)) > s.blockSize {
		return errors.Errorf("invalid size of output buffer: %d", len(p))
	}
	if uint64(address) >= s.nBlocks {
		return errors.Errorf("block %d is out of device range", address)
	}

	if _, err := s.dev.Seek(int64(uint64(address)*s.blockSize), io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if _, err := s.dev.Read(p); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ReadBlockBuf reads the addressed block into a fresh block-sized buffer.
func (s *Store) ReadBlockBuf(address blocks.BlockAddress) ([]byte, error) {
	p := make([]byte, s.blockSize)
	if err := s.ReadBlock(address, p); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteBlock writes raw block bytes to the addressed block.
func (s *Store) WriteBlock(address blocks.BlockAddress, p []byte) error {
	if len(p) == 0 || uint64(len(p)) > s.blockSize {
		return errors.Errorf("invalid size of input buffer: %d", len(p))
	}
	if uint64(address) >= s.nBlocks {
		return errors.Errorf("block %d is out of device range", address)
	}

	if _, err := s.dev.Seek(int64(uint64(address)*s.blockSize), io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if _, err := s.dev.Write(p); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Sync forces data to be written to the dev.
func (s *Store) Sync() error {
	return errors.WithStack(s.dev.Sync())
}

func validateSingularityBlock(dev Dev, sBlock singularityV0.Block) error {
	if sBlock.HalfsID&halfsSubject != halfsSubject {
		return errors.New("device does not contain a halfs filesystem")
	}

	checksumComputed := sBlock.ComputeChecksum()
	if sBlock.Checksum != checksumComputed {
		return errors.Errorf("checksum mismatch for the singularity block, computed: %x, stored: %x",
			uint64(checksumComputed), uint64(sBlock.Checksum))
	}

	if sBlock.BlockSize == 0 || sBlock.BlockSize&(sBlock.BlockSize-1) != 0 {
		return errors.Errorf("singularity block carries invalid block size %d", sBlock.BlockSize)
	}
	if sBlock.NBlocks*sBlock.BlockSize > uint64(dev.Size()) {
		return errors.Errorf("singularity block describes %d blocks, device fits %d",
			sBlock.NBlocks, uint64(dev.Size())/sBlock.BlockSize)
	}

	return nil
}
