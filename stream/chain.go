package stream

import (
	"github.com/pkg/errors"

	"github.com/izgzhen/halfs/blocks"
	carrierV0 "github.com/izgzhen/halfs/blocks/carrier/v0"
	"github.com/izgzhen/halfs/persistence"
)

// ErrCorruptChain is returned when a continuation chain contains a cycle or
// grows past the device capacity.
var ErrCorruptChain = errors.New("continuation chain is corrupt")

// DrefInode reads and decodes the primary inode block at ref.
func DrefInode(s *persistence.Store, ref blocks.InodeRef) (carrierV0.Carrier, error) {
	return dref(s, ref, carrierV0.KindInode)
}

// DrefCont reads and decodes the continuation block at ref.
func DrefCont(s *persistence.Store, ref blocks.ContRef) (carrierV0.Carrier, error) {
	return dref(s, ref, carrierV0.KindCont)
}

func dref(s *persistence.Store, ref blocks.BlockAddress, kind carrierV0.Kind) (carrierV0.Carrier, error) {
	p, err := s.ReadBlockBuf(ref)
	if err != nil {
		return carrierV0.Carrier{}, err
	}
	c, err := carrierV0.Decode(p)
	if err != nil {
		return carrierV0.Carrier{}, err
	}
	if c.Kind() != kind {
		return carrierV0.Carrier{}, errors.WithStack(carrierV0.DecodeError{Kind: kind})
	}
	return c, nil
}

// WriteCarrier serializes the carrier and writes it at its own address.
func WriteCarrier(s *persistence.Store, c carrierV0.Carrier) error {
	p, err := c.Encode(s.BlockSize())
	if err != nil {
		return err
	}
	return s.WriteBlock(c.Address(), p)
}

// ExpandChain produces the full list of carriers by following continuation
// links until nil. A chain longer than the device has blocks means a cycle.
func ExpandChain(s *persistence.Store, head carrierV0.Carrier) ([]carrierV0.Carrier, error) {
	chain := []carrierV0.Carrier{head}
	for next := head.Continuation(); next != blocks.NilAddress; {
		if uint64(len(chain)) >= s.NBlocks() {
			return nil, errors.WithStack(ErrCorruptChain)
		}
		c, err := DrefCont(s, next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
		next = c.Continuation()
	}
	return chain, nil
}
