package stream

import (
	"github.com/pkg/errors"

	"github.com/izgzhen/halfs/blockmap"
	"github.com/izgzhen/halfs/blocks"
	carrierV0 "github.com/izgzhen/halfs/blocks/carrier/v0"
	"github.com/izgzhen/halfs/persistence"
)

// ErrInvalidStreamIndex is returned when the caller's offset lies past the
// end of the allocated chain.
var ErrInvalidStreamIndex = errors.New("stream offset past the end of the allocated chain")

// index locates a byte offset within a chain: the carrier, the block within
// that carrier, and the byte within that block. It is always computed from
// carrier capacities reported at decode.
type index struct {
	carrier uint64
	blk     uint64
	byteOff uint64
}

func decompose(off, inodeCap, contCap, blockSize uint64) index {
	bytesPerInode := inodeCap * blockSize
	bytesPerCont := contCap * blockSize

	var carrier, inByte uint64
	if off < bytesPerInode {
		carrier, inByte = 0, off
	} else {
		carrier = 1 + (off-bytesPerInode)/bytesPerCont
		inByte = (off - bytesPerInode) % bytesPerCont
	}
	return index{carrier: carrier, blk: inByte / blockSize, byteOff: inByte % blockSize}
}

// Read reads up to maxLen bytes starting at byte offset start of the chain
// headed by the inode at ref. A negative maxLen reads through the end of the
// chain, including the tail of the last block verbatim; the caller is
// expected to trim using the file size. Only the chain prefix covering the
// requested window is walked.
func Read(s *persistence.Store, ref blocks.InodeRef, start uint64, maxLen int64) ([]byte, error) {
	head, err := DrefInode(s, ref)
	if err != nil {
		return nil, err
	}
	if head.BlockCount() == 0 {
		return nil, nil
	}
	if maxLen == 0 {
		return nil, nil
	}

	blockSize := s.BlockSize()
	contCap, err := carrierV0.ContCapacity(blockSize)
	if err != nil {
		return nil, err
	}
	idx := decompose(start, head.Capacity(), contCap, blockSize)

	cur := head
	for steps := uint64(0); steps < idx.carrier; steps++ {
		next := cur.Continuation()
		if next == blocks.NilAddress {
			return nil, errors.WithStack(ErrInvalidStreamIndex)
		}
		if steps >= s.NBlocks() {
			return nil, errors.WithStack(ErrCorruptChain)
		}
		if cur, err = DrefCont(s, next); err != nil {
			return nil, err
		}
	}
	if idx.blk >= cur.BlockCount() {
		return nil, errors.WithStack(ErrInvalidStreamIndex)
	}

	var out []byte
	enough := func() bool {
		return maxLen >= 0 && uint64(len(out)) >= uint64(maxLen)
	}

	blk := idx.blk
	drop := idx.byteOff
	for steps := uint64(0); ; steps++ {
		if steps >= s.NBlocks() {
			return nil, errors.WithStack(ErrCorruptChain)
		}
		addrs := cur.Addresses()
		for ; blk < uint64(len(addrs)) && !enough(); blk++ {
			p, err := s.ReadBlockBuf(addrs[blk])
			if err != nil {
				return nil, err
			}
			out = append(out, p[drop:]...)
			drop = 0
		}
		next := cur.Continuation()
		if enough() || next == blocks.NilAddress {
			break
		}
		if cur, err = DrefCont(s, next); err != nil {
			return nil, err
		}
		blk = 0
	}

	if maxLen >= 0 && uint64(len(out)) > uint64(maxLen) {
		out = out[:uint64(maxLen)]
	}
	return out, nil
}

// Write writes data at byte offset start of the chain headed by the inode at
// ref, extending the chain and allocating blocks as needed. A truncating
// write additionally cuts the chain right after the end of the written
// region, fills the reclaimed tail of the final block with the truncation
// sentinel and releases every dropped block.
//
// Data blocks are written first, then the block map is persisted, then every
// carrier from the first modified one through the terminator is rewritten.
// The file size kept in the head inode is owned by the layer above.
func Write(s *persistence.Store, bm *blockmap.BlockMap, ref blocks.InodeRef, start uint64, truncating bool, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	head, err := DrefInode(s, ref)
	if err != nil {
		return err
	}
	chain, err := ExpandChain(s, head)
	if err != nil {
		return err
	}

	blockSize := s.BlockSize()
	inodeCap := head.Capacity()
	contCap, err := carrierV0.ContCapacity(blockSize)
	if err != nil {
		return err
	}

	var flat []blocks.BlockAddress
	for _, c := range chain {
		flat = append(flat, c.Addresses()...)
	}
	oldNBlocks := uint64(len(flat))

	if start > oldNBlocks*blockSize {
		return errors.WithStack(ErrInvalidStreamIndex)
	}

	gStart := start / blockSize
	endByte := start + uint64(len(data))
	endBlk := (endByte + blockSize - 1) / blockSize

	// Capacity planning.
	var blksToAlloc uint64
	if endBlk > oldNBlocks {
		blksToAlloc = endBlk - oldNBlocks
	}
	totalSlots := inodeCap + uint64(len(chain)-1)*contCap
	freeSlots := totalSlots - oldNBlocks
	var contsToAlloc uint64
	if blksToAlloc > freeSlots {
		contsToAlloc = (blksToAlloc - freeSlots + contCap - 1) / contCap
	}

	// Allocation, rolled back in full if any part of it fails.
	var group blockmap.BlockGroup
	if blksToAlloc > 0 {
		var ok bool
		if group, ok = bm.AllocBlocks(blksToAlloc); !ok {
			return errors.WithStack(blockmap.ErrAllocFailed)
		}
	}
	contAddrs := make([]blocks.BlockAddress, 0, contsToAlloc)
	for i := uint64(0); i < contsToAlloc; i++ {
		a, ok := bm.Alloc1()
		if !ok {
			rollbackErr := bm.UnallocBlocks(group)
			if rollbackErr == nil && len(contAddrs) > 0 {
				rollbackErr = bm.UnallocBlocks(blockmap.GroupOf(contAddrs))
			}
			if rollbackErr != nil {
				return rollbackErr
			}
			return errors.WithStack(blockmap.ErrAllocFailed)
		}
		contAddrs = append(contAddrs, a)
	}

	// Chain fixup: link fresh continuations after the current terminator and
	// spill the new data block addresses across the tail of the chain.
	oldTerminal := len(chain) - 1
	firstModified := int(decompose(start, inodeCap, contCap, blockSize).carrier)
	if blksToAlloc > 0 && oldTerminal < firstModified {
		firstModified = oldTerminal
	}

	for i, a := range contAddrs {
		next := blocks.NilAddress
		if i+1 < len(contAddrs) {
			next = contAddrs[i+1]
		}
		cont, err := carrierV0.NewCont(carrierV0.ContRec{Address: a, Next: next}, blockSize)
		if err != nil {
			return err
		}
		chain[len(chain)-1] = chain[len(chain)-1].WithContinuation(a)
		chain = append(chain, cont)
	}

	newAddrs := group.BlockRange()
	for i := oldTerminal; i < len(chain) && len(newAddrs) > 0; i++ {
		c := chain[i]
		take := c.Free()
		if take > uint64(len(newAddrs)) {
			take = uint64(len(newAddrs))
		}
		if take == 0 {
			continue
		}
		merged := append(append([]blocks.BlockAddress{}, c.Addresses()...), newAddrs[:take]...)
		chain[i] = c.WithAddresses(merged)
		flat = append(flat, newAddrs[:take]...)
		newAddrs = newAddrs[take:]
	}

	// Data blocks. A partial first block always keeps the bytes before the
	// written range. A partial last block keeps the bytes after it on a plain
	// write; a truncating write (and any block that never existed) fills them
	// with the truncation sentinel instead.
	for g := gStart; g < endBlk; g++ {
		blockStart := g * blockSize
		lo := blockStart
		if start > lo {
			lo = start
		}
		hi := blockStart + blockSize
		if endByte < hi {
			hi = endByte
		}

		existed := g < oldNBlocks
		var orig []byte
		needHead := lo > blockStart
		needTail := hi < blockStart+blockSize && !truncating && existed
		if needHead || needTail {
			if orig, err = s.ReadBlockBuf(flat[g]); err != nil {
				return err
			}
		}

		chunk := make([]byte, blockSize)
		for i := range chunk {
			chunk[i] = blocks.TruncationSentinel
		}
		if needHead {
			copy(chunk[:lo-blockStart], orig[:lo-blockStart])
		}
		if needTail {
			copy(chunk[hi-blockStart:], orig[hi-blockStart:])
		}
		copy(chunk[lo-blockStart:hi-blockStart], data[lo-start:hi-start])

		if err := s.WriteBlock(flat[g], chunk); err != nil {
			return err
		}
	}

	// Truncation pass: split the chain right after the carrier holding the
	// final written byte and release everything beyond it.
	if truncating {
		endIdx := decompose(endByte-1, inodeCap, contCap, blockSize)
		var freed []blocks.BlockAddress
		freed = append(freed, flat[endBlk:]...)
		for _, c := range chain[endIdx.carrier+1:] {
			freed = append(freed, c.Address())
		}

		terminator := chain[endIdx.carrier]
		terminator = terminator.WithAddresses(terminator.Addresses()[:endIdx.blk+1])
		terminator = terminator.WithContinuation(blocks.NilAddress)
		chain = append(chain[:endIdx.carrier], terminator)

		if len(freed) > 0 {
			if err := bm.UnallocBlocks(blockmap.GroupOf(freed)); err != nil {
				return err
			}
		}
	}

	// The map must be durable before any carrier adopts newly allocated
	// blocks, and carriers must follow the data blocks they reference.
	if err := bm.Flush(); err != nil {
		return err
	}
	for i := firstModified; i < len(chain); i++ {
		if err := WriteCarrier(s, chain[i]); err != nil {
			return err
		}
	}
	return nil
}
