package v0

import (
	"github.com/pkg/errors"

	"github.com/izgzhen/halfs/blocks"
)

// Minimum number of block addresses every device must fit into a record.
// Devices whose block size yields less cannot be formatted.
const (
	MinInodeBlocks = 48
	MinContBlocks  = 56
)

// The two magic strings are split into four 8-byte segments interspersed with
// the record fields so that corruption is localized and layout drift is
// caught on decode.
const (
	inodeMagic = "HALFS::INODE::MAGIC::SEQUENCE:v0"
	contMagic  = "HALFS::CONTN::MAGIC::SEQUENCE:v0"

	magicSegment = 8
	paddingLen   = 7
)

// Kind discriminates the record stored in a carrier block.
type Kind byte

// Record kinds. The kind is persisted as the tag byte at the start of each
// carrier block.
const (
	KindInode Kind = 1
	KindCont  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindInode:
		return "inode"
	case KindCont:
		return "continuation"
	default:
		return "block carrier"
	}
}

// DecodeError reports a magic-marker mismatch or structural inconsistency
// found while decoding a carrier block. Kind 0 means the tag byte itself was
// unrecognized.
type DecodeError struct {
	Kind Kind
}

func (e DecodeError) Error() string {
	return "decode failed for " + e.Kind.String() + " record"
}

// InodeRec is the persisted head record of a file's block list.
type InodeRec struct {
	Address      blocks.BlockAddress
	Parent       blocks.BlockAddress
	Size         uint64
	CTime        int64
	MTime        int64
	UID          uint32
	GID          uint32
	Continuation blocks.ContRef
	Addresses    []blocks.BlockAddress
}

// ContRec is the persisted metadata-lean record extending a file's block list.
type ContRec struct {
	Address   blocks.BlockAddress
	Next      blocks.ContRef
	Addresses []blocks.BlockAddress
}

// Carrier is the in-memory view over an inode or continuation record. It
// wraps the persisted record together with the address capacity derived from
// the device block size, so the capacity cannot be forgotten after decode.
// Carriers are values; setters return a new carrier.
type Carrier struct {
	kind     Kind
	inode    InodeRec
	cont     ContRec
	capacity uint64
}

// NewInode wraps an inode record for a device with the given block size.
func NewInode(rec InodeRec, blockSize uint64) (Carrier, error) {
	capacity, err := InodeCapacity(blockSize)
	if err != nil {
		return Carrier{}, err
	}
	if uint64(len(rec.Addresses)) > capacity {
		return Carrier{}, errors.Errorf("inode holds %d addresses, capacity is %d", len(rec.Addresses), capacity)
	}
	return Carrier{kind: KindInode, inode: rec, capacity: capacity}, nil
}

// NewCont wraps a continuation record for a device with the given block size.
func NewCont(rec ContRec, blockSize uint64) (Carrier, error) {
	capacity, err := ContCapacity(blockSize)
	if err != nil {
		return Carrier{}, err
	}
	if uint64(len(rec.Addresses)) > capacity {
		return Carrier{}, errors.Errorf("continuation holds %d addresses, capacity is %d", len(rec.Addresses), capacity)
	}
	return Carrier{kind: KindCont, cont: rec, capacity: capacity}, nil
}

// Kind returns the record kind.
func (c Carrier) Kind() Kind {
	return c.kind
}

// Address returns the block address the carrier lives at.
func (c Carrier) Address() blocks.BlockAddress {
	if c.kind == KindInode {
		return c.inode.Address
	}
	return c.cont.Address
}

// Continuation returns the next carrier in the chain, nil if the carrier
// terminates it.
func (c Carrier) Continuation() blocks.ContRef {
	if c.kind == KindInode {
		return c.inode.Continuation
	}
	return c.cont.Next
}

// BlockCount returns the number of data block addresses the carrier holds.
func (c Carrier) BlockCount() uint64 {
	return uint64(len(c.addresses()))
}

// Addresses returns the carrier's data block addresses. The returned slice
// must not be mutated.
func (c Carrier) Addresses() []blocks.BlockAddress {
	return c.addresses()
}

// Capacity returns the maximum number of addresses the carrier can hold on
// this device. The capacity is derived, never persisted.
func (c Carrier) Capacity() uint64 {
	return c.capacity
}

// Free returns the number of unused address slots.
func (c Carrier) Free() uint64 {
	return c.capacity - c.BlockCount()
}

// Inode returns the inode record if the carrier wraps one.
func (c Carrier) Inode() (InodeRec, bool) {
	if c.kind != KindInode {
		return InodeRec{}, false
	}
	return c.inode, true
}

// WithContinuation returns a carrier pointing at the given next carrier.
func (c Carrier) WithContinuation(next blocks.ContRef) Carrier {
	if c.kind == KindInode {
		c.inode.Continuation = next
	} else {
		c.cont.Next = next
	}
	return c
}

// WithAddresses returns a carrier holding the given address list.
func (c Carrier) WithAddresses(addrs []blocks.BlockAddress) Carrier {
	if uint64(len(addrs)) > c.capacity {
		panic(errors.Errorf("%d addresses exceed carrier capacity %d", len(addrs), c.capacity))
	}
	owned := make([]blocks.BlockAddress, len(addrs))
	copy(owned, addrs)
	if c.kind == KindInode {
		c.inode.Addresses = owned
	} else {
		c.cont.Addresses = owned
	}
	return c
}

// WithInode returns a carrier wrapping the updated inode record. The address
// list of the record replaces the carrier's one.
func (c Carrier) WithInode(rec InodeRec) Carrier {
	if c.kind != KindInode {
		panic(errors.New("not an inode carrier"))
	}
	if uint64(len(rec.Addresses)) > c.capacity {
		panic(errors.Errorf("%d addresses exceed carrier capacity %d", len(rec.Addresses), c.capacity))
	}
	c.inode = rec
	return c
}

func (c Carrier) addresses() []blocks.BlockAddress {
	if c.kind == KindInode {
		return c.inode.Addresses
	}
	return c.cont.Addresses
}

// Fixed per-record byte overheads, measured once by serializing an empty
// record carrying the minimum address list.
var (
	inodeOverhead = measureOverhead(KindInode, MinInodeBlocks)
	contOverhead  = measureOverhead(KindCont, MinContBlocks)
)

func measureOverhead(kind Kind, minBlocks uint64) uint64 {
	c := Carrier{kind: kind, capacity: minBlocks}
	e := blocks.NewEncoder(int(minBlocks*8) + 256)
	c.encodeRecord(e)
	return uint64(e.Offset()) - minBlocks*8
}

// InodeCapacity returns the number of addresses an inode record holds on a
// device with the given block size.
func InodeCapacity(blockSize uint64) (uint64, error) {
	return capacity(blockSize, inodeOverhead, MinInodeBlocks, KindInode)
}

// ContCapacity returns the number of addresses a continuation record holds on
// a device with the given block size.
func ContCapacity(blockSize uint64) (uint64, error) {
	return capacity(blockSize, contOverhead, MinContBlocks, KindCont)
}

func capacity(blockSize, overhead, min uint64, kind Kind) (uint64, error) {
	if blockSize < overhead {
		return 0, errors.Errorf("block size %d cannot fit a %s record", blockSize, kind)
	}
	c := (blockSize - overhead) / 8
	if c < min {
		return 0, errors.Errorf("block size %d fits %d %s addresses, minimum is %d", blockSize, c, kind, min)
	}
	return c, nil
}

// Encode serializes the carrier into exactly one device block. The address
// region is padded with nil references to the carrier's capacity and the
// record is closed with sentinel padding.
func (c Carrier) Encode(blockSize uint64) ([]byte, error) {
	var derived uint64
	var err error
	switch c.kind {
	case KindInode:
		derived, err = InodeCapacity(blockSize)
	case KindCont:
		derived, err = ContCapacity(blockSize)
	default:
		return nil, errors.Errorf("cannot encode carrier of kind %d", c.kind)
	}
	if err != nil {
		return nil, err
	}
	if derived != c.capacity {
		return nil, errors.Errorf("carrier capacity %d does not match block size %d", c.capacity, blockSize)
	}
	if c.BlockCount() > c.capacity {
		return nil, errors.Errorf("carrier holds %d addresses, capacity is %d", c.BlockCount(), c.capacity)
	}

	e := blocks.NewEncoder(int(blockSize))
	c.encodeRecord(e)
	return e.Buffer(), nil
}

func (c Carrier) encodeRecord(e *blocks.Encoder) {
	magic := inodeMagic
	if c.kind == KindCont {
		magic = contMagic
	}

	e.Byte(byte(c.kind))
	e.Bytes([]byte(magic[:magicSegment]))
	switch c.kind {
	case KindInode:
		e.Address(c.inode.Address)
		e.Address(c.inode.Parent)
		e.Bytes([]byte(magic[magicSegment : 2*magicSegment]))
		e.Uint64(c.inode.Size)
		e.Int64(c.inode.CTime)
		e.Int64(c.inode.MTime)
		e.Uint32(c.inode.UID)
		e.Uint32(c.inode.GID)
		e.Bytes([]byte(magic[2*magicSegment : 3*magicSegment]))
		e.Address(c.inode.Continuation)
	case KindCont:
		e.Address(c.cont.Address)
		e.Bytes([]byte(magic[magicSegment : 2*magicSegment]))
		e.Bytes([]byte(magic[2*magicSegment : 3*magicSegment]))
		e.Address(c.cont.Next)
	}
	e.Uint64(c.BlockCount())
	for _, a := range c.addresses() {
		e.Address(a)
	}
	for i := c.BlockCount(); i < c.capacity; i++ {
		e.Address(blocks.NilAddress)
	}
	e.Bytes([]byte(magic[3*magicSegment:]))
	e.Fill(blocks.PaddingSentinel, paddingLen)
}

// Decode deserializes a carrier block. The buffer must be exactly one device
// block; the transient capacity is repopulated from its length. The tag byte
// selects the record shape; every magic segment and the sentinel padding are
// verified and any disagreement surfaces as DecodeError.
func Decode(p []byte) (Carrier, error) {
	d := blocks.NewDecoder(p)
	kind := Kind(d.Byte())

	var magic string
	var ac uint64
	var err error
	switch kind {
	case KindInode:
		magic = inodeMagic
		ac, err = InodeCapacity(uint64(len(p)))
	case KindCont:
		magic = contMagic
		ac, err = ContCapacity(uint64(len(p)))
	default:
		return Carrier{}, errors.WithStack(DecodeError{})
	}
	if err != nil {
		return Carrier{}, err
	}

	c := Carrier{kind: kind, capacity: ac}
	fail := func() (Carrier, error) {
		return Carrier{}, errors.WithStack(DecodeError{Kind: kind})
	}

	if !d.Expect([]byte(magic[:magicSegment])) {
		return fail()
	}
	switch kind {
	case KindInode:
		c.inode.Address = d.Address()
		c.inode.Parent = d.Address()
		if !d.Expect([]byte(magic[magicSegment : 2*magicSegment])) {
			return fail()
		}
		c.inode.Size = d.Uint64()
		c.inode.CTime = d.Int64()
		c.inode.MTime = d.Int64()
		c.inode.UID = d.Uint32()
		c.inode.GID = d.Uint32()
		if !d.Expect([]byte(magic[2*magicSegment : 3*magicSegment])) {
			return fail()
		}
		c.inode.Continuation = d.Address()
	case KindCont:
		c.cont.Address = d.Address()
		if !d.Expect([]byte(magic[magicSegment : 2*magicSegment])) {
			return fail()
		}
		if !d.Expect([]byte(magic[2*magicSegment : 3*magicSegment])) {
			return fail()
		}
		c.cont.Next = d.Address()
	}

	count := d.Uint64()
	if count > ac {
		return fail()
	}
	addrs := make([]blocks.BlockAddress, count)
	for i := uint64(0); i < count; i++ {
		addrs[i] = d.Address()
	}
	for i := count; i < ac; i++ {
		if d.Address() != blocks.NilAddress {
			return fail()
		}
	}
	if !d.Expect([]byte(magic[3*magicSegment:])) {
		return fail()
	}
	if !d.ExpectFill(blocks.PaddingSentinel, paddingLen) {
		return fail()
	}
	if d.Short() {
		return fail()
	}

	if kind == KindInode {
		c.inode.Addresses = addrs
	} else {
		c.cont.Addresses = addrs
	}
	return c, nil
}
