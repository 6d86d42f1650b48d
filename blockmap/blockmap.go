package blockmap

import (
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/izgzhen/halfs/blocks"
	"github.com/izgzhen/halfs/persistence"
)

// HeaderBlock is the address of the persisted map header. The bit array
// follows in the next blocks; everything after it belongs to the free pool.
const HeaderBlock blocks.BlockAddress = 1

const headerMagic = "HALFSMAP"

var (
	// ErrAllocFailed is returned when the allocator cannot satisfy a request.
	ErrAllocFailed = errors.New("allocator could not satisfy the request")

	// ErrDoubleFree is returned when a block being released is already free.
	ErrDoubleFree = errors.New("block is already free")

	// ErrCorrupted is returned when the persisted map fails its invariants
	// on load.
	ErrCorrupted = errors.New("persisted block map fails invariants")
)

// Extent is a contiguous run of blocks.
type Extent struct {
	Base   blocks.BlockAddress
	Length uint64
}

// End returns the address one past the last block of the extent.
func (e Extent) End() blocks.BlockAddress {
	return e.Base + blocks.BlockAddress(e.Length)
}

// BlockGroup is the result of an allocation: a single contiguous extent or a
// list of disjoint ones.
type BlockGroup struct {
	contig  bool
	extents []Extent
}

// Contig returns a group covering one contiguous run.
func Contig(base blocks.BlockAddress, n uint64) BlockGroup {
	return BlockGroup{contig: true, extents: []Extent{{Base: base, Length: n}}}
}

// Discontig returns a group covering the given extents.
func Discontig(extents []Extent) BlockGroup {
	return BlockGroup{extents: extents}
}

// GroupOf builds a group from individual block addresses, coalescing adjacent
// ones into extents.
func GroupOf(addrs []blocks.BlockAddress) BlockGroup {
	if len(addrs) == 0 {
		return BlockGroup{}
	}
	sorted := make([]blocks.BlockAddress, len(addrs))
	copy(sorted, addrs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	extents := []Extent{{Base: sorted[0], Length: 1}}
	for _, a := range sorted[1:] {
		last := &extents[len(extents)-1]
		if a == last.End() {
			last.Length++
			continue
		}
		extents = append(extents, Extent{Base: a, Length: 1})
	}
	if len(extents) == 1 {
		return BlockGroup{contig: true, extents: extents}
	}
	return BlockGroup{extents: extents}
}

// Contiguous reports whether the group is one contiguous run.
func (g BlockGroup) Contiguous() bool {
	return g.contig
}

// Extents returns the extents of the group.
func (g BlockGroup) Extents() []Extent {
	return g.extents
}

// NBlocks returns the total number of blocks in the group.
func (g BlockGroup) NBlocks() uint64 {
	var n uint64
	for _, e := range g.extents {
		n += e.Length
	}
	return n
}

// BlockRange enumerates the addresses of the group in order.
func (g BlockGroup) BlockRange() []blocks.BlockAddress {
	addrs := make([]blocks.BlockAddress, 0, g.NBlocks())
	for _, e := range g.extents {
		for a := e.Base; a < e.End(); a++ {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func baseLess(a, b Extent) bool {
	return a.Base < b.Base
}

func sizeLess(a, b Extent) bool {
	if a.Length != b.Length {
		return a.Length < b.Length
	}
	return a.Base < b.Base
}

// BlockMap tracks free and used blocks. It keeps two redundant views: a bit
// array (set bit = used) and a set of free extents ordered by base, with a
// secondary index by size for the smallest-sufficient-extent query.
type BlockMap struct {
	store *persistence.Store

	bits    *bitset.BitSet
	byBase  *btree.BTreeG[Extent]
	bySize  *btree.BTreeG[Extent]
	numFree uint64

	firstData blocks.BlockAddress
}

const btreeDegree = 16

func emptyMap(store *persistence.Store) *BlockMap {
	return &BlockMap{
		store:  store,
		byBase: btree.NewG(btreeDegree, baseLess),
		bySize: btree.NewG(btreeDegree, sizeLess),
	}
}

// StorageBlocks returns the number of blocks the map's own persistent storage
// occupies: one header block plus the persisted bit array.
func StorageBlocks(nBlocks, blockSize uint64) uint64 {
	bitmapBytes := uint64(bitset.New(uint(nBlocks)).BinaryStorageSize())
	return 1 + (bitmapBytes+blockSize-1)/blockSize
}

// New constructs an empty map sized to the device, marks the singularity
// block and its own storage permanently used, and persists the initial state.
func New(store *persistence.Store) (*BlockMap, error) {
	nBlocks := store.NBlocks()
	reserved := 1 + StorageBlocks(nBlocks, store.BlockSize())
	if reserved >= nBlocks {
		return nil, errors.Errorf("device of %d blocks is consumed by %d reserved blocks", nBlocks, reserved)
	}

	m := emptyMap(store)
	m.bits = bitset.New(uint(nBlocks))
	m.firstData = blocks.BlockAddress(reserved)
	for i := uint64(0); i < reserved; i++ {
		m.bits.Set(uint(i))
	}
	m.numFree = nBlocks - reserved
	m.addExtent(Extent{Base: m.firstData, Length: m.numFree})

	if err := m.Flush(); err != nil {
		return nil, err
	}
	return m, nil
}

// Read loads a persisted map and rebuilds the free-extent set from the bit
// array.
func Read(store *persistence.Store) (*BlockMap, error) {
	blockSize := store.BlockSize()
	nBlocks := store.NBlocks()

	header, err := store.ReadBlockBuf(HeaderBlock)
	if err != nil {
		return nil, err
	}
	d := blocks.NewDecoder(header)
	if !d.Expect([]byte(headerMagic)) {
		return nil, errors.Wrap(ErrCorrupted, "header magic mismatch")
	}
	headerNBlocks := d.Uint64()
	headerNumFree := d.Uint64()
	bitmapBytes := d.Uint64()
	checksum := blocks.Hash(d.Uint64())
	if d.Short() {
		return nil, errors.Wrap(ErrCorrupted, "header is short")
	}
	if headerNBlocks != nBlocks {
		return nil, errors.Wrapf(ErrCorrupted, "map covers %d blocks, device has %d", headerNBlocks, nBlocks)
	}
	if bitmapBytes != uint64(bitset.New(uint(nBlocks)).BinaryStorageSize()) {
		return nil, errors.Wrapf(ErrCorrupted, "unexpected bit array size %d", bitmapBytes)
	}

	raw := make([]byte, 0, bitmapBytes)
	for addr := HeaderBlock + 1; uint64(len(raw)) < bitmapBytes; addr++ {
		p, err := store.ReadBlockBuf(addr)
		if err != nil {
			return nil, err
		}
		raw = append(raw, p...)
	}
	raw = raw[:bitmapBytes]
	if blocks.Checksum(raw) != checksum {
		return nil, errors.Wrap(ErrCorrupted, "bit array checksum mismatch")
	}

	m := emptyMap(store)
	m.bits = bitset.New(uint(nBlocks))
	if err := m.bits.UnmarshalBinary(raw); err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	m.firstData = blocks.BlockAddress(1 + StorageBlocks(nBlocks, blockSize))

	for i := blocks.BlockAddress(0); i < m.firstData; i++ {
		if !m.bits.Test(uint(i)) {
			return nil, errors.Wrapf(ErrCorrupted, "reserved block %d is marked free", i)
		}
	}

	// The free-extent set is reconstructed from the bit array; the persisted
	// free counter only cross-checks it.
	var run Extent
	for i := m.firstData; uint64(i) < nBlocks; i++ {
		if m.bits.Test(uint(i)) {
			if run.Length > 0 {
				m.addExtent(run)
				m.numFree += run.Length
				run = Extent{}
			}
			continue
		}
		if run.Length == 0 {
			run.Base = i
		}
		run.Length++
	}
	if run.Length > 0 {
		m.addExtent(run)
		m.numFree += run.Length
	}

	if m.numFree != headerNumFree {
		return nil, errors.Wrapf(ErrCorrupted, "header claims %d free blocks, bit array has %d", headerNumFree, m.numFree)
	}
	return m, nil
}

// Flush persists the map: header block followed by the marshaled bit array.
func (m *BlockMap) Flush() error {
	blockSize := m.store.BlockSize()

	raw, err := m.bits.MarshalBinary()
	if err != nil {
		return errors.WithStack(err)
	}

	e := blocks.NewEncoder(int(blockSize))
	e.Bytes([]byte(headerMagic))
	e.Uint64(m.store.NBlocks())
	e.Uint64(m.numFree)
	e.Uint64(uint64(len(raw)))
	e.Uint64(uint64(blocks.Checksum(raw)))
	if err := m.store.WriteBlock(HeaderBlock, e.Buffer()); err != nil {
		return err
	}

	addr := HeaderBlock + 1
	for off := 0; off < len(raw); off += int(blockSize) {
		chunk := make([]byte, blockSize)
		copy(chunk, raw[off:])
		if err := m.store.WriteBlock(addr, chunk); err != nil {
			return err
		}
		addr++
	}
	return nil
}

// NumFree returns the number of free blocks.
func (m *BlockMap) NumFree() uint64 {
	return m.numFree
}

// FirstDataBlock returns the first block past the reserved region.
func (m *BlockMap) FirstDataBlock() blocks.BlockAddress {
	return m.firstData
}

// Alloc1 allocates a single block by taking the first block of the first
// free extent. It reports false when no block is free.
func (m *BlockMap) Alloc1() (blocks.BlockAddress, bool) {
	if m.numFree == 0 {
		return blocks.NilAddress, false
	}
	e, _ := m.byBase.Min()
	m.removeExtent(e)
	if e.Length > 1 {
		m.addExtent(Extent{Base: e.Base + 1, Length: e.Length - 1})
	}
	m.bits.Set(uint(e.Base))
	m.numFree--
	return e.Base, true
}

// AllocBlocks allocates n blocks. It prefers the smallest free extent that
// satisfies n contiguously (ties broken by lowest base); if none exists it
// concatenates extents from smallest upward until n is reached. It reports
// false when fewer than n blocks are free.
func (m *BlockMap) AllocBlocks(n uint64) (BlockGroup, bool) {
	if n == 0 {
		return BlockGroup{}, true
	}
	if m.numFree < n {
		return BlockGroup{}, false
	}

	var fit Extent
	var found bool
	m.bySize.AscendGreaterOrEqual(Extent{Length: n}, func(e Extent) bool {
		fit = e
		found = true
		return false
	})
	if found {
		m.removeExtent(fit)
		if fit.Length > n {
			m.addExtent(Extent{Base: fit.Base + blocks.BlockAddress(n), Length: fit.Length - n})
		}
		m.markUsed(Extent{Base: fit.Base, Length: n})
		return Contig(fit.Base, n), true
	}

	type take struct {
		from Extent
		used uint64
	}
	var takes []take
	remaining := n
	m.bySize.Ascend(func(e Extent) bool {
		used := e.Length
		if used > remaining {
			used = remaining
		}
		takes = append(takes, take{from: e, used: used})
		remaining -= used
		return remaining > 0
	})

	extents := make([]Extent, 0, len(takes))
	for _, t := range takes {
		m.removeExtent(t.from)
		if t.used < t.from.Length {
			m.addExtent(Extent{Base: t.from.Base + blocks.BlockAddress(t.used), Length: t.from.Length - t.used})
		}
		taken := Extent{Base: t.from.Base, Length: t.used}
		m.markUsed(taken)
		extents = append(extents, taken)
	}
	return Discontig(extents), true
}

// UnallocBlocks releases every extent of the group, merging with adjacent
// free extents. Releasing an already-free block fails with ErrDoubleFree and
// leaves the map untouched.
func (m *BlockMap) UnallocBlocks(group BlockGroup) error {
	extents := group.Extents()

	// Validate everything before mutating anything.
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	for i, e := range sorted {
		if e.Length == 0 {
			return errors.Errorf("cannot release empty extent at %d", e.Base)
		}
		if e.Base < m.firstData || e.End() > blocks.BlockAddress(m.store.NBlocks()) {
			return errors.Errorf("extent [%d, %d) lies outside the free pool", e.Base, e.End())
		}
		if i > 0 && e.Base < sorted[i-1].End() {
			return errors.Wrapf(ErrDoubleFree, "extents [%d, %d) and [%d, %d) overlap",
				sorted[i-1].Base, sorted[i-1].End(), e.Base, e.End())
		}
		for a := e.Base; a < e.End(); a++ {
			if !m.bits.Test(uint(a)) {
				return errors.Wrapf(ErrDoubleFree, "block %d", a)
			}
		}
	}

	for _, e := range extents {
		for a := e.Base; a < e.End(); a++ {
			m.bits.Clear(uint(a))
		}
		m.insertFree(e)
		m.numFree += e.Length
	}
	return nil
}

func (m *BlockMap) markUsed(e Extent) {
	for a := e.Base; a < e.End(); a++ {
		m.bits.Set(uint(a))
	}
	m.numFree -= e.Length
}

func (m *BlockMap) insertFree(e Extent) {
	var pred, succ Extent
	var hasPred, hasSucc bool
	m.byBase.DescendLessOrEqual(Extent{Base: e.Base}, func(x Extent) bool {
		pred = x
		hasPred = true
		return false
	})
	m.byBase.AscendGreaterOrEqual(Extent{Base: e.End()}, func(x Extent) bool {
		succ = x
		hasSucc = true
		return false
	})

	if hasPred && pred.End() == e.Base {
		m.removeExtent(pred)
		e = Extent{Base: pred.Base, Length: pred.Length + e.Length}
	}
	if hasSucc && succ.Base == e.End() {
		m.removeExtent(succ)
		e = Extent{Base: e.Base, Length: e.Length + succ.Length}
	}
	m.addExtent(e)
}

func (m *BlockMap) addExtent(e Extent) {
	m.byBase.ReplaceOrInsert(e)
	m.bySize.ReplaceOrInsert(e)
}

func (m *BlockMap) removeExtent(e Extent) {
	m.byBase.Delete(e)
	m.bySize.Delete(e)
}
