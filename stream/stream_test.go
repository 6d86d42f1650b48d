package stream

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/izgzhen/halfs/blockmap"
	"github.com/izgzhen/halfs/blocks"
	carrierV0 "github.com/izgzhen/halfs/blocks/carrier/v0"
	"github.com/izgzhen/halfs/persistence"
	"github.com/izgzhen/halfs/pkg/memdev"
)

const (
	blockSize = 512
	nBlocks   = 512
	devSize   = nBlocks * blockSize
)

func newEngine(t *testing.T) (*persistence.Store, *blockmap.BlockMap, blocks.InodeRef) {
	requireT := require.New(t)

	dev := memdev.New(devSize)
	requireT.NoError(persistence.Initialize(dev, blockSize, false))
	store, err := persistence.OpenStore(dev)
	requireT.NoError(err)
	bm, err := blockmap.New(store)
	requireT.NoError(err)

	ref, ok := bm.Alloc1()
	requireT.True(ok)
	head, err := carrierV0.NewInode(carrierV0.InodeRec{Address: ref}, blockSize)
	requireT.NoError(err)
	requireT.NoError(bm.Flush())
	requireT.NoError(WriteCarrier(store, head))

	return store, bm, ref
}

func printable(r *rand.Rand, n uint64) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(33 + r.Intn(94))
	}
	return p
}

func TestWriteReadBack(t *testing.T) {
	requireT := require.New(t)
	r := rand.New(rand.NewSource(42))

	store, bm, ref := newEngine(t)

	dataSz := uint64(64*blockSize + r.Intn(64*blockSize+1))
	data := printable(r, dataSz)

	requireT.NoError(Write(store, bm, ref, 0, false, data))

	out, err := Read(store, ref, 0, int64(dataSz))
	requireT.NoError(err)
	requireT.Equal(data, out)

	// Overwrite a window in the middle and read the splice back.

	overwriteSz := uint64(1 + r.Intn(int(dataSz/2)))
	startByte := uint64(r.Intn(int(dataSz - overwriteSz)))
	patch := printable(r, overwriteSz)

	requireT.NoError(Write(store, bm, ref, startByte, false, patch))

	expected := append([]byte{}, data...)
	copy(expected[startByte:], patch)

	out, err = Read(store, ref, 0, int64(dataSz))
	requireT.NoError(err)
	requireT.Equal(expected, out)

	// A read of just the overwritten window returns the patch.

	out, err = Read(store, ref, startByte, int64(overwriteSz))
	requireT.NoError(err)
	requireT.Equal(patch, out)
}

func TestReadWindow(t *testing.T) {
	requireT := require.New(t)
	r := rand.New(rand.NewSource(7))

	store, bm, ref := newEngine(t)

	// Spill well into the second continuation so the window crosses carrier
	// boundaries.
	inodeCap, err := carrierV0.InodeCapacity(blockSize)
	requireT.NoError(err)
	contCap, err := carrierV0.ContCapacity(blockSize)
	requireT.NoError(err)
	dataSz := (inodeCap + contCap + 10) * blockSize
	data := printable(r, dataSz)
	requireT.NoError(Write(store, bm, ref, 0, false, data))

	start := inodeCap*blockSize - 100
	length := contCap*blockSize + 200
	out, err := Read(store, ref, start, int64(length))
	requireT.NoError(err)
	requireT.Equal(data[start:start+length], out)

	// Unbounded reads include the tail of the last block verbatim.
	out, err = Read(store, ref, start, -1)
	requireT.NoError(err)
	requireT.Equal(data[start:], out)
}

func TestTruncatingWrite(t *testing.T) {
	requireT := require.New(t)
	r := rand.New(rand.NewSource(1337))

	store, bm, ref := newEngine(t)

	dataSz := uint64(64*blockSize + r.Intn(64*blockSize+1))
	data := printable(r, dataSz)
	requireT.NoError(Write(store, bm, ref, 0, false, data))
	freeBefore := bm.NumFree()

	truncSz := dataSz/8 + uint64(r.Intn(int(dataSz/4-dataSz/8+1)))
	patch := printable(r, truncSz)
	requireT.NoError(Write(store, bm, ref, 1, true, patch))

	// Everything the shorter file no longer needs has been reclaimed.
	requireT.GreaterOrEqual(bm.NumFree()-freeBefore, (dataSz-truncSz)/blockSize)

	out, err := Read(store, ref, 0, -1)
	requireT.NoError(err)

	end := 1 + truncSz
	keptBlocks := (end + blockSize - 1) / blockSize
	requireT.EqualValues(keptBlocks*blockSize, uint64(len(out)))
	requireT.Equal(data[0], out[0])
	requireT.Equal(patch, out[1:end])
	for i := end; i < uint64(len(out)); i++ {
		requireT.Equal(blocks.TruncationSentinel, out[i], "byte %d past the truncated end", i)
	}

	// The chain was cut right after the carrier holding the final byte.
	head, err := DrefInode(store, ref)
	requireT.NoError(err)
	chain, err := ExpandChain(store, head)
	requireT.NoError(err)
	var blkCount uint64
	for _, c := range chain {
		blkCount += c.BlockCount()
	}
	requireT.Equal(keptBlocks, blkCount)
}

func TestChainMonotonicity(t *testing.T) {
	requireT := require.New(t)
	r := rand.New(rand.NewSource(3))

	store, bm, ref := newEngine(t)

	inodeCap, err := carrierV0.InodeCapacity(blockSize)
	requireT.NoError(err)
	contCap, err := carrierV0.ContCapacity(blockSize)
	requireT.NoError(err)

	// Enough to fill the inode and two continuations partially into a third.
	dataSz := (inodeCap+2*contCap+5)*blockSize - 77
	data := printable(r, dataSz)
	requireT.NoError(Write(store, bm, ref, 0, false, data))

	head, err := DrefInode(store, ref)
	requireT.NoError(err)
	chain, err := ExpandChain(store, head)
	requireT.NoError(err)
	requireT.Len(chain, 4)

	// Every non-terminal carrier fills up before the chain extends.
	var total uint64
	for i, c := range chain {
		if i < len(chain)-1 {
			requireT.Equal(c.Capacity(), c.BlockCount(), "carrier %d is not full", i)
		}
		total += c.BlockCount()
	}
	requireT.GreaterOrEqual(total*blockSize, dataSz)
	requireT.Less(total*blockSize, dataSz+blockSize)

	// All addresses across the chain are distinct.
	seen := map[blocks.BlockAddress]bool{}
	for _, c := range chain {
		for _, a := range c.Addresses() {
			requireT.False(seen[a], "block %d referenced twice", a)
			seen[a] = true
		}
	}
}

func TestAppendGrowsChain(t *testing.T) {
	requireT := require.New(t)
	r := rand.New(rand.NewSource(11))

	store, bm, ref := newEngine(t)

	// Grow the file with back-to-back appends, including one that lands
	// exactly on a block boundary.
	var file []byte
	for _, n := range []uint64{100, blockSize - 100, 3 * blockSize, 17} {
		chunk := printable(r, n)
		requireT.NoError(Write(store, bm, ref, uint64(len(file)), false, chunk))
		file = append(file, chunk...)
	}

	out, err := Read(store, ref, 0, int64(len(file)))
	requireT.NoError(err)
	requireT.Equal(file, out)
}

func TestZeroLengthWrite(t *testing.T) {
	requireT := require.New(t)

	store, bm, ref := newEngine(t)
	free := bm.NumFree()

	requireT.NoError(Write(store, bm, ref, 0, false, nil))
	requireT.NoError(Write(store, bm, ref, 0, true, nil))
	requireT.Equal(free, bm.NumFree())

	out, err := Read(store, ref, 0, -1)
	requireT.NoError(err)
	requireT.Empty(out)
}

func TestInvalidStreamIndex(t *testing.T) {
	requireT := require.New(t)

	store, bm, ref := newEngine(t)

	// An empty file reads empty at any offset.
	out, err := Read(store, ref, 0, -1)
	requireT.NoError(err)
	requireT.Empty(out)

	// Writing past the end of the allocated chain is rejected.
	err = Write(store, bm, ref, 1, false, []byte{0x01})
	requireT.ErrorIs(err, ErrInvalidStreamIndex)

	requireT.NoError(Write(store, bm, ref, 0, false, make([]byte, 100)))

	// Reading past the allocated blocks is rejected too.
	_, err = Read(store, ref, blockSize, 1)
	requireT.ErrorIs(err, ErrInvalidStreamIndex)

	// Appending at the exact end of the allocated region is fine.
	requireT.NoError(Write(store, bm, ref, blockSize, false, []byte{0x01}))
}

func TestAllocExhaustion(t *testing.T) {
	requireT := require.New(t)

	store, bm, ref := newEngine(t)

	// Take everything except a handful of blocks, then ask for more than
	// what is left.
	g, ok := bm.AllocBlocks(bm.NumFree() - 3)
	requireT.True(ok)
	free := bm.NumFree()

	err := Write(store, bm, ref, 0, false, make([]byte, 10*blockSize))
	requireT.ErrorIs(err, blockmap.ErrAllocFailed)
	requireT.Equal(free, bm.NumFree())

	// A write that needs data blocks plus a continuation the allocator
	// cannot provide is rolled back in full.
	inodeCap, err := carrierV0.InodeCapacity(blockSize)
	requireT.NoError(err)
	requireT.NoError(bm.UnallocBlocks(g))
	g, ok = bm.AllocBlocks(bm.NumFree() - inodeCap - 1)
	requireT.True(ok)
	free = bm.NumFree()

	err = Write(store, bm, ref, 0, false, make([]byte, inodeCap*blockSize+1))
	requireT.ErrorIs(err, blockmap.ErrAllocFailed)
	requireT.Equal(free, bm.NumFree())

	// With the blocks back, the same write succeeds.
	requireT.NoError(bm.UnallocBlocks(g))
	requireT.NoError(Write(store, bm, ref, 0, false, make([]byte, 10*blockSize)))
}

func TestDrefDecodeFail(t *testing.T) {
	requireT := require.New(t)

	store, bm, ref := newEngine(t)
	free := bm.NumFree()

	p, err := store.ReadBlockBuf(ref)
	requireT.NoError(err)
	for i := 25; i < 33; i++ {
		p[i] = 0
	}
	requireT.NoError(store.WriteBlock(ref, p))

	_, err = DrefInode(store, ref)
	decodeErr := &carrierV0.DecodeError{}
	requireT.ErrorAs(err, decodeErr)
	requireT.Equal(carrierV0.KindInode, decodeErr.Kind)

	// No side effects.
	requireT.Equal(free, bm.NumFree())
}

func TestDrefKindMismatch(t *testing.T) {
	requireT := require.New(t)

	store, bm, _ := newEngine(t)

	a, ok := bm.Alloc1()
	requireT.True(ok)
	cont, err := carrierV0.NewCont(carrierV0.ContRec{Address: a}, blockSize)
	requireT.NoError(err)
	requireT.NoError(WriteCarrier(store, cont))

	_, err = DrefInode(store, a)
	requireT.Error(err)

	_, err = DrefCont(store, a)
	requireT.NoError(err)
}

func TestCorruptChainCycle(t *testing.T) {
	requireT := require.New(t)

	store, bm, ref := newEngine(t)

	// Hand-build a chain whose continuation points back at itself.
	a, ok := bm.Alloc1()
	requireT.True(ok)
	cont, err := carrierV0.NewCont(carrierV0.ContRec{Address: a, Next: a}, blockSize)
	requireT.NoError(err)
	requireT.NoError(WriteCarrier(store, cont))

	head, err := DrefInode(store, ref)
	requireT.NoError(err)
	head = head.WithContinuation(a)
	requireT.NoError(WriteCarrier(store, head))

	head, err = DrefInode(store, ref)
	requireT.NoError(err)
	_, err = ExpandChain(store, head)
	requireT.ErrorIs(err, ErrCorruptChain)
}
