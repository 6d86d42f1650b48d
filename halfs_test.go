package halfs

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/izgzhen/halfs/dir"
	"github.com/izgzhen/halfs/persistence"
	"github.com/izgzhen/halfs/pkg/memdev"
)

const (
	blockSize = 512
	devSize   = 512 * blockSize
)

func newTestFS(t *testing.T) (*FS, *memdev.MemDev, clockwork.FakeClock) {
	requireT := require.New(t)

	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	dev := memdev.New(devSize)
	requireT.NoError(Format(dev, blockSize, 501, 20, false, WithClock(clock)))

	fs, err := Mount(dev, WithClock(clock))
	requireT.NoError(err)
	return fs, dev, clock
}

func TestFormatMountUnmount(t *testing.T) {
	requireT := require.New(t)

	fs, dev, _ := newTestFS(t)

	// Mounting dropped the clean-unmount flag on disk.
	store, err := persistence.OpenStore(dev)
	requireT.NoError(err)
	requireT.EqualValues(0, store.SingularityBlock().CleanUnmount)
	requireT.NotEqualValues(0, fs.Root())

	requireT.NoError(fs.Unmount())

	store, err = persistence.OpenStore(dev)
	requireT.NoError(err)
	requireT.EqualValues(1, store.SingularityBlock().CleanUnmount)
}

func TestMountUnformatted(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(devSize)
	_, err := Mount(dev)
	requireT.Error(err)

	// Initialized but never formatted with a root directory.
	requireT.NoError(persistence.Initialize(dev, blockSize, false))
	_, err = Mount(dev)
	requireT.Error(err)
}

func TestRootInode(t *testing.T) {
	requireT := require.New(t)

	fs, _, clock := newTestFS(t)

	rec, err := fs.Stat(fs.Root())
	requireT.NoError(err)
	requireT.EqualValues(0, rec.Size)
	requireT.EqualValues(501, rec.UID)
	requireT.EqualValues(20, rec.GID)
	requireT.Equal(clock.Now().UnixNano(), rec.CTime)
	requireT.Equal(rec.CTime, rec.MTime)
}

func TestWriteMaintainsSizeAndMTime(t *testing.T) {
	requireT := require.New(t)

	fs, _, clock := newTestFS(t)

	f, err := fs.Create(fs.Root(), "data.bin", 501, 20)
	requireT.NoError(err)
	ctime := clock.Now().UnixNano()

	clock.Advance(3 * time.Second)
	requireT.NoError(fs.WriteStream(f, 0, false, make([]byte, 1000)))

	rec, err := fs.Stat(f)
	requireT.NoError(err)
	requireT.EqualValues(1000, rec.Size)
	requireT.Equal(ctime, rec.CTime)
	requireT.Equal(clock.Now().UnixNano(), rec.MTime)
	requireT.GreaterOrEqual(rec.MTime, rec.CTime)

	// Overwriting inside the file does not grow it.
	requireT.NoError(fs.WriteStream(f, 10, false, make([]byte, 20)))
	rec, err = fs.Stat(f)
	requireT.NoError(err)
	requireT.EqualValues(1000, rec.Size)

	// A truncating write pins the size to the end of the written region.
	requireT.NoError(fs.WriteStream(f, 100, true, make([]byte, 50)))
	rec, err = fs.Stat(f)
	requireT.NoError(err)
	requireT.EqualValues(150, rec.Size)
}

func TestReadTrimsToFileSize(t *testing.T) {
	requireT := require.New(t)

	fs, _, _ := newTestFS(t)

	f, err := fs.Create(fs.Root(), "data.bin", 501, 20)
	requireT.NoError(err)

	data := []byte("behind the partial block there is only sentinel")
	requireT.NoError(fs.WriteStream(f, 0, false, data))

	out, err := fs.ReadStream(f, 0, -1)
	requireT.NoError(err)
	requireT.Equal(data, out)

	out, err = fs.ReadStream(f, 7, -1)
	requireT.NoError(err)
	requireT.Equal(data[7:], out)

	out, err = fs.ReadStream(f, uint64(len(data)), -1)
	requireT.NoError(err)
	requireT.Empty(out)

	// An explicit window still exposes the raw tail of the last block.
	out, err = fs.ReadStream(f, 0, blockSize)
	requireT.NoError(err)
	requireT.Len(out, blockSize)
}

func TestDirectoryTree(t *testing.T) {
	requireT := require.New(t)

	fs, _, _ := newTestFS(t)

	etc, err := fs.Mkdir(fs.Root(), "etc", 0, 0)
	requireT.NoError(err)
	_, err = fs.Create(etc, "passwd", 0, 0)
	requireT.NoError(err)
	_, err = fs.Create(fs.Root(), "README", 501, 20)
	requireT.NoError(err)

	// Duplicate names are rejected.
	_, err = fs.Create(fs.Root(), "README", 501, 20)
	requireT.ErrorIs(err, ErrExists)

	entries, err := fs.ReadDir(fs.Root())
	requireT.NoError(err)
	requireT.Len(entries, 2)

	e, err := fs.Lookup(fs.Root(), "etc")
	requireT.NoError(err)
	requireT.Equal(etc, e.Inode)
	requireT.Equal(dir.KindDir, e.Kind)

	_, err = fs.Lookup(fs.Root(), "missing")
	requireT.ErrorIs(err, ErrNotFound)

	e, err = fs.Lookup(etc, "passwd")
	requireT.NoError(err)
	requireT.Equal(dir.KindFile, e.Kind)

	// The child inode remembers its parent.
	rec, err := fs.Stat(etc)
	requireT.NoError(err)
	requireT.Equal(fs.Root(), rec.Parent)
}

func TestHardLink(t *testing.T) {
	requireT := require.New(t)

	fs, _, _ := newTestFS(t)

	f, err := fs.Create(fs.Root(), "original", 0, 0)
	requireT.NoError(err)
	data := []byte("shared bytes")
	requireT.NoError(fs.WriteStream(f, 0, false, data))

	requireT.NoError(fs.Link(fs.Root(), "alias", f, dir.KindFile))

	e, err := fs.Lookup(fs.Root(), "alias")
	requireT.NoError(err)
	requireT.Equal(f, e.Inode)

	out, err := fs.ReadStream(e.Inode, 0, -1)
	requireT.NoError(err)
	requireT.Equal(data, out)

	// Dropping one name leaves the other intact.
	requireT.NoError(fs.Unlink(fs.Root(), "original"))
	_, err = fs.Lookup(fs.Root(), "original")
	requireT.ErrorIs(err, ErrNotFound)

	out, err = fs.ReadStream(f, 0, -1)
	requireT.NoError(err)
	requireT.Equal(data, out)
}

func TestRemoveReclaims(t *testing.T) {
	requireT := require.New(t)

	fs, _, _ := newTestFS(t)

	free := fs.NumFree()

	f, err := fs.Create(fs.Root(), "big.bin", 0, 0)
	requireT.NoError(err)
	requireT.NoError(fs.WriteStream(f, 0, false, make([]byte, 100*blockSize)))
	requireT.Less(fs.NumFree(), free-100)

	requireT.NoError(fs.Remove(fs.Root(), "big.bin"))
	requireT.Equal(free, fs.NumFree())

	_, err = fs.Lookup(fs.Root(), "big.bin")
	requireT.ErrorIs(err, ErrNotFound)
}

func TestRemoveNonEmptyDir(t *testing.T) {
	requireT := require.New(t)

	fs, _, _ := newTestFS(t)

	etc, err := fs.Mkdir(fs.Root(), "etc", 0, 0)
	requireT.NoError(err)
	_, err = fs.Create(etc, "passwd", 0, 0)
	requireT.NoError(err)

	requireT.ErrorIs(fs.Remove(fs.Root(), "etc"), ErrNotEmpty)

	requireT.NoError(fs.Remove(etc, "passwd"))
	requireT.NoError(fs.Remove(fs.Root(), "etc"))
	entries, err := fs.ReadDir(fs.Root())
	requireT.NoError(err)
	requireT.Empty(entries)
}

func TestRemount(t *testing.T) {
	requireT := require.New(t)

	fs, dev, clock := newTestFS(t)

	f, err := fs.Create(fs.Root(), "persistent", 0, 0)
	requireT.NoError(err)
	data := []byte("still here after remount")
	requireT.NoError(fs.WriteStream(f, 0, false, data))
	requireT.NoError(fs.Unmount())

	fs2, err := Mount(dev, WithClock(clock))
	requireT.NoError(err)

	e, err := fs2.Lookup(fs2.Root(), "persistent")
	requireT.NoError(err)
	out, err := fs2.ReadStream(e.Inode, 0, -1)
	requireT.NoError(err)
	requireT.Equal(data, out)
}
