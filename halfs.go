package halfs

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/izgzhen/halfs/blockmap"
	"github.com/izgzhen/halfs/blocks"
	carrierV0 "github.com/izgzhen/halfs/blocks/carrier/v0"
	"github.com/izgzhen/halfs/dir"
	"github.com/izgzhen/halfs/persistence"
	"github.com/izgzhen/halfs/stream"
)

// Name-layer errors.
var (
	ErrNotFound = errors.New("no entry with that name")
	ErrExists   = errors.New("an entry with that name already exists")
	ErrNotEmpty = errors.New("directory is not empty")
)

// Option configures a mounted filesystem.
type Option func(*FS)

// WithClock substitutes the clock used for inode timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(fs *FS) {
		fs.clock = clock
	}
}

// WithLock substitutes the engine-wide lock. All operations of one mounted
// filesystem are serialized by it.
func WithLock(lock sync.Locker) Option {
	return func(fs *FS) {
		fs.lock = lock
	}
}

// FS is a mounted halfs filesystem: the storage engine plus the thin name
// layer above it. One explicit handle per mount; there is no global state.
type FS struct {
	lock  sync.Locker
	clock clockwork.Clock

	store *persistence.Store
	bm    *blockmap.BlockMap
}

// Format lays down a fresh filesystem on the device: singularity block, block
// map and an empty root directory owned by the given user and group.
func Format(dev persistence.Dev, blockSize uint64, uid, gid uint32, overwrite bool, opts ...Option) error {
	if err := persistence.Initialize(dev, blockSize, overwrite); err != nil {
		return err
	}
	store, err := persistence.OpenStore(dev)
	if err != nil {
		return err
	}
	bm, err := blockmap.New(store)
	if err != nil {
		return err
	}

	fs := newFS(store, bm, opts...)
	root, err := fs.createInode(blocks.NilAddress, uid, gid)
	if err != nil {
		return err
	}

	sBlock := store.SingularityBlock()
	sBlock.RootInode = root
	sBlock.CleanUnmount = 1
	return store.CommitSingularityBlock()
}

// Mount opens a formatted device and clears the clean-unmount flag. The flag
// is the sole online integrity signal; it is raised again by Unmount.
func Mount(dev persistence.Dev, opts ...Option) (*FS, error) {
	store, err := persistence.OpenStore(dev)
	if err != nil {
		return nil, err
	}
	if store.SingularityBlock().RootInode == blocks.NilAddress {
		return nil, errors.New("device carries no root directory, format it first")
	}
	bm, err := blockmap.Read(store)
	if err != nil {
		return nil, err
	}

	store.SingularityBlock().CleanUnmount = 0
	if err := store.CommitSingularityBlock(); err != nil {
		return nil, err
	}
	return newFS(store, bm, opts...), nil
}

func newFS(store *persistence.Store, bm *blockmap.BlockMap, opts ...Option) *FS {
	fs := &FS{
		lock:  &sync.Mutex{},
		clock: clockwork.NewRealClock(),
		store: store,
		bm:    bm,
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// Unmount flushes the block map, raises the clean-unmount flag and syncs the
// device. The handle must not be used afterwards.
func (fs *FS) Unmount() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.bm.Flush(); err != nil {
		return err
	}
	fs.store.SingularityBlock().CleanUnmount = 1
	return fs.store.CommitSingularityBlock()
}

// Root returns the root directory inode.
func (fs *FS) Root() blocks.InodeRef {
	return fs.store.SingularityBlock().RootInode
}

// NumFree returns the number of free blocks in the block map.
func (fs *FS) NumFree() uint64 {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	return fs.bm.NumFree()
}

// Stat returns the inode record at ref.
func (fs *FS) Stat(ref blocks.InodeRef) (carrierV0.InodeRec, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	return fs.statInode(ref)
}

// ReadStream reads up to maxLen bytes at byte offset start of the file headed
// by the inode at ref. A negative maxLen reads through the end of the file.
func (fs *FS) ReadStream(ref blocks.InodeRef, start uint64, maxLen int64) ([]byte, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	rec, err := fs.statInode(ref)
	if err != nil {
		return nil, err
	}
	out, err := stream.Read(fs.store, ref, start, maxLen)
	if err != nil {
		return nil, err
	}
	// Trim the tail of the last block when the caller asked for the whole
	// file rather than an explicit window.
	if maxLen < 0 {
		if start >= rec.Size {
			return nil, nil
		}
		if max := rec.Size - start; uint64(len(out)) > max {
			out = out[:max]
		}
	}
	return out, nil
}

// WriteStream writes data at byte offset start of the file headed by the
// inode at ref, then maintains the file size and modification time in the
// head inode. A truncating write cuts the file right after the written
// region and reclaims the tail.
func (fs *FS) WriteStream(ref blocks.InodeRef, start uint64, truncating bool, data []byte) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	return fs.writeStream(ref, start, truncating, data)
}

func (fs *FS) writeStream(ref blocks.InodeRef, start uint64, truncating bool, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := stream.Write(fs.store, fs.bm, ref, start, truncating, data); err != nil {
		return err
	}

	head, err := stream.DrefInode(fs.store, ref)
	if err != nil {
		return err
	}
	rec, _ := head.Inode()
	end := start + uint64(len(data))
	if truncating || end > rec.Size {
		rec.Size = end
	}
	rec.MTime = fs.now()
	if rec.MTime < rec.CTime {
		rec.MTime = rec.CTime
	}
	return stream.WriteCarrier(fs.store, head.WithInode(rec))
}

// Mkdir creates an empty directory under parent.
func (fs *FS) Mkdir(parent blocks.InodeRef, name string, uid, gid uint32) (blocks.InodeRef, error) {
	return fs.create(parent, name, uid, gid, dir.KindDir)
}

// Create creates an empty file under parent.
func (fs *FS) Create(parent blocks.InodeRef, name string, uid, gid uint32) (blocks.InodeRef, error) {
	return fs.create(parent, name, uid, gid, dir.KindFile)
}

func (fs *FS) create(parent blocks.InodeRef, name string, uid, gid uint32, kind dir.Kind) (blocks.InodeRef, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	entries, err := fs.readDir(parent)
	if err != nil {
		return blocks.NilAddress, err
	}
	if _, found := dir.Find(entries, name); found {
		return blocks.NilAddress, errors.Wrapf(ErrExists, "%q", name)
	}

	child, err := fs.createInode(parent, uid, gid)
	if err != nil {
		return blocks.NilAddress, err
	}
	entries = append(entries, dir.Entry{Name: name, Inode: child, Kind: kind})
	if err := fs.writeDir(parent, entries); err != nil {
		return blocks.NilAddress, err
	}
	return child, nil
}

// Lookup resolves name within the directory at parent.
func (fs *FS) Lookup(parent blocks.InodeRef, name string) (dir.Entry, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	entries, err := fs.readDir(parent)
	if err != nil {
		return dir.Entry{}, err
	}
	i, found := dir.Find(entries, name)
	if !found {
		return dir.Entry{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return entries[i], nil
}

// ReadDir lists the directory at ref.
func (fs *FS) ReadDir(ref blocks.InodeRef) ([]dir.Entry, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	return fs.readDir(ref)
}

// Link inserts name under parent pointing at an existing inode, creating a
// hard link.
func (fs *FS) Link(parent blocks.InodeRef, name string, target blocks.InodeRef, kind dir.Kind) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	entries, err := fs.readDir(parent)
	if err != nil {
		return err
	}
	if _, found := dir.Find(entries, name); found {
		return errors.Wrapf(ErrExists, "%q", name)
	}
	entries = append(entries, dir.Entry{Name: name, Inode: target, Kind: kind})
	return fs.writeDir(parent, entries)
}

// Unlink drops name from parent without reclaiming the target's blocks. The
// inode record carries no link count, so reclamation is the caller's call:
// use Remove to drop the last name together with the file's storage.
func (fs *FS) Unlink(parent blocks.InodeRef, name string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	_, err := fs.removeEntry(parent, name)
	return err
}

// Remove drops name from parent and releases every block of the named inode's
// chain. A directory must be empty.
func (fs *FS) Remove(parent blocks.InodeRef, name string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	entries, err := fs.readDir(parent)
	if err != nil {
		return err
	}
	i, found := dir.Find(entries, name)
	if !found {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	e := entries[i]
	if e.Kind == dir.KindDir {
		children, err := fs.readDir(e.Inode)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return errors.Wrapf(ErrNotEmpty, "%q", name)
		}
	}

	if _, err := fs.removeEntry(parent, name); err != nil {
		return err
	}
	return fs.freeChain(e.Inode)
}

func (fs *FS) statInode(ref blocks.InodeRef) (carrierV0.InodeRec, error) {
	head, err := stream.DrefInode(fs.store, ref)
	if err != nil {
		return carrierV0.InodeRec{}, err
	}
	rec, _ := head.Inode()
	return rec, nil
}

func (fs *FS) createInode(parent blocks.InodeRef, uid, gid uint32) (blocks.InodeRef, error) {
	self, ok := fs.bm.Alloc1()
	if !ok {
		return blocks.NilAddress, errors.WithStack(blockmap.ErrAllocFailed)
	}
	now := fs.now()
	c, err := carrierV0.NewInode(carrierV0.InodeRec{
		Address: self,
		Parent:  parent,
		CTime:   now,
		MTime:   now,
		UID:     uid,
		GID:     gid,
	}, fs.store.BlockSize())
	if err != nil {
		return blocks.NilAddress, err
	}
	if err := fs.bm.Flush(); err != nil {
		return blocks.NilAddress, err
	}
	if err := stream.WriteCarrier(fs.store, c); err != nil {
		return blocks.NilAddress, err
	}
	return self, nil
}

func (fs *FS) readDir(ref blocks.InodeRef) ([]dir.Entry, error) {
	rec, err := fs.statInode(ref)
	if err != nil {
		return nil, err
	}
	if rec.Size == 0 {
		return nil, nil
	}
	p, err := stream.Read(fs.store, ref, 0, int64(rec.Size))
	if err != nil {
		return nil, err
	}
	return dir.Decode(p)
}

func (fs *FS) writeDir(ref blocks.InodeRef, entries []dir.Entry) error {
	p, err := dir.Encode(entries)
	if err != nil {
		return err
	}
	return fs.writeStream(ref, 0, true, p)
}

func (fs *FS) removeEntry(parent blocks.InodeRef, name string) (dir.Entry, error) {
	entries, err := fs.readDir(parent)
	if err != nil {
		return dir.Entry{}, err
	}
	i, found := dir.Find(entries, name)
	if !found {
		return dir.Entry{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	e := entries[i]
	entries = append(entries[:i], entries[i+1:]...)
	if err := fs.writeDir(parent, entries); err != nil {
		return dir.Entry{}, err
	}
	return e, nil
}

// freeChain releases every data block of the chain headed by ref together
// with the carrier blocks themselves.
func (fs *FS) freeChain(ref blocks.InodeRef) error {
	head, err := stream.DrefInode(fs.store, ref)
	if err != nil {
		return err
	}
	chain, err := stream.ExpandChain(fs.store, head)
	if err != nil {
		return err
	}

	var freed []blocks.BlockAddress
	for _, c := range chain {
		freed = append(freed, c.Address())
		freed = append(freed, c.Addresses()...)
	}
	if err := fs.bm.UnallocBlocks(blockmap.GroupOf(freed)); err != nil {
		return err
	}
	return fs.bm.Flush()
}

func (fs *FS) now() int64 {
	return fs.clock.Now().UnixNano()
}
