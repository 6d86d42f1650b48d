package dir

import (
	"github.com/pkg/errors"

	"github.com/izgzhen/halfs/blocks"
)

// Directory entries are serialized into the directory inode's own stream:
// a big-endian entry count followed by repeated (name length, name, inode,
// kind) records. The directory file is rewritten with a truncating write on
// every mutation, so the stream never carries stale tail entries.

// Kind discriminates what an entry names.
type Kind byte

// Entry kinds.
const (
	KindFile Kind = 1
	KindDir  Kind = 2
)

// MaxNameLen bounds the byte length of one entry name.
const MaxNameLen = 255

// Entry binds a name to an inode within one directory.
type Entry struct {
	Name  string
	Inode blocks.InodeRef
	Kind  Kind
}

// Encode serializes the entry list.
func Encode(entries []Entry) ([]byte, error) {
	size := 4
	for _, e := range entries {
		if err := validate(e); err != nil {
			return nil, err
		}
		size += 2 + len(e.Name) + 8 + 1
	}

	enc := blocks.NewEncoder(size)
	enc.Uint32(uint32(len(entries)))
	for _, e := range entries {
		enc.Uint16(uint16(len(e.Name)))
		enc.Bytes([]byte(e.Name))
		enc.Address(e.Inode)
		enc.Byte(byte(e.Kind))
	}
	return enc.Buffer(), nil
}

// Decode deserializes an entry list.
func Decode(p []byte) ([]Entry, error) {
	d := blocks.NewDecoder(p)
	count := d.Uint32()
	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		nameLen := int(d.Uint16())
		name := d.Bytes(nameLen)
		e := Entry{
			Name:  string(name),
			Inode: d.Address(),
			Kind:  Kind(d.Byte()),
		}
		if d.Short() {
			return nil, errors.Errorf("directory stream is short at entry %d", i)
		}
		if err := validate(e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Find returns the position of the named entry.
func Find(entries []Entry, name string) (int, bool) {
	for i, e := range entries {
		if e.Name == name {
			return i, true
		}
	}
	return 0, false
}

func validate(e Entry) error {
	if len(e.Name) == 0 || len(e.Name) > MaxNameLen {
		return errors.Errorf("invalid entry name length %d", len(e.Name))
	}
	if e.Inode == blocks.NilAddress {
		return errors.Errorf("entry %q points at the nil address", e.Name)
	}
	if e.Kind != KindFile && e.Kind != KindDir {
		return errors.Errorf("entry %q has unknown kind %d", e.Name, e.Kind)
	}
	return nil
}
