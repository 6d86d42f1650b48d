package blocks

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Encoder lays out big-endian fields in a fixed-size record buffer.
type Encoder struct {
	buf []byte
	off int
}

// NewEncoder returns an encoder writing into a zeroed buffer of the given size.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, size)}
}

// Uint64 appends a big-endian 64-bit integer.
func (e *Encoder) Uint64(v uint64) {
	e.grow(8)
	binary.BigEndian.PutUint64(e.buf[e.off:], v)
	e.off += 8
}

// Uint32 appends a big-endian 32-bit integer.
func (e *Encoder) Uint32(v uint32) {
	e.grow(4)
	binary.BigEndian.PutUint32(e.buf[e.off:], v)
	e.off += 4
}

// Uint16 appends a big-endian 16-bit integer.
func (e *Encoder) Uint16(v uint16) {
	e.grow(2)
	binary.BigEndian.PutUint16(e.buf[e.off:], v)
	e.off += 2
}

// Int64 appends a big-endian 64-bit signed integer.
func (e *Encoder) Int64(v int64) {
	e.Uint64(uint64(v))
}

// Byte appends a single byte.
func (e *Encoder) Byte(b byte) {
	e.grow(1)
	e.buf[e.off] = b
	e.off++
}

// Bytes appends raw bytes.
func (e *Encoder) Bytes(p []byte) {
	e.grow(len(p))
	copy(e.buf[e.off:], p)
	e.off += len(p)
}

// Address appends a block address.
func (e *Encoder) Address(a BlockAddress) {
	e.Uint64(uint64(a))
}

// Fill appends n copies of b.
func (e *Encoder) Fill(b byte, n int) {
	e.grow(n)
	for i := 0; i < n; i++ {
		e.buf[e.off+i] = b
	}
	e.off += n
}

// Offset returns the number of bytes laid out so far.
func (e *Encoder) Offset() int {
	return e.off
}

// Buffer returns the full-size buffer.
func (e *Encoder) Buffer() []byte {
	return e.buf
}

func (e *Encoder) grow(n int) {
	if e.off+n > len(e.buf) {
		panic(errors.Errorf("record overflows %d-byte buffer at offset %d", len(e.buf), e.off))
	}
}

// Decoder reads big-endian fields from a record buffer. Reading past the end
// marks the decoder short and yields zero values; callers check Short once
// after consuming the layout.
type Decoder struct {
	buf   []byte
	off   int
	short bool
}

// NewDecoder returns a decoder over the buffer.
func NewDecoder(p []byte) *Decoder {
	return &Decoder{buf: p}
}

// Uint64 reads a big-endian 64-bit integer.
func (d *Decoder) Uint64() uint64 {
	if !d.ensure(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

// Uint32 reads a big-endian 32-bit integer.
func (d *Decoder) Uint32() uint32 {
	if !d.ensure(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

// Uint16 reads a big-endian 16-bit integer.
func (d *Decoder) Uint16() uint16 {
	if !d.ensure(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

// Int64 reads a big-endian 64-bit signed integer.
func (d *Decoder) Int64() int64 {
	return int64(d.Uint64())
}

// Byte reads a single byte.
func (d *Decoder) Byte() byte {
	if !d.ensure(1) {
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

// Address reads a block address.
func (d *Decoder) Address() BlockAddress {
	return BlockAddress(d.Uint64())
}

// Bytes consumes and returns the next n bytes.
func (d *Decoder) Bytes(n int) []byte {
	if !d.ensure(n) {
		return nil
	}
	p := d.buf[d.off : d.off+n]
	d.off += n
	return p
}

// Expect consumes len(p) bytes and reports whether they equal p.
func (d *Decoder) Expect(p []byte) bool {
	if !d.ensure(len(p)) {
		return false
	}
	ok := bytes.Equal(d.buf[d.off:d.off+len(p)], p)
	d.off += len(p)
	return ok
}

// ExpectFill consumes n bytes and reports whether all of them equal b.
func (d *Decoder) ExpectFill(b byte, n int) bool {
	if !d.ensure(n) {
		return false
	}
	for i := 0; i < n; i++ {
		if d.buf[d.off+i] != b {
			d.off += n
			return false
		}
	}
	d.off += n
	return true
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.off
}

// Short reports whether any read ran past the end of the buffer.
func (d *Decoder) Short() bool {
	return d.short
}

func (d *Decoder) ensure(n int) bool {
	if d.off+n > len(d.buf) {
		d.short = true
		return false
	}
	return true
}
