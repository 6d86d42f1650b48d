package blocks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	requireT := require.New(t)

	e := NewEncoder(64)
	e.Byte(0x01)
	e.Uint16(0xbeef)
	e.Uint32(7)
	e.Uint64(1 << 40)
	e.Int64(-5)
	e.Address(42)
	e.Bytes([]byte("magic"))
	e.Fill(PaddingSentinel, 3)
	requireT.Equal(39, e.Offset())
	requireT.Len(e.Buffer(), 64)

	d := NewDecoder(e.Buffer())
	requireT.Equal(byte(0x01), d.Byte())
	requireT.Equal(uint16(0xbeef), d.Uint16())
	requireT.Equal(uint32(7), d.Uint32())
	requireT.Equal(uint64(1<<40), d.Uint64())
	requireT.Equal(int64(-5), d.Int64())
	requireT.Equal(BlockAddress(42), d.Address())
	requireT.True(d.Expect([]byte("magic")))
	requireT.True(d.ExpectFill(PaddingSentinel, 3))
	requireT.Equal(e.Offset(), d.Offset())
	requireT.False(d.Short())

	// The unwritten remainder of the buffer is zero.
	requireT.True(d.ExpectFill(0x00, 64-e.Offset()))
}

func TestCodecBigEndian(t *testing.T) {
	requireT := require.New(t)

	e := NewEncoder(8)
	e.Uint64(0x0102030405060708)
	requireT.Equal([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, e.Buffer())
}

func TestDecoderShort(t *testing.T) {
	requireT := require.New(t)

	d := NewDecoder([]byte{0x01, 0x02})
	requireT.Equal(uint64(0), d.Uint64())
	requireT.True(d.Short())

	d = NewDecoder([]byte{0x01})
	requireT.False(d.Expect([]byte("xx")))
	requireT.True(d.Short())
}

func TestDecoderExpectMismatch(t *testing.T) {
	requireT := require.New(t)

	d := NewDecoder([]byte("abcdef"))
	requireT.False(d.Expect([]byte("abX")))
	requireT.False(d.Short())
	requireT.Equal(3, d.Offset())

	d = NewDecoder([]byte{0xad, 0xad, 0x00})
	requireT.False(d.ExpectFill(0xad, 3))
	requireT.Equal(3, d.Offset())
}
