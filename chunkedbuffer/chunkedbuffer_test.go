package chunkedbuffer

import (
	"encoding/binary"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestPushLenAndPeekAcrossChunks(t *testing.T) {
	c := qt.New(t)
	var b Buffer
	b.Push([]byte{0, 0})
	b.Push([]byte{0, 9, 'h', 'e', 'l', 'l', 'o'})
	c.Assert(b.Len(), qt.Equals, 9)

	v, err := b.PeekU32BE(0)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.Equals, uint32(9))
}

func TestPeekU32BEShortBuffer(t *testing.T) {
	c := qt.New(t)
	var b Buffer
	b.Push([]byte{0, 1})
	_, err := b.PeekU32BE(0)
	c.Assert(err, qt.Equals, ErrShortBuffer)
}

func TestCopyToSpansChunksWithoutConsuming(t *testing.T) {
	c := qt.New(t)
	var b Buffer
	b.Push([]byte("abc"))
	b.Push([]byte("defgh"))

	dest := make([]byte, 4)
	err := b.CopyTo(dest, 0, 2, 4)
	c.Assert(err, qt.IsNil)
	c.Assert(string(dest), qt.Equals, "cdef")
	c.Assert(b.Len(), qt.Equals, 8) // CopyTo never consumes
}

func TestConsumeAdvancesAndFreesChunks(t *testing.T) {
	c := qt.New(t)
	var b Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 3)
	b.Push(append(hdr[:], []byte("xyz")...))

	got, err := b.Consume(7)
	c.Assert(err, qt.IsNil)
	c.Assert(string(got[4:]), qt.Equals, "xyz")
	c.Assert(b.Len(), qt.Equals, 0)
}

func TestDiscardPartialChunk(t *testing.T) {
	c := qt.New(t)
	var b Buffer
	b.Push([]byte("0123456789"))
	c.Assert(b.Discard(4), qt.IsNil)
	c.Assert(b.Len(), qt.Equals, 6)

	var out [6]byte
	c.Assert(b.CopyTo(out[:], 0, 0, 6), qt.IsNil)
	c.Assert(string(out[:]), qt.Equals, "456789")
}

func TestCopyToDestinationTooSmall(t *testing.T) {
	c := qt.New(t)
	var b Buffer
	b.Push([]byte("abcdef"))
	dest := make([]byte, 2)
	err := b.CopyTo(dest, 1, 0, 3)
	c.Assert(err, qt.Not(qt.IsNil))
}
