// Package chunkedbuffer implements the ReceiveBuffer described in spec.md
// §4.1: an ordered sequence of byte chunks with a consumed-prefix offset,
// supporting O(1) append, length-prefixed peek across chunk boundaries,
// and single-copy extraction into a caller-owned destination.
//
// Chunks are drawn from a pool of pooled buffers (spec.md §9 "Zero-copy
// receive" design note) so that repeated socket reads don't churn the
// allocator.
package chunkedbuffer

import (
	"encoding/binary"
	"errors"
	"sync"
)

// PoolChunkSize is the size new chunks are allocated at when a caller pulls
// one from the pool via Get. Each Get hands out its own chunk, and each
// Push appends the pushed slice as a separate chunk.
const PoolChunkSize = 64 * 1024

var pool = sync.Pool{
	New: func() any {
		b := make([]byte, PoolChunkSize)
		return &b
	},
}

// Get returns a pooled buffer sized for one receive, truncated to n bytes.
// Ownership passes to a Buffer on Push; the Buffer returns the chunk to
// the pool once Discard or Consume has fully consumed it. There is no
// exported Put.
func Get(n int) []byte {
	if n > PoolChunkSize {
		return make([]byte, n)
	}
	bp := pool.Get().(*[]byte)
	return (*bp)[:n]
}

func put(b []byte) {
	if cap(b) != PoolChunkSize {
		return
	}
	b = b[:cap(b)]
	pool.Put(&b)
}

type chunk struct {
	data []byte
	off  int // consumed prefix within this chunk
}

func (c *chunk) len() int { return len(c.data) - c.off }

// Buffer is the ChunkedBuffer. The zero value is ready to use.
type Buffer struct {
	chunks []chunk
	total  int
}

// Push appends chunk by reference in O(1).
func (b *Buffer) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	b.chunks = append(b.chunks, chunk{data: data})
	b.total += len(data)
}

// Len returns total unconsumed bytes.
func (b *Buffer) Len() int { return b.total }

var ErrShortBuffer = errors.New("chunkedbuffer: not enough buffered data")

// PeekU32BE reads a big-endian u32 at logical offset, spanning chunks.
func (b *Buffer) PeekU32BE(offset int) (uint32, error) {
	var tmp [4]byte
	if err := b.peekInto(tmp[:], offset); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func (b *Buffer) peekInto(dst []byte, offset int) error {
	if offset+len(dst) > b.total {
		return ErrShortBuffer
	}
	need := len(dst)
	written := 0
	skip := offset
	for i := range b.chunks {
		c := &b.chunks[i]
		avail := c.len()
		if skip >= avail {
			skip -= avail
			continue
		}
		n := copy(dst[written:], c.data[c.off+skip:])
		written += n
		skip = 0
		if written >= need {
			return nil
		}
	}
	return ErrShortBuffer
}

// CopyTo is the one permitted copy: it walks chunks, copying `length` bytes
// starting at logical srcOffset into dest[destOffset:destOffset+length].
// dest is owned by the caller (e.g. an ActivePiece buffer).
func (b *Buffer) CopyTo(dest []byte, destOffset int, srcOffset int, length int) error {
	if srcOffset+length > b.total {
		return ErrShortBuffer
	}
	if destOffset+length > len(dest) {
		return errors.New("chunkedbuffer: destination too small")
	}
	remaining := length
	skip := srcOffset
	written := 0
	for i := range b.chunks {
		if remaining == 0 {
			break
		}
		c := &b.chunks[i]
		avail := c.len()
		if skip >= avail {
			skip -= avail
			continue
		}
		src := c.data[c.off+skip:]
		n := len(src)
		if n > remaining {
			n = remaining
		}
		copy(dest[destOffset+written:], src[:n])
		written += n
		remaining -= n
		skip = 0
	}
	if remaining != 0 {
		return ErrShortBuffer
	}
	return nil
}

// Consume allocates and returns length bytes from the front, advancing the
// consumed prefix. Used for small control messages only, per spec.md §4.1.
func (b *Buffer) Consume(length int) ([]byte, error) {
	if length > b.total {
		return nil, ErrShortBuffer
	}
	out := make([]byte, length)
	if err := b.peekInto(out, 0); err != nil {
		return nil, err
	}
	b.discard(length)
	return out, nil
}

// Discard advances the consumed prefix without allocation, dropping fully
// consumed chunks back to the pool.
func (b *Buffer) Discard(length int) error {
	if length > b.total {
		return ErrShortBuffer
	}
	b.discard(length)
	return nil
}

func (b *Buffer) discard(length int) {
	b.total -= length
	i := 0
	for length > 0 && i < len(b.chunks) {
		c := &b.chunks[i]
		avail := c.len()
		if length < avail {
			c.off += length
			length = 0
			break
		}
		length -= avail
		put(b.chunks[i].data)
		i++
	}
	b.chunks = b.chunks[i:]
}
