// Package bitfield implements the verified-piece Bitfield from spec.md §3:
// pieceCount bits, monotonic except for an explicit Recheck reset, backed
// by github.com/RoaringBitmap/roaring the way the teacher represents
// per-peer and per-torrent piece sets.
package bitfield

import (
	"github.com/RoaringBitmap/roaring"
)

// Bitfield tracks which pieces are hash-verified and durably written.
type Bitfield struct {
	pieceCount int
	bits       roaring.Bitmap
}

func New(pieceCount int) *Bitfield {
	return &Bitfield{pieceCount: pieceCount}
}

func (b *Bitfield) PieceCount() int { return b.pieceCount }

// Set marks piece i verified. Bits only ever go 0→1 outside of Reset.
func (b *Bitfield) Set(i int) {
	b.bits.AddInt(i)
}

func (b *Bitfield) Get(i int) bool {
	return b.bits.ContainsInt(i)
}

// Popcount is the number of verified pieces.
func (b *Bitfield) Popcount() int {
	return int(b.bits.GetCardinality())
}

// Complete reports whether every piece is verified.
func (b *Bitfield) Complete() bool {
	return b.Popcount() == b.pieceCount
}

// Reset clears the whole bitfield — the only operation allowed to move a
// bit 1→0, used by Recheck (spec.md §6, "rehashes existing data and
// rebuilds the bitfield from ground truth").
func (b *Bitfield) Reset() {
	b.bits.Clear()
}

// Iterate calls f for each verified piece index in ascending order.
func (b *Bitfield) Iterate(f func(i int) bool) {
	it := b.bits.Iterator()
	for it.HasNext() {
		if !f(int(it.Next())) {
			return
		}
	}
}

// Bytes returns the bitfield encoded as ceil(pieceCount/8) bytes, bit i in
// byte i/8 at position 7-(i%8) — the wire BITFIELD message layout, and
// also the persisted resume-state encoding (spec.md §6).
func (b *Bitfield) Bytes() []byte {
	out := make([]byte, (b.pieceCount+7)/8)
	b.Iterate(func(i int) bool {
		out[i/8] |= 1 << uint(7-i%8)
		return true
	})
	return out
}

// FromBytes rebuilds a Bitfield from its wire/persisted encoding. Returns
// an error if raw is longer than ceil(pieceCount/8) bytes (spec.md §8
// boundary behavior: "Peer sends BITFIELD longer than expected: close
// peer") or has any set bit beyond pieceCount-1.
func FromBytes(pieceCount int, raw []byte) (*Bitfield, error) {
	expectedLen := (pieceCount + 7) / 8
	if len(raw) > expectedLen {
		return nil, ErrOversizeBitfield
	}
	b := New(pieceCount)
	for byteIdx, bv := range raw {
		for bit := 0; bit < 8; bit++ {
			if bv&(1<<uint(7-bit)) == 0 {
				continue
			}
			i := byteIdx*8 + bit
			if i >= pieceCount {
				return nil, ErrOversizeBitfield
			}
			b.Set(i)
		}
	}
	return b, nil
}

// ErrOversizeBitfield is returned when a wire or persisted bitfield claims
// bits beyond the known piece count.
var ErrOversizeBitfield = oversizeBitfieldError{}

type oversizeBitfieldError struct{}

func (oversizeBitfieldError) Error() string { return "bitfield: declares bits beyond piece count" }

// Clone returns an independent copy, used e.g. to snapshot for status
// reporting without holding the scheduling-domain lock longer than needed.
func (b *Bitfield) Clone() *Bitfield {
	out := New(b.pieceCount)
	out.bits = *b.bits.Clone()
	return out
}
