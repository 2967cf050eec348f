package bitfield

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestSetGetPopcountComplete(t *testing.T) {
	c := qt.New(t)
	b := New(10)
	c.Assert(b.Complete(), qt.Equals, false)
	for i := 0; i < 10; i++ {
		b.Set(i)
	}
	c.Assert(b.Popcount(), qt.Equals, 10)
	c.Assert(b.Complete(), qt.Equals, true)
	c.Assert(b.Get(3), qt.Equals, true)
}

func TestResetClearsAllBits(t *testing.T) {
	c := qt.New(t)
	b := New(4)
	b.Set(0)
	b.Set(2)
	b.Reset()
	c.Assert(b.Popcount(), qt.Equals, 0)
	c.Assert(b.Get(0), qt.Equals, false)
}

func TestBytesRoundTrip(t *testing.T) {
	c := qt.New(t)
	b := New(12)
	b.Set(0)
	b.Set(7)
	b.Set(11)
	raw := b.Bytes()
	c.Assert(raw, qt.HasLen, 2)

	got, err := FromBytes(12, raw)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Get(0), qt.Equals, true)
	c.Assert(got.Get(7), qt.Equals, true)
	c.Assert(got.Get(11), qt.Equals, true)
	c.Assert(got.Get(1), qt.Equals, false)
}

func TestFromBytesRejectsOversizeBitfield(t *testing.T) {
	c := qt.New(t)
	_, err := FromBytes(4, []byte{0xff, 0xff})
	c.Assert(err, qt.Equals, ErrOversizeBitfield)

	_, err = FromBytes(4, []byte{0b00001000})
	c.Assert(err, qt.Equals, ErrOversizeBitfield)
}

func TestIterateAscending(t *testing.T) {
	c := qt.New(t)
	b := New(8)
	b.Set(5)
	b.Set(1)
	b.Set(6)
	var got []int
	b.Iterate(func(i int) bool {
		got = append(got, i)
		return true
	})
	c.Assert(got, qt.DeepEquals, []int{1, 5, 6})
}

func TestCloneIsIndependent(t *testing.T) {
	c := qt.New(t)
	b := New(4)
	b.Set(1)
	clone := b.Clone()
	clone.Set(2)
	c.Assert(b.Get(2), qt.Equals, false)
	c.Assert(clone.Get(1), qt.Equals, true)
}
