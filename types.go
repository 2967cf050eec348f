package torrent

import "fmt"

// pieceIndex and RequestIndex are type aliases of int and uint32: they
// name the role of a value at call sites but are interchangeable with the
// underlying types.
type pieceIndex = int

// RequestIndex is a flat index over every block in a torrent, with each
// piece's blocks laid out contiguously.
type RequestIndex = uint32

// PeerId is the stable per-torrent arena index for a connected peer
// (spec.md §9 "Cyclic references" note) — distinct from the 20-byte wire
// peer ID learned at handshake time.
type PeerId uint32

// Request identifies one block: a piece index, a byte offset within the
// piece, and a length (the last block of the last piece may be short).
type Request struct {
	Index  pieceIndex
	Begin  uint32
	Length uint32
}

func (r Request) String() string {
	return fmt.Sprintf("{%d %d %d}", r.Index, r.Begin, r.Length)
}

// PeerRemoteAddr is anything that can describe itself as an address string.
type PeerRemoteAddr interface {
	String() string
}

// PeerSource records how a peer candidate was discovered, following BEP
// conventions the same way the teacher's PeerSource constants do.
type PeerSource string

const (
	PeerSourceTracker  PeerSource = "Tr"
	PeerSourceIncoming PeerSource = "I"
	PeerSourceDht      PeerSource = "Hg"
	PeerSourceDirect   PeerSource = "M"
)
