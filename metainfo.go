package torrent

// Bencode parsing and magnet URI parsing are explicitly out of scope
// (spec.md §1): hosts hand the core an already-decoded Metainfo. This
// mirrors the teacher's own separation between its metainfo package (not
// retrieved into this pack) and the core torrent runtime that consumes
// *metainfo.Info.

// FileInfo is one entry in a torrent's ordered file layout.
type FileInfo struct {
	Path   string
	Length int64
	Offset int64 // offset-in-stream
}

// Metainfo is the immutable per-torrent metadata from spec.md §3.
type Metainfo struct {
	InfoHash    [20]byte
	PieceLength int64
	TotalLength int64
	PieceHashes [][20]byte // pieceCount * 20 bytes
	Files       []FileInfo
}

func (m *Metainfo) PieceCount() int { return len(m.PieceHashes) }

// PieceLen returns the true length of piece i, accounting for a short
// final piece (spec.md §8 "last piece ... last block of that piece is
// short; hashing uses the true length").
func (m *Metainfo) PieceLen(i pieceIndex) int64 {
	if i < 0 || i >= m.PieceCount() {
		panic("piece index out of range")
	}
	if i == m.PieceCount()-1 {
		last := m.TotalLength - int64(i)*m.PieceLength
		if last > 0 {
			return last
		}
	}
	return m.PieceLength
}

// BlocksPerPiece returns ceil(pieceLen / BlockSize) for piece i.
func (m *Metainfo) BlocksPerPiece(i pieceIndex) int {
	l := m.PieceLen(i)
	return int((l + BlockSize - 1) / BlockSize)
}

// BlockLen returns the length of block b within piece i, short for the
// final block of a short final piece.
func (m *Metainfo) BlockLen(i pieceIndex, b int) int {
	pieceLen := m.PieceLen(i)
	begin := int64(b) * BlockSize
	remaining := pieceLen - begin
	if remaining < BlockSize {
		return int(remaining)
	}
	return BlockSize
}
