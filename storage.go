package torrent

import "io"

// NewReader returns an io.ReaderAt over the torrent's whole byte stream,
// spanning piece boundaries transparently. Reads of not-yet-verified
// ranges return io.EOF at the first unavailable piece, the same way the
// teacher's storagePieceReader treats missing data as a read boundary
// rather than blocking.
func (t *Torrent) NewReader() io.ReaderAt {
	return torrentReader{t: t}
}

type torrentReader struct {
	t *Torrent
}

func (r torrentReader) ReadAt(b []byte, off int64) (n int, err error) {
	t := r.t
	for len(b) > 0 {
		if off >= t.mi.TotalLength {
			err = io.EOF
			return
		}
		index := pieceIndex(off / t.mi.PieceLength)
		var verified bool
		t.withLock(func() { verified = t.verified.Get(index) })
		if !verified {
			err = io.EOF
			return
		}
		pieceOffset := off - int64(index)*t.mi.PieceLength
		pieceLen := t.mi.PieceLen(index)
		max := pieceLen - pieceOffset
		if int64(len(b)) < max {
			max = int64(len(b))
		}
		piece := t.store.Piece(index, pieceLen, int64(index)*t.mi.PieceLength)
		n1, err1 := piece.ReadAt(b[:max], pieceOffset)
		n += n1
		off += int64(n1)
		b = b[n1:]
		if err1 != nil {
			if err1 == io.EOF && len(b) > 0 {
				err = io.ErrUnexpectedEOF
			} else {
				err = err1
			}
			return
		}
		if int64(n1) < max {
			err = io.ErrUnexpectedEOF
			return
		}
	}
	return
}
