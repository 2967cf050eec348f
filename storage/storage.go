// Package storage implements the Filesystem contract from spec.md §6
// against concrete backends. File-range mapping of a contiguous torrent
// stream onto multiple on-disk files is explicitly out of scope (spec.md
// §1 "file-range mapping to multi-file torrents") — TorrentStorage exposes
// a single contiguous stream of TotalLength bytes; a host-side file-range
// mapper (external collaborator) is responsible for multi-file layout.
package storage

import (
	"context"
	"io"
)

// Info is the subset of torrent metadata a storage backend needs to open
// per-torrent state (spec.md §3 "Torrent metadata").
type Info struct {
	PieceLength int64
	TotalLength int64
	PieceCount  int
}

// PieceStorage is a read/write view onto one piece's byte range within a
// TorrentStorage's underlying stream.
type PieceStorage interface {
	io.ReaderAt
	io.WriterAt
}

// TorrentStorage is the open, per-torrent handle a DiskWriter writes
// verified pieces through.
type TorrentStorage interface {
	// Piece returns a view over the given piece's bytes within the
	// torrent's contiguous stream.
	Piece(index int, length int64, offset int64) PieceStorage
	io.Closer
}

// Backend is the capability-trait adapter (spec.md §9) the Engine is
// constructed with. Concrete implementations: NewMMap (OS-backed, one
// memory-mapped file per torrent) and NewBoltDB (bbolt-backed, for
// constrained/embedded hosts), both grounded in the pack's own
// storage/mmap_test.go and storage/bolt-piece_test.go.
type Backend interface {
	OpenTorrent(ctx context.Context, info *Info, infoHash [20]byte) (TorrentStorage, error)
}

// TorrentCapacity optionally bounds the total bytes a Backend will hold
// across all torrents it serves, mirroring the teacher's shared-capacity
// storage concept (client-piece-request-order.go). Most backends return
// nil (unbounded).
type TorrentCapacity = *int64
