package torrent

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// PeerStatus is a point-in-time snapshot of one connection, for host
// diagnostics/UI (spec.md §6 getStatus).
type PeerStatus struct {
	Addr            string
	Direction       ConnDirection
	AmChoking       bool
	AmInterested    bool
	PeerChoking     bool
	PeerInterested  bool
	Downloaded      int64
	Uploaded        int64
	PipelineDepth   int
	ConnectedFor    time.Duration
}

// Status is the Engine/Torrent-wide snapshot spec.md §6 describes
// getStatus returning: aggregate progress plus per-peer detail.
type Status struct {
	InfoHash        [20]byte
	PieceCount      int
	VerifiedPieces  int
	Complete        bool
	Downloaded      int64
	Uploaded        int64
	ActivePieces    int
	BufferedBytes   int64
	Peers           []PeerStatus

	// Errored and ErrorMessage surface the spec.md §7 IoError state: once
	// set, the torrent has stopped scheduling new requests and needs host
	// intervention (Recheck, or remove/re-add) to resume.
	Errored      bool
	ErrorMessage string
}

// GetStatus snapshots a Torrent's current state under its scheduling
// domain lock, per spec.md §6.
func (t *Torrent) GetStatus() (st Status) {
	t.withLock(func() {
		st.InfoHash = t.mi.InfoHash
		st.PieceCount = t.mi.PieceCount()
		st.VerifiedPieces = t.verified.Popcount()
		st.Complete = t.verified.Complete()
		st.Downloaded = t.downloaded.Int64()
		st.Uploaded = t.uploaded.Int64()
		st.ActivePieces = len(t.pieces.pieces)
		st.BufferedBytes = t.pieces.bufferedBytes()
		st.Errored = t.errorMessage.Ok
		st.ErrorMessage = t.errorMessage.Value
		now := time.Now()
		for _, ps := range t.peers {
			st.Peers = append(st.Peers, PeerStatus{
				Addr:           ps.remoteAddr.String(),
				Direction:      ps.dir,
				AmChoking:      ps.amChoking,
				AmInterested:   ps.amInterested,
				PeerChoking:    ps.peerChoking,
				PeerInterested: ps.peerInterested,
				Downloaded:     ps.downloadedBytes,
				Uploaded:       ps.uploadedBytes,
				PipelineDepth:  ps.requestPipelineDepth(),
				ConnectedFor:   now.Sub(ps.connectedAt),
			})
		}
	})
	return
}

// String renders a one-line human-readable summary, for log lines and CLI
// status output.
func (st Status) String() string {
	if st.Errored {
		return fmt.Sprintf("%x: errored: %s", st.InfoHash, st.ErrorMessage)
	}
	return fmt.Sprintf("%x: %s/%s downloaded, %s uploaded, %d/%d pieces, %d peers",
		st.InfoHash, humanize.Bytes(uint64(st.Downloaded)), humanize.Bytes(uint64(st.BufferedBytes+st.Downloaded)),
		humanize.Bytes(uint64(st.Uploaded)), st.VerifiedPieces, st.PieceCount, len(st.Peers))
}
