package torrent

import "context"

// TrackerEvents is the contract a host-side tracker client implements to
// feed discovered peers into the Engine and receive the counters a
// tracker announce needs. Actual HTTP/UDP tracker protocol handling is a
// Non-goal of this core (spec.md §1): the core only needs somewhere to
// report progress and somewhere to receive addresses from.
type TrackerEvents interface {
	// OnPeersDiscovered is called by the tracker client with addresses to
	// try dialing for infoHash.
	OnPeersDiscovered(infoHash [20]byte, addrs []string)
}

// TrackerStats is what a tracker announce reports upstream, pulled from a
// Torrent without exposing its internal locking.
type TrackerStats struct {
	Downloaded int64
	Uploaded   int64
	Left       int64
}

// Stats snapshots the counters a tracker announce needs (spec.md §6
// getStatus / tracker integration point).
func (t *Torrent) Stats() (s TrackerStats) {
	t.withLock(func() {
		s.Downloaded = t.downloaded.Int64()
		s.Uploaded = t.uploaded.Int64()
		remaining := t.mi.PieceCount() - t.verified.Popcount()
		s.Left = int64(remaining) * t.mi.PieceLength
	})
	return
}

// ConnectTrackerPeer feeds one tracker-discovered address into the
// Engine's dial path, passing PeerSourceTracker to AddPeer, which does not
// record it.
func (cl *Client) ConnectTrackerPeer(infoHash [20]byte, addr string) error {
	return cl.AddPeer(context.Background(), infoHash, addr, PeerSourceTracker)
}
