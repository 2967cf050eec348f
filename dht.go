package torrent

import "context"

// DhtEvents is the contract a host-side DHT node implements to surface
// discovered peers and learn which infohashes to announce/query for.
// Running an actual Kademlia DHT (anacrolix/dht/v2) is a Non-goal of this
// core (spec.md §1); this interface is the seam a host wires one in at.
type DhtEvents interface {
	// Announce asks the DHT to announce infoHash and periodically query for
	// new peers. The Engine in this package does not call it; a host that
	// owns the DHT node decides when to.
	Announce(infoHash [20]byte)

	// OnPeersDiscovered delivers compact peer addresses found via
	// get_peers lookups.
	OnPeersDiscovered(infoHash [20]byte, addrs []string)
}

// ConnectDhtPeer feeds one DHT-discovered address into the Engine's dial
// path, passing PeerSourceDht to AddPeer, which does not record it.
func (cl *Client) ConnectDhtPeer(infoHash [20]byte, addr string) error {
	return cl.AddPeer(context.Background(), infoHash, addr, PeerSourceDht)
}
