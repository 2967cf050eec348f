package torrent

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"github.com/anacrolix/log"
	"github.com/google/uuid"

	pp "github.com/coldharbor-io/torrentcore/peer_protocol"
	"github.com/coldharbor-io/torrentcore/storage"
	"github.com/coldharbor-io/torrentcore/version"
)

// Client is the Engine from spec.md §6: the host-facing entry point that
// owns listen sockets, dispatches incoming connections to the right
// Torrent by infohash, and tracks every added Torrent.
type Client struct {
	cfg     Config
	backend storage.Backend

	// sessionID tags this Client's log lines; NewClient generates a fresh
	// one each time, and it has no role in the wire protocol.
	sessionID string

	mu       sync.Mutex
	torrents map[[20]byte]*Torrent

	listeners []socket
	closed    bool
}

// NewClient constructs an Engine. backend determines where torrent data is
// written; cfg.PeerID is generated if zero.
func NewClient(cfg Config, backend storage.Backend) *Client {
	if cfg.PeerID == ([20]byte{}) {
		cfg.PeerID = newPeerID()
	}
	return &Client{
		cfg:       cfg,
		backend:   backend,
		sessionID: uuid.New().String(),
		torrents:  make(map[[20]byte]*Torrent),
	}
}

func newPeerID() (id [20]byte) {
	copy(id[:], version.DefaultBep20Prefix)
	rand.Read(id[len(version.DefaultBep20Prefix):])
	return
}

// Listen opens a TCP listen socket on the given port (0 picks an ephemeral
// port) and begins accepting inbound peer connections.
func (cl *Client) Listen(port int) error {
	ss, err := listenAll([]network{{Tcp: true}}, func(string) string { return "" }, port, cl.cfg.Logger)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.listeners = append(cl.listeners, ss...)
	cl.mu.Unlock()
	for _, s := range ss {
		go cl.acceptLoop(s)
	}
	return nil
}

func (cl *Client) acceptLoop(s socket) {
	for {
		conn, err := s.Accept()
		if err != nil {
			return
		}
		go cl.handleIncomingConn(conn)
	}
}

// AddTorrent registers a new torrent and starts its tick loop (spec.md §6
// AddTorrent operation).
func (cl *Client) AddTorrent(mi *Metainfo) (*Torrent, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if _, exists := cl.torrents[mi.InfoHash]; exists {
		return nil, ErrDuplicateTorrent
	}
	cfg := cl.cfg
	t, err := NewTorrent(cl, mi, cl.backend, &cfg)
	if err != nil {
		return nil, err
	}
	cl.torrents[mi.InfoHash] = t
	cl.cfg.Logger.WithDefaultLevel(log.Info).Printf("session %s: added torrent %x", cl.sessionID, mi.InfoHash)
	t.Start()
	return t, nil
}

// Remove stops and forgets a torrent (spec.md §6 Remove). deleteData is
// left to the caller: the Backend interface doesn't expose deletion since
// spec.md doesn't require it of the core.
func (cl *Client) Remove(infoHash [20]byte) error {
	cl.mu.Lock()
	t, ok := cl.torrents[infoHash]
	if ok {
		delete(cl.torrents, infoHash)
	}
	cl.mu.Unlock()
	if !ok {
		return fmt.Errorf("torrent not found")
	}
	return t.Close()
}

// Pause sends NOT_INTERESTED and CHOKE to every connected peer of a
// torrent, keeping its peers and resume state (spec.md §6 Pause/Resume).
// The torrent's tick loop keeps running: the scheduler still issues
// requests to peers that keep us unchoked, and the next unchoke rotation
// can unchoke peers again.
func (cl *Client) Pause(infoHash [20]byte) error {
	t, ok := cl.Torrent(infoHash)
	if !ok {
		return fmt.Errorf("torrent not found")
	}
	t.withLock(func() {
		for _, ps := range t.peers {
			ps.setAmInterested(false)
			ps.setAmChoking(true)
		}
	})
	return nil
}

func (cl *Client) Resume(infoHash [20]byte) error {
	t, ok := cl.Torrent(infoHash)
	if !ok {
		return fmt.Errorf("torrent not found")
	}
	t.withLock(func() {
		for _, ps := range t.peers {
			t.updateInterest(ps)
		}
	})
	return nil
}

func (cl *Client) Torrent(infoHash [20]byte) (*Torrent, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t, ok := cl.torrents[infoHash]
	return t, ok
}

// AddPeer dials out to a candidate address for the given torrent (spec.md
// §6's AddPeer / peer source plumbing — callers are trackers, DHT, or PEX,
// all outside this core per spec.md §1).
func (cl *Client) AddPeer(ctx context.Context, infoHash [20]byte, addr string, source PeerSource) error {
	t, ok := cl.Torrent(infoHash)
	if !ok {
		return fmt.Errorf("torrent not found")
	}
	conn, err := cl.cfg.Dialer.Dial(ctx, addr)
	if err != nil {
		return err
	}
	go cl.handshakeOutgoing(t, conn, addr)
	return nil
}

func (cl *Client) handshakeOutgoing(t *Torrent, conn net.Conn, addr string) {
	hs, err := doHandshake(context.Background(), conn, t.mi.InfoHash, cl.cfg.PeerID, cl.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return
	}
	t.withLock(func() {
		ps := newPeerSession(t.allocPeerID(), t, conn, DirectionOutgoing, stringAddr(addr))
		ps.remoteId = hs.PeerId
		ps.extensionBits = hs.Reserved
		t.addPeerSession(ps)
	})
}

// handleIncomingConn completes the handshake for a freshly accepted
// connection and, once the infohash identifies a known Torrent, registers
// the PeerSession (spec.md §4.2 step 1's incoming side).
func (cl *Client) handleIncomingConn(conn net.Conn) {
	buf := make([]byte, pp.HandshakeLen)
	if _, err := readFull(conn, buf); err != nil {
		conn.Close()
		return
	}
	hs, err := pp.UnmarshalHandshake(buf)
	if err != nil {
		conn.Close()
		return
	}
	t, ok := cl.Torrent(hs.InfoHash)
	if !ok {
		conn.Close()
		return
	}
	out := pp.Handshake{Reserved: pp.NewExtensionBits(true, true), InfoHash: hs.InfoHash, PeerId: cl.cfg.PeerID}
	if _, err := conn.Write(out.Marshal()); err != nil {
		conn.Close()
		return
	}
	t.withLock(func() {
		ps := newPeerSession(t.allocPeerID(), t, conn, DirectionIncoming, stringAddr(conn.RemoteAddr().String()))
		ps.remoteId = hs.PeerId
		ps.extensionBits = hs.Reserved
		t.addPeerSession(ps)
	})
}

func (cl *Client) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return nil
	}
	cl.closed = true
	for _, s := range cl.listeners {
		s.Close()
	}
	for _, t := range cl.torrents {
		t.Close()
	}
	return nil
}

type stringAddr string

func (s stringAddr) String() string { return string(s) }

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
