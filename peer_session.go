package torrent

import (
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/elliotchance/orderedmap/v2"

	"github.com/coldharbor-io/torrentcore/bitfield"
	pp "github.com/coldharbor-io/torrentcore/peer_protocol"
)

// ConnDirection records which side dialed. It is reported in PeerStatus;
// choke decisions do not consult it.
type ConnDirection int

const (
	DirectionOutgoing ConnDirection = iota
	DirectionIncoming
)

// ConnState is the PeerSession lifecycle from spec.md §3.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PeerSession is one connected remote peer, per spec.md §3's PeerSession
// data model. Its fields are only ever touched from the scheduling domain
// (the Torrent's lockWithDeferreds), mirroring the teacher's single Peer
// struct guarded by the Client-wide lock.
type PeerSession struct {
	id   PeerId
	t    *Torrent
	conn net.Conn
	dir  ConnDirection

	remoteAddr PeerRemoteAddr
	remoteId   [20]byte

	state ConnState

	amChoking, amInterested     bool
	peerChoking, peerInterested bool
	extensionBits               pp.ExtensionBits

	peerBitfield *bitfield.Bitfield

	// outstandingRequests keeps this peer's REQUESTs in FIFO issue order,
	// each with its issue time. Request timeouts and endgame cancellation
	// work from the activePieceManager's block reservations, not from this
	// map.
	outstandingRequests *orderedmap.OrderedMap[Request, time.Time]

	lastMessageReceived time.Time
	lastUsefulReceived  time.Time
	connectedAt         time.Time

	downloadedBytes int64
	uploadedBytes   int64

	closed chansync.SetOnce
	logger log.Logger

	writeCh chan pp.Message
}

func newPeerSession(id PeerId, t *Torrent, conn net.Conn, dir ConnDirection, addr PeerRemoteAddr) *PeerSession {
	return &PeerSession{
		id:                  id,
		t:                   t,
		conn:                conn,
		dir:                 dir,
		remoteAddr:          addr,
		state:               StateConnecting,
		amChoking:           true,
		peerChoking:         true,
		outstandingRequests: orderedmap.NewOrderedMap[Request, time.Time](),
		connectedAt:         time.Now(),
		logger:              t.logger,
		writeCh:             make(chan pp.Message, 64),
	}
}

func (ps *PeerSession) String() string {
	return fmt.Sprintf("PeerSession{%v state=%v}", ps.remoteAddr, ps.state)
}

// useful reports whether this peer is worth keeping connected per spec.md
// §4.5's keepalive gate: interested in us, or we're interested in it, or it
// recently sent us data.
func (ps *PeerSession) useful() bool {
	if ps.amInterested || ps.peerInterested {
		return true
	}
	return time.Since(ps.lastUsefulReceived) < time.Minute
}

func (ps *PeerSession) requestPipelineDepth() int {
	return ps.outstandingRequests.Len()
}

// canRequestMore gates against MaxPipelineDepth (spec.md §4.4).
func (ps *PeerSession) canRequestMore(maxDepth int) bool {
	return !ps.peerChoking && ps.requestPipelineDepth() < maxDepth
}

// enqueueRequest tracks a sent REQUEST for timeout/cancel accounting and
// schedules the actual wire send.
func (ps *PeerSession) enqueueRequest(now time.Time, r Request) {
	ps.outstandingRequests.Set(r, now)
	ps.send(pp.Message{Type: pp.Request, Index: r.Index, Begin: r.Begin, Length: r.Length})
}

func (ps *PeerSession) cancelRequest(r Request) {
	if _, ok := ps.outstandingRequests.Get(r); !ok {
		return
	}
	ps.outstandingRequests.Delete(r)
	ps.send(pp.Message{Type: pp.Cancel, Index: r.Index, Begin: r.Begin, Length: r.Length})
}

func (ps *PeerSession) clearRequest(r Request) {
	ps.outstandingRequests.Delete(r)
}

func (ps *PeerSession) setAmChoking(v bool) {
	if ps.amChoking == v {
		return
	}
	ps.amChoking = v
	if v {
		ps.send(pp.Message{Type: pp.Choke})
	} else {
		ps.send(pp.Message{Type: pp.Unchoke})
	}
}

func (ps *PeerSession) setAmInterested(v bool) {
	if ps.amInterested == v {
		return
	}
	ps.amInterested = v
	if v {
		ps.send(pp.Message{Type: pp.Interested})
	} else {
		ps.send(pp.Message{Type: pp.NotInterested})
	}
}

// send queues a message on the write side; non-blocking, drops the
// connection on backpressure rather than stalling the scheduling domain
// (spec.md §4.2's framing layer must never block the single-threaded
// domain on a slow peer).
func (ps *PeerSession) send(m pp.Message) {
	select {
	case ps.writeCh <- m:
	default:
		ps.t.dropPeer(ps, fmt.Errorf("write buffer full"))
	}
}

func (ps *PeerSession) sendBitfield(bf *bitfield.Bitfield) {
	ps.send(pp.Message{Type: pp.Bitfield, Piece: bf.Bytes()})
}

func (ps *PeerSession) sendHave(index pieceIndex) {
	if ps.state != StateReady {
		return
	}
	ps.send(pp.Message{Type: pp.Have, Index: pp.Integer(index)})
}

func (ps *PeerSession) close() {
	if ps.closed.IsSet() {
		return
	}
	ps.closed.Set()
	ps.state = StateClosed
	if ps.conn != nil {
		ps.conn.Close()
	}
}
