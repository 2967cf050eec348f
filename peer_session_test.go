package torrent

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	pp "github.com/coldharbor-io/torrentcore/peer_protocol"
)

func TestUsefulWhenInterestedEitherWay(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	ps := testPeer(1, tor, 0)
	c.Assert(ps.useful(), qt.Equals, false)

	ps.amInterested = true
	c.Assert(ps.useful(), qt.Equals, true)

	ps.amInterested = false
	ps.peerInterested = true
	c.Assert(ps.useful(), qt.Equals, true)
}

func TestUsefulWhenRecentlyUseful(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	ps := testPeer(1, tor, 0)
	ps.lastUsefulReceived = time.Now()
	c.Assert(ps.useful(), qt.Equals, true)

	ps.lastUsefulReceived = time.Now().Add(-2 * time.Minute)
	c.Assert(ps.useful(), qt.Equals, false)
}

func TestCanRequestMoreRespectsChokeAndDepth(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	ps := testPeer(1, tor, 0)

	c.Assert(ps.canRequestMore(4), qt.Equals, false) // peerChoking defaults true

	ps.peerChoking = false
	c.Assert(ps.canRequestMore(4), qt.Equals, true)

	ps.enqueueRequest(time.Now(), Request{Index: 0, Begin: 0, Length: BlockSize})
	ps.enqueueRequest(time.Now(), Request{Index: 0, Begin: BlockSize, Length: BlockSize})
	c.Assert(ps.canRequestMore(2), qt.Equals, false)
}

func TestEnqueueCancelClearRequest(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	ps := testPeer(1, tor, 0)
	ps.peerChoking = false

	r := Request{Index: 0, Begin: 0, Length: BlockSize}
	ps.enqueueRequest(time.Now(), r)
	c.Assert(ps.requestPipelineDepth(), qt.Equals, 1)

	msg := <-ps.writeCh
	c.Assert(msg.Type, qt.Equals, pp.Request)

	ps.cancelRequest(r)
	c.Assert(ps.requestPipelineDepth(), qt.Equals, 0)
	cancelMsg := <-ps.writeCh
	c.Assert(cancelMsg.Type, qt.Equals, pp.Cancel)

	// Clearing an already-cleared request is a no-op, not a panic.
	ps.clearRequest(r)
}

func TestSetAmChokingSendsOnTransitionOnly(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	ps := testPeer(1, tor, 0)
	c.Assert(ps.amChoking, qt.Equals, true)

	ps.setAmChoking(true)
	c.Assert(len(ps.writeCh), qt.Equals, 0) // no-op, no message queued

	ps.setAmChoking(false)
	c.Assert(ps.amChoking, qt.Equals, false)
	msg := <-ps.writeCh
	c.Assert(msg.Type, qt.Equals, pp.Unchoke)
}

func TestSetAmInterestedSendsOnTransitionOnly(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	ps := testPeer(1, tor, 0)

	ps.setAmInterested(true)
	msg := <-ps.writeCh
	c.Assert(msg.Type, qt.Equals, pp.Interested)

	ps.setAmInterested(true)
	c.Assert(len(ps.writeCh), qt.Equals, 0)

	ps.setAmInterested(false)
	msg = <-ps.writeCh
	c.Assert(msg.Type, qt.Equals, pp.NotInterested)
}

func TestSendDropsPeerWhenWriteChFull(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	ps := testPeer(1, tor, 0)
	for i := 0; i < cap(ps.writeCh); i++ {
		ps.writeCh <- pp.Message{Type: pp.Have}
	}

	ps.send(pp.Message{Type: pp.Have})
	c.Assert(ps.closed.IsSet(), qt.Equals, true)
}

func TestSendHaveSkipsNonReadyPeers(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	ps := testPeer(1, tor, 0)
	ps.state = StateHandshaking

	ps.sendHave(0)
	c.Assert(len(ps.writeCh), qt.Equals, 0)

	ps.state = StateReady
	ps.sendHave(0)
	msg := <-ps.writeCh
	c.Assert(msg.Type, qt.Equals, pp.Have)
}

func TestHandleBitfieldMessageParsesAndRejectsOversize(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(4)
	ps := testPeer(1, tor, 0)

	err := ps.handleBitfieldMessage([]byte{0b10100000})
	c.Assert(err, qt.IsNil)
	c.Assert(ps.peerBitfield.Get(0), qt.Equals, true)
	c.Assert(ps.peerBitfield.Get(2), qt.Equals, true)
	c.Assert(ps.peerBitfield.Get(1), qt.Equals, false)

	err = ps.handleBitfieldMessage([]byte{0xff, 0xff})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestCloseIsIdempotent(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	ps := testPeer(1, tor, 0)
	ps.close()
	ps.close()
	c.Assert(ps.state, qt.Equals, StateClosed)
}
