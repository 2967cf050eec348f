package torrent

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/coldharbor-io/torrentcore/storage"
)

type fakeBackend struct{}

func (fakeBackend) OpenTorrent(ctx context.Context, info *storage.Info, infoHash [20]byte) (storage.TorrentStorage, error) {
	return fakeTorrentStorage{}, nil
}

func testMetainfoWithHash(pieceCount int, tag byte) *Metainfo {
	mi := testMetainfo(pieceCount)
	mi.InfoHash[0] = tag
	return mi
}

func newTestClient() *Client {
	cfg := DefaultConfig()
	cfg.MinTickInterval = time.Hour // keep the tick loop from firing during the test
	cfg.IdleTickInterval = time.Hour
	return NewClient(cfg, fakeBackend{})
}

func TestNewClientGeneratesPeerIDWhenZero(t *testing.T) {
	c := qt.New(t)
	cl := NewClient(DefaultConfig(), fakeBackend{})
	c.Assert(cl.cfg.PeerID, qt.Not(qt.Equals), [20]byte{})
}

func TestAddTorrentRegistersAndStartsTorrent(t *testing.T) {
	c := qt.New(t)
	cl := newTestClient()
	mi := testMetainfoWithHash(2, 0xAA)

	tor, err := cl.AddTorrent(mi)
	c.Assert(err, qt.IsNil)
	c.Assert(tor, qt.Not(qt.IsNil))

	got, ok := cl.Torrent(mi.InfoHash)
	c.Assert(ok, qt.Equals, true)
	c.Assert(got, qt.Equals, tor)

	tor.Close()
}

func TestAddTorrentRejectsDuplicate(t *testing.T) {
	c := qt.New(t)
	cl := newTestClient()
	mi := testMetainfoWithHash(1, 0xBB)

	tor, err := cl.AddTorrent(mi)
	c.Assert(err, qt.IsNil)
	defer tor.Close()

	_, err = cl.AddTorrent(mi)
	c.Assert(err, qt.Equals, ErrDuplicateTorrent)
}

func TestRemoveUnknownTorrentErrors(t *testing.T) {
	c := qt.New(t)
	cl := newTestClient()
	err := cl.Remove([20]byte{0xFF})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestRemoveForgetsTorrent(t *testing.T) {
	c := qt.New(t)
	cl := newTestClient()
	mi := testMetainfoWithHash(1, 0xCC)
	_, err := cl.AddTorrent(mi)
	c.Assert(err, qt.IsNil)

	c.Assert(cl.Remove(mi.InfoHash), qt.IsNil)
	_, ok := cl.Torrent(mi.InfoHash)
	c.Assert(ok, qt.Equals, false)
}

func TestPauseChokesAndUninterestsPeers(t *testing.T) {
	c := qt.New(t)
	cl := newTestClient()
	mi := testMetainfoWithHash(1, 0xDD)
	tor, err := cl.AddTorrent(mi)
	c.Assert(err, qt.IsNil)
	defer tor.Close()

	tor.withLock(func() {
		ps := testPeer(1, tor, 0)
		ps.amInterested = true
		ps.amChoking = false
	})

	c.Assert(cl.Pause(mi.InfoHash), qt.IsNil)

	tor.withLock(func() {
		for _, ps := range tor.peers {
			c.Assert(ps.amInterested, qt.Equals, false)
			c.Assert(ps.amChoking, qt.Equals, true)
		}
	})
}

func TestResumeRecomputesInterestFromBitfield(t *testing.T) {
	c := qt.New(t)
	cl := newTestClient()
	mi := testMetainfoWithHash(2, 0xEE)
	tor, err := cl.AddTorrent(mi)
	c.Assert(err, qt.IsNil)
	defer tor.Close()

	var ps *PeerSession
	tor.withLock(func() {
		ps = testPeer(1, tor, 2)
	})

	c.Assert(cl.Resume(mi.InfoHash), qt.IsNil)
	tor.withLock(func() {
		c.Assert(ps.amInterested, qt.Equals, true)
	})
}
