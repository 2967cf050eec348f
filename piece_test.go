package torrent

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func testMetainfo(pieceCount int) *Metainfo {
	mi := &Metainfo{
		PieceLength: 2 * BlockSize,
		TotalLength: int64(pieceCount) * 2 * BlockSize,
	}
	mi.PieceHashes = make([][20]byte, pieceCount)
	return mi
}

func testManager(pieceCount int) *activePieceManager {
	mi := testMetainfo(pieceCount)
	cfg := DefaultConfig()
	cfg.MaxActivePieces = 4
	return newActivePieceManager(mi, &cfg)
}

func TestReserveBlockAdmitsAndTracksBlocks(t *testing.T) {
	c := qt.New(t)
	m := testManager(2)
	now := time.Now()

	res := m.reserveBlock(0, 0, PeerId(1), true, now)
	c.Assert(res, qt.Equals, ReserveOk)

	// Same peer re-requesting the same block is rejected.
	res = m.reserveBlock(0, 0, PeerId(1), true, now)
	c.Assert(res, qt.Equals, ReserveAlreadyRequested)

	// A different peer is also rejected absent endgame.
	res = m.reserveBlock(0, 0, PeerId(2), true, now)
	c.Assert(res, qt.Equals, ReserveAlreadyRequested)
}

func TestReserveBlockWithoutAdmitNewRejectsInactivePiece(t *testing.T) {
	c := qt.New(t)
	m := testManager(2)
	res := m.reserveBlock(0, 0, PeerId(1), false, time.Now())
	c.Assert(res, qt.Equals, ReservePieceNotActive)
}

func TestCommitBlockTracksDirtiersAndCompletion(t *testing.T) {
	c := qt.New(t)
	m := testManager(1)
	now := time.Now()

	m.reserveBlock(0, 0, PeerId(1), true, now)
	m.reserveBlock(0, 1, PeerId(2), true, now)

	full, _ := m.commitBlock(0, 0, PeerId(1))
	c.Assert(full, qt.Equals, false)

	full, _ = m.commitBlock(0, 1, PeerId(2))
	c.Assert(full, qt.Equals, true)

	p, ok := m.get(0)
	c.Assert(ok, qt.Equals, true)
	c.Assert(p.state, qt.Equals, stateFullyResponded)
	c.Assert(len(p.dirtiers), qt.Equals, 2)
}

func TestCommitBlockReturnsOtherHoldersForEndgameCancel(t *testing.T) {
	c := qt.New(t)
	m := testManager(1)
	m.endgame = true
	now := time.Now()

	m.reserveBlock(0, 0, PeerId(1), true, now)
	m.reserveBlock(0, 0, PeerId(2), true, now)

	_, holders := m.commitBlock(0, 0, PeerId(1))
	c.Assert(holders, qt.DeepEquals, []PeerId{PeerId(2)})

	// The block is settled now; a later commit attempt for it finds
	// nothing left to report.
	_, holders = m.commitBlock(0, 0, PeerId(3))
	c.Assert(holders, qt.HasLen, 0)
}

func TestDestinationForRejectsAlreadyReceivedBlock(t *testing.T) {
	c := qt.New(t)
	m := testManager(1)
	now := time.Now()
	m.reserveBlock(0, 0, PeerId(1), true, now)
	m.commitBlock(0, 0, PeerId(1))

	_, _, ok := m.destinationFor(0, 0, BlockSize)
	c.Assert(ok, qt.Equals, false)
}

func TestSweepTimeoutsClearsStaleReservations(t *testing.T) {
	c := qt.New(t)
	m := testManager(1)
	past := time.Now().Add(-time.Hour)
	m.reserveBlock(0, 0, PeerId(1), true, past)

	timedOut := m.sweepTimeouts(time.Now(), time.Minute)
	c.Assert(timedOut, qt.HasLen, 1)
	c.Assert(timedOut[0].PeerId, qt.Equals, PeerId(1))

	// The slot is free again afterwards.
	res := m.reserveBlock(0, 0, PeerId(2), true, time.Now())
	c.Assert(res, qt.Equals, ReserveOk)
}

func TestMaxDuplicateRequestsRespectsEndgameFlag(t *testing.T) {
	c := qt.New(t)
	m := testManager(1)
	c.Assert(m.maxDuplicateRequests(), qt.Equals, 1)
	m.endgame = true
	c.Assert(m.maxDuplicateRequests(), qt.Equals, m.cfg.EndgameDuplicateRequests)

	now := time.Now()
	m.reserveBlock(0, 0, PeerId(1), true, now)
	res := m.reserveBlock(0, 0, PeerId(2), true, now)
	c.Assert(res, qt.Equals, ReserveOk)
}

func TestReleasePeerDropsOnlyThatPeersReservations(t *testing.T) {
	c := qt.New(t)
	m := testManager(1)
	m.endgame = true
	now := time.Now()
	m.reserveBlock(0, 0, PeerId(1), true, now)
	m.reserveBlock(0, 0, PeerId(2), true, now)

	m.releasePeer(PeerId(1))

	res := m.reserveBlock(0, 0, PeerId(3), true, now)
	c.Assert(res, qt.Equals, ReserveOk)
	res = m.reserveBlock(0, 0, PeerId(2), true, now)
	c.Assert(res, qt.Equals, ReserveAlreadyRequested)
}

func TestAbandonReturnsDirtiersAndRemovesPiece(t *testing.T) {
	c := qt.New(t)
	m := testManager(1)
	now := time.Now()
	m.reserveBlock(0, 0, PeerId(1), true, now)
	m.commitBlock(0, 0, PeerId(1))

	dirtiers, fingerprints := m.abandon(0)
	c.Assert(dirtiers, qt.HasLen, 1)
	c.Assert(fingerprints, qt.HasLen, 1)
	_, ok := m.get(0)
	c.Assert(ok, qt.Equals, false)
}

func TestCanActivateRespectsMaxActivePieces(t *testing.T) {
	c := qt.New(t)
	m := testManager(10)
	m.cfg.MaxActivePieces = 1
	m.activate(0)
	c.Assert(m.canActivate(4), qt.Equals, false)
}
