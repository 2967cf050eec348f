package torrent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	pp "github.com/coldharbor-io/torrentcore/peer_protocol"
	"github.com/coldharbor-io/torrentcore/storage"
)

type fakePieceStorage struct{}

func (fakePieceStorage) ReadAt(p []byte, off int64) (int, error) { return len(p), nil }
func (fakePieceStorage) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }

type fakeTorrentStorage struct{}

func (fakeTorrentStorage) Piece(index int, length int64, offset int64) storage.PieceStorage {
	return fakePieceStorage{}
}
func (fakeTorrentStorage) Close() error { return nil }

// testTorrentWithStorage extends testTorrent with a store and disk writer so
// the hash-queue/write-completion paths have something to submit jobs to.
func testTorrentWithStorage(pieceCount int, workers, maxPending int) *Torrent {
	tor := testTorrent(pieceCount)
	tor.store = fakeTorrentStorage{}
	tor.diskWriter = newDiskWriter(workers, maxPending)
	return tor
}

func TestRetryHashQueueDrainsInOrderRespectingBackpressure(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(3, 0, 1)
	tor.pieces.activate(0)
	tor.pieces.activate(1)
	tor.pieces.activate(2)

	tor.enqueuePieceForHash(0) // fills the single pending slot
	c.Assert(tor.hashQueue, qt.HasLen, 0)

	tor.enqueuePieceForHash(1)
	tor.enqueuePieceForHash(2)
	c.Assert(tor.hashQueue, qt.DeepEquals, []pieceIndex{1, 2})

	tor.retryHashQueue()
	c.Assert(tor.hashQueue, qt.DeepEquals, []pieceIndex{1, 2}) // still backed up

	// Simulate a worker dequeuing and finishing piece 0's job: free its
	// channel slot and the pending counter the way DiskWriter.process would.
	<-tor.diskWriter.jobs
	atomic.AddInt64(&tor.diskWriter.pending, -1)
	tor.retryHashQueue()
	c.Assert(tor.hashQueue, qt.DeepEquals, []pieceIndex{2})

	<-tor.diskWriter.jobs
	atomic.AddInt64(&tor.diskWriter.pending, -1)
	tor.retryHashQueue()
	c.Assert(tor.hashQueue, qt.HasLen, 0)
}

func TestHandleWriteCompletionSuccessMarksVerifiedAndNotifiesPeers(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(2, 0, 4)
	tor.pieces.activate(0)
	ps := testPeer(1, tor, 0)

	tor.handleWriteCompletion(WriteCompletion{PieceIndex: 0, BytesWritten: int(tor.mi.PieceLen(0)), Result: ResultSuccess})

	c.Assert(tor.verified.Get(0), qt.Equals, true)
	_, ok := tor.pieces.get(0)
	c.Assert(ok, qt.Equals, false) // destroyed, not left active
	c.Assert(tor.downloaded.Int64(), qt.Equals, tor.mi.PieceLen(0))
	c.Assert(tor.verified.Complete(), qt.Equals, false) // piece 1 still missing

	msg := <-ps.writeCh
	c.Assert(msg.Type, qt.Equals, pp.Have)
}

func TestHandleWriteCompletionHashMismatchDropsDirtiers(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(1, 0, 4)
	tor.pieces.activate(0)
	ps := testPeer(1, tor, 0)
	tor.pieces.reserveBlock(0, 0, ps.id, true, time.Now())
	tor.pieces.commitBlock(0, 0, ps.id)

	tor.handleWriteCompletion(WriteCompletion{PieceIndex: 0, Result: ResultHashMismatch})

	c.Assert(ps.closed.IsSet(), qt.Equals, true)
	c.Assert(tor.verified.Get(0), qt.Equals, false)
	_, ok := tor.pieces.get(0)
	c.Assert(ok, qt.Equals, false)
}

func TestHandleWriteCompletionIoErrorAbandonsPieceWithoutBanning(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(1, 0, 4)
	tor.pieces.activate(0)
	ps := testPeer(1, tor, 0)

	tor.handleWriteCompletion(WriteCompletion{PieceIndex: 0, Result: ResultIoError, Err: context.DeadlineExceeded})

	c.Assert(ps.closed.IsSet(), qt.Equals, false) // io errors aren't a smart-ban trigger
	_, ok := tor.pieces.get(0)
	c.Assert(ok, qt.Equals, false)
	c.Assert(tor.errorMessage.Ok, qt.Equals, true)

	st := tor.GetStatus()
	c.Assert(st.Errored, qt.Equals, true)
	c.Assert(st.ErrorMessage, qt.Not(qt.Equals), "")
}

func TestRunTickSkipsSchedulerWhileErrored(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(1, 0, 4)
	tor.choke = newChokeManager(tor)
	tor.handleWriteCompletion(WriteCompletion{PieceIndex: 0, Result: ResultIoError, Err: context.DeadlineExceeded})
	c.Assert(tor.errorMessage.Ok, qt.Equals, true)

	ps := testPeer(1, tor, 1)
	ps.peerChoking = false

	tor.runTick(time.Now())
	c.Assert(ps.requestPipelineDepth(), qt.Equals, 0) // phaseB never ran to issue a REQUEST
}

func TestRecheckClearsErrorMessage(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(1, 0, 4)
	tor.handleWriteCompletion(WriteCompletion{PieceIndex: 0, Result: ResultIoError, Err: context.DeadlineExceeded})
	c.Assert(tor.errorMessage.Ok, qt.Equals, true)

	c.Assert(tor.Recheck(context.Background()), qt.IsNil)
	c.Assert(tor.errorMessage.Ok, qt.Equals, false)
}

func TestServeRequestSkipsUnverifiedPiece(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(1, 0, 4)
	tor.choke = newChokeManager(tor)
	ps := testPeer(1, tor, 0)
	ps.amChoking = false

	tor.serveRequest(ps, Request{Index: 0, Begin: 0, Length: BlockSize})
	select {
	case <-ps.writeCh:
		t.Fatal("serveRequest sent a PIECE for an unverified index")
	default:
	}

	tor.verified.Set(0)
	tor.serveRequest(ps, Request{Index: 0, Begin: 0, Length: BlockSize})
	msg := <-ps.writeCh
	c.Assert(msg.Type, qt.Equals, pp.Piece)
}

func TestWaitCompletedReturnsImmediatelyWhenAlreadyComplete(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(1, 0, 4)
	tor.verified.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := tor.WaitCompleted(ctx)
	c.Assert(err, qt.IsNil)
}

func TestWaitCompletedWakesOnCompletion(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(1, 0, 4)
	tor.pieces.activate(0)

	errCh := make(chan error, 1)
	go func() {
		errCh <- tor.WaitCompleted(context.Background())
	}()
	time.Sleep(10 * time.Millisecond) // let WaitCompleted start waiting

	tor.withLock(func() {
		tor.handleWriteCompletion(WriteCompletion{PieceIndex: 0, Result: ResultSuccess})
	})

	select {
	case err := <-errCh:
		c.Assert(err, qt.IsNil)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitCompleted never woke up")
	}
}

func TestWaitCompletedRespectsContextCancellation(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(1, 0, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tor.WaitCompleted(ctx)
	c.Assert(err, qt.Equals, context.DeadlineExceeded)
}

func TestAllPeersIdleReflectsOutstandingRequests(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(1)
	c.Assert(tor.allPeersIdle(), qt.Equals, true)

	ps := testPeer(1, tor, 0)
	ps.peerChoking = false
	ps.enqueueRequest(time.Now(), Request{Index: 0, Begin: 0, Length: BlockSize})
	c.Assert(tor.allPeersIdle(), qt.Equals, false)
}

func TestRunTickReturnsIdleIntervalWhenHasherBacklogged(t *testing.T) {
	c := qt.New(t)
	tor := testTorrentWithStorage(1, 0, 1) // maxPending=1, no workers to drain it
	tor.choke = newChokeManager(tor)
	tor.cfg.HasherBacklogThreshold = 1
	tor.pieces.activate(0)

	tor.enqueuePieceForHash(0) // fills the single pending slot
	tor.enqueuePieceForHash(0) // a second piece's worth would queue; reuse index 0 as a stand-in
	c.Assert(tor.hashQueue, qt.HasLen, 1)

	delay := tor.runTick(time.Now())
	c.Assert(delay, qt.Equals, tor.cfg.IdleTickInterval)
}

func TestUpdateInterestSetsInterestedWhenPeerHasMissingPiece(t *testing.T) {
	c := qt.New(t)
	tor := testTorrent(2)
	ps := testPeer(1, tor, 2)

	tor.updateInterest(ps)
	c.Assert(ps.amInterested, qt.Equals, true)

	tor.verified.Set(0)
	tor.verified.Set(1)
	tor.updateInterest(ps)
	c.Assert(ps.amInterested, qt.Equals, false)
}
