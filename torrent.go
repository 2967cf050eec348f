package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	"github.com/coldharbor-io/torrentcore/bitfield"
	"github.com/coldharbor-io/torrentcore/metrics"
	pp "github.com/coldharbor-io/torrentcore/peer_protocol"
	"github.com/coldharbor-io/torrentcore/sessionstore"
	"github.com/coldharbor-io/torrentcore/storage"
)

func TicksRunInc() { metrics.TicksRun.Inc() }

func MetricsPiecesVerifiedInc(result string) { metrics.PiecesVerified.WithLabelValues(result).Inc() }

// Torrent is one torrent's scheduling domain: a single lockWithDeferreds
// guards every field below, and all mutation happens either on the tick
// goroutine or inside a withLock callback invoked from a PeerSession's
// read loop, mirroring the teacher's Client-wide-lock design scaled down
// to one torrent (spec.md §4.7).
type Torrent struct {
	mu lockWithDeferreds

	cl  *Client
	cfg *Config
	mi  *Metainfo

	logger  log.Logger
	backend storage.Backend
	store   storage.TorrentStorage

	pieces    *activePieceManager
	verified  *bitfield.Bitfield
	scheduler *pieceScheduler
	choke     *chokeManager

	diskWriter *DiskWriter
	hashQueue  []pieceIndex

	peers      map[PeerId]*PeerSession
	nextPeerID PeerId

	downloaded Count
	uploaded   Count

	addedAt              time.Time
	completedAt          *time.Time
	completionsSincePersist int

	// errorMessage is set once an IoError completion arrives (spec.md §7:
	// IoError stops scheduling and is surfaced to the host). Non-empty for
	// the lifetime of the Torrent; there is no automatic recovery short of
	// the host calling Recheck or removing and re-adding the torrent.
	errorMessage g.Option[string]

	// completedEvent wakes any WaitCompleted callers once every piece has
	// verified, mirroring the teacher's event-broadcast wakeup pattern for
	// blocking calls layered on top of the lock-protected state.
	completedEvent Event

	closed chansync.SetOnce
}

// NewTorrent constructs a Torrent ready to Start, opening (or creating)
// its storage via backend and restoring any persisted resume state from
// cfg.SessionStore (spec.md §6 AddTorrent).
func NewTorrent(cl *Client, mi *Metainfo, backend storage.Backend, cfg *Config) (*Torrent, error) {
	ctx := context.Background()
	store, err := backend.OpenTorrent(ctx, &storage.Info{
		PieceLength: mi.PieceLength,
		TotalLength: mi.TotalLength,
		PieceCount:  mi.PieceCount(),
	}, mi.InfoHash)
	if err != nil {
		return nil, wrapf(ErrorKindIoError, "open storage: %v", err)
	}

	t := &Torrent{
		cl:       cl,
		cfg:      cfg,
		mi:       mi,
		logger:   cfg.Logger,
		backend:  backend,
		store:    store,
		verified: bitfield.New(mi.PieceCount()),
		peers:    make(map[PeerId]*PeerSession),
		addedAt:  time.Now(),
	}
	// Resume state is restored before the scheduler is built so that
	// newPieceScheduler leaves already-verified pieces out of its order.
	if cfg.SessionStore != nil {
		t.restoreState(cfg.SessionStore)
	}
	t.pieces = newActivePieceManager(mi, cfg)
	t.diskWriter = newDiskWriter(cfg.HashWorkers, cfg.MaxPendingWrites)
	t.scheduler = newPieceScheduler(t)
	t.choke = newChokeManager(t)
	return t, nil
}

func (t *Torrent) infoHashHex() string { return fmt.Sprintf("%x", t.mi.InfoHash) }

func (t *Torrent) withLock(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f()
}

// restoreState applies a previously persisted Bitfield and counters
// (spec.md §6, resume state).
func (t *Torrent) restoreState(store sessionstore.Store) {
	raw, err := store.Get(sessionstore.StateKey(t.infoHashHex()))
	if err != nil || raw == nil {
		return
	}
	state, err := sessionstore.Unmarshal(raw)
	if err != nil {
		t.logger.WithDefaultLevel(log.Warning).Printf("discarding corrupt resume state: %v", err)
		return
	}
	bf, err := bitfield.FromBytes(t.mi.PieceCount(), state.Bitfield)
	if err != nil {
		t.logger.WithDefaultLevel(log.Warning).Printf("discarding resume bitfield: %v", err)
		return
	}
	t.verified = bf
	t.downloaded.Add(int64(state.Downloaded))
	t.uploaded.Add(int64(state.Uploaded))
	if state.CompletedAt != nil {
		ts := time.Unix(int64(*state.CompletedAt), 0)
		t.completedAt = &ts
	}
}

// persistState writes the current Bitfield and counters back to the
// session store, called at most once every PersistEveryNCompletions write
// completions (spec.md §4.6 step 4, §6).
func (t *Torrent) persistState() {
	if t.cfg.SessionStore == nil {
		return
	}
	state := sessionstore.State{
		Bitfield:   t.verified.Bytes(),
		Downloaded: uint64(t.downloaded.Int64()),
		Uploaded:   uint64(t.uploaded.Int64()),
		AddedAt:    uint64(t.addedAt.Unix()),
	}
	if t.completedAt != nil {
		ts := uint64(t.completedAt.Unix())
		state.CompletedAt = &ts
	}
	if err := t.cfg.SessionStore.Set(sessionstore.StateKey(t.infoHashHex()), state.Marshal()); err != nil {
		t.logger.WithDefaultLevel(log.Warning).Printf("persist resume state: %v", err)
	}
}

// Start launches the tick loop goroutine (spec.md §4.7).
func (t *Torrent) Start() {
	go t.tickLoop()
}

func (t *Torrent) tickLoop() {
	delay := t.cfg.MinTickInterval
	for {
		select {
		case <-t.closed.Done():
			t.diskWriter.Close()
			return
		case <-time.After(delay):
		}
		t.withLock(func() {
			delay = t.runTick(time.Now())
		})
	}
}

// runTick executes the six-step scheduling pass from spec.md §4.7: drain
// write completions, retry the hash-queue backlog, sweep request timeouts,
// run the piece scheduler (skipped while the torrent is errored), run
// choke/unchoke maintenance, then pick the next tick's delay from the
// hasher backlog and peer activity. Keepalives are sent by each peer's
// writeLoop, not here.
func (t *Torrent) runTick(now time.Time) time.Duration {
	TicksRunInc()

	for _, c := range t.diskWriter.DrainCompletions() {
		t.handleWriteCompletion(c)
	}

	t.retryHashQueue()

	for _, timedOut := range t.pieces.sweepTimeouts(now, t.cfg.RequestTimeout) {
		if ps, ok := t.peerByID(timedOut.PeerId); ok {
			blen := t.mi.BlockLen(timedOut.PieceIndex, timedOut.BlockIndex)
			ps.clearRequest(Request{Index: timedOut.PieceIndex, Begin: uint32(timedOut.BlockIndex) * BlockSize, Length: uint32(blen)})
		}
	}

	if !t.errorMessage.Ok {
		t.scheduler.tick(now)
	}
	t.choke.tick(now)

	backlog := len(t.hashQueue)
	if backlog >= t.cfg.HasherBacklogThreshold {
		return t.cfg.IdleTickInterval
	}
	if t.allPeersIdle() {
		return t.cfg.IdleTickInterval
	}
	return t.cfg.MinTickInterval
}

func (t *Torrent) allPeersIdle() bool {
	for _, ps := range t.peers {
		if ps.requestPipelineDepth() > 0 {
			return false
		}
	}
	return true
}

// enqueuePieceForHash transitions a FullyResponded piece into the hash
// queue, draining it onto the DiskWriter (spec.md §4.6 step 1).
func (t *Torrent) enqueuePieceForHash(index pieceIndex) {
	p, ok := t.pieces.get(index)
	if !ok {
		return
	}
	job := verifiedWriteJob{
		callbackID:   t.diskWriter.allocCallbackID(),
		pieceIndex:   index,
		expectedHash: t.mi.PieceHashes[index],
		buffer:       p.buffer,
		dest:         t.store.Piece(index, p.length, int64(index)*t.mi.PieceLength),
	}
	if !t.diskWriter.Submit(job) {
		t.hashQueue = append(t.hashQueue, index)
	}
}

// retryHashQueue resubmits pieces that backed up behind a full DiskWriter
// (spec.md §4.6 step 1), preserving order and stopping at the first one
// that still doesn't fit so backpressure is respected.
func (t *Torrent) retryHashQueue() {
	i := 0
	for ; i < len(t.hashQueue); i++ {
		index := t.hashQueue[i]
		p, ok := t.pieces.get(index)
		if !ok {
			continue
		}
		job := verifiedWriteJob{
			callbackID:   t.diskWriter.allocCallbackID(),
			pieceIndex:   index,
			expectedHash: t.mi.PieceHashes[index],
			buffer:       p.buffer,
			dest:         t.store.Piece(index, p.length, int64(index)*t.mi.PieceLength),
		}
		if !t.diskWriter.Submit(job) {
			break
		}
	}
	t.hashQueue = t.hashQueue[i:]
}

func (t *Torrent) handleWriteCompletion(c WriteCompletion) {
	switch c.Result {
	case ResultSuccess:
		t.verified.Set(c.PieceIndex)
		t.pieces.destroy(c.PieceIndex)
		t.downloaded.Add(int64(c.BytesWritten))
		t.scheduler.onPieceVerified(c.PieceIndex)
		for _, ps := range t.peers {
			ps.sendHave(c.PieceIndex)
		}
		if t.verified.Complete() && t.completedAt == nil {
			now := time.Now()
			t.completedAt = &now
			t.completedEvent.Broadcast()
		}
		MetricsPiecesVerifiedInc("success")
	case ResultHashMismatch:
		dirtiers, fingerprints := t.pieces.abandon(c.PieceIndex)
		t.banSuspects(c.PieceIndex, dirtiers, fingerprints)
		MetricsPiecesVerifiedInc("hash_mismatch")
	case ResultIoError:
		t.pieces.abandon(c.PieceIndex)
		msg := fmt.Sprintf("piece %d write failed: %v", c.PieceIndex, c.Err)
		t.errorMessage = g.Some(msg)
		t.logger.WithDefaultLevel(log.Error).Printf("%s", msg)
		MetricsPiecesVerifiedInc("io_error")
	}
	t.completionsSincePersist++
	if t.completionsSincePersist >= t.cfg.PersistEveryNCompletions {
		t.persistState()
		t.completionsSincePersist = 0
	}
}

// banSuspects implements the smart-ban gist of spec.md §4.6: every peer
// that contributed a block to a piece that failed verification is
// penalized, since exactly one of them sent bad data. The per-block
// fingerprints are logged alongside each drop so a later cross-reference
// (e.g. against the same blocks landing correctly from a different peer)
// can narrow the culprit down from the whole-piece dirtier set.
func (t *Torrent) banSuspects(index pieceIndex, dirtiers map[PeerId]struct{}, fingerprints map[PeerId][]uint64) {
	for id := range dirtiers {
		if ps, ok := t.peers[id]; ok {
			t.logger.WithDefaultLevel(log.Debug).Printf(
				"piece %d hash mismatch: peer %v contributed blocks with fingerprints %x",
				index, ps.remoteAddr, fingerprints[id])
			t.dropPeer(ps, fmt.Errorf("piece hash mismatch"))
		}
	}
}

func (t *Torrent) penalizeSnubbedPeer(ps *PeerSession) {
	for _, r := range ps.outstandingRequests.Keys() {
		ps.clearRequest(r)
		if other, ok := t.pickAlternatePeer(r, ps.id); ok {
			_ = other
		}
	}
}

func (t *Torrent) pickAlternatePeer(r Request, exclude PeerId) (*PeerSession, bool) {
	for id, ps := range t.peers {
		if id == exclude || ps.peerChoking {
			continue
		}
		if ps.peerBitfield != nil && ps.peerBitfield.Get(r.Index) {
			return ps, true
		}
	}
	return nil, false
}

func (t *Torrent) peerByID(id PeerId) (*PeerSession, bool) {
	ps, ok := t.peers[id]
	return ps, ok
}

// dropPeer closes a connection and releases its reservations; the actual
// map deletion happens in handlePeerClosed once the read loop unwinds, so
// callers holding the lock may call this freely.
func (t *Torrent) dropPeer(ps *PeerSession, reason error) {
	t.pieces.releasePeer(ps.id)
	ps.close()
}

func (t *Torrent) handlePeerIOError(ps *PeerSession, err error) {
	t.logger.WithDefaultLevel(log.Debug).Printf("peer %v io error: %v", ps.remoteAddr, err)
	t.dropPeer(ps, err)
}

func (t *Torrent) handlePeerClosed(ps *PeerSession) {
	t.withLock(func() {
		t.pieces.releasePeer(ps.id)
		delete(t.peers, ps.id)
	})
}

// handlePeerMessage applies one decoded non-PIECE message to connection
// and torrent state (spec.md §4.2 step 2 state table).
func (t *Torrent) handlePeerMessage(ps *PeerSession, msg pp.Message) {
	switch msg.Type {
	case pp.Choke:
		ps.peerChoking = true
		for _, r := range ps.outstandingRequests.Keys() {
			ps.clearRequest(r)
		}
	case pp.Unchoke:
		ps.peerChoking = false
	case pp.Interested:
		ps.peerInterested = true
	case pp.NotInterested:
		ps.peerInterested = false
	case pp.Have:
		if ps.peerBitfield == nil {
			ps.peerBitfield = bitfield.New(t.mi.PieceCount())
		}
		ps.peerBitfield.Set(int(msg.Index))
		t.updateInterest(ps)
	case pp.Bitfield:
		if err := ps.handleBitfieldMessage(msg.Piece); err != nil {
			t.dropPeer(ps, err)
			return
		}
		t.updateInterest(ps)
	case pp.Request:
		t.serveRequest(ps, Request{Index: pieceIndex(msg.Index), Begin: msg.Begin, Length: msg.Length})
	case pp.Cancel:
		// Outbound PIECE coalescing/cancellation is out of scope: uploads
		// here are small and synchronous (serveRequest below), so a CANCEL
		// racing a completed send is harmless.
	case pp.Port:
		// DHT port announcement: ignored. Neither the Torrent nor the Client
		// forwards it to DhtEvents (spec.md §4.8 Non-goal boundary for the
		// core itself).
	case pp.Extended:
		// ut_metadata / ut_pex handling is a Non-goal of this core
		// (spec.md §1): EXTENDED messages are ignored, and the core never
		// sends a BEP 10 extended handshake of its own.
	}
}

func (t *Torrent) updateInterest(ps *PeerSession) {
	interested := false
	if ps.peerBitfield != nil {
		ps.peerBitfield.Iterate(func(i int) bool {
			if !t.verified.Get(i) {
				interested = true
				return false
			}
			return true
		})
	}
	ps.setAmInterested(interested)
}

// serveRequest reads a block straight from storage and queues the PIECE
// reply (spec.md §4.2, upload path). Choked peers, and pieces we haven't
// actually verified yet, are not served.
func (t *Torrent) serveRequest(ps *PeerSession, r Request) {
	if ps.amChoking {
		return
	}
	if !t.verified.Get(r.Index) {
		return
	}
	if !t.choke.limiter.AllowN(time.Now(), int(r.Length)) {
		return
	}
	length := t.mi.PieceLen(r.Index)
	piece := t.store.Piece(r.Index, length, int64(r.Index)*t.mi.PieceLength)
	buf := make([]byte, r.Length)
	if _, err := piece.ReadAt(buf, int64(r.Begin)); err != nil {
		return
	}
	ps.send(pp.Message{Type: pp.Piece, Index: pp.Integer(r.Index), Begin: r.Begin, Piece: buf})
	ps.uploadedBytes += int64(r.Length)
	t.uploaded.Add(int64(r.Length))
}

// addPeerSession registers a freshly handshaken connection, sends our
// current bitfield, and starts its IO goroutines (spec.md §4.2 steps 1-2).
func (t *Torrent) addPeerSession(ps *PeerSession) {
	t.peers[ps.id] = ps
	ps.state = StateReady
	go ps.readLoop()
	go ps.writeLoop()
	if t.verified.Popcount() > 0 {
		ps.sendBitfield(t.verified)
	}
}

func (t *Torrent) allocPeerID() PeerId {
	t.nextPeerID++
	return t.nextPeerID
}

func (t *Torrent) pieceHashMatches(index pieceIndex, data []byte) bool {
	sum := sha1.Sum(data)
	return sum == t.mi.PieceHashes[index]
}

// Recheck rehashes every piece against storage and rebuilds the verified
// Bitfield from ground truth (spec.md §6).
func (t *Torrent) Recheck(ctx context.Context) error {
	t.withLock(func() {
		t.verified.Reset()
		t.errorMessage = g.Option[string]{}
	})
	for i := 0; i < t.mi.PieceCount(); i++ {
		length := t.mi.PieceLen(i)
		buf := make([]byte, length)
		piece := t.store.Piece(i, length, int64(i)*t.mi.PieceLength)
		if _, err := piece.ReadAt(buf, 0); err != nil {
			continue
		}
		if t.pieceHashMatches(i, buf) {
			t.withLock(func() { t.verified.Set(i) })
		}
	}
	t.withLock(t.persistState)
	return nil
}

// WaitCompleted blocks until every piece has verified or ctx is done,
// using the teacher's lockWithDeferreds-compatible Event instead of
// sync.Cond so it can safely wait while holding t.mu (spec.md §6's
// "block until complete" host convenience, layered over GetStatus).
func (t *Torrent) WaitCompleted(ctx context.Context) error {
	done := make(chan struct{})
	abandoned := make(chan struct{})
	go func() {
		defer close(done)
		t.withLock(func() {
			for !t.verified.Complete() {
				t.completedEvent.Wait(&t.mu)
				select {
				case <-abandoned:
					return
				default:
				}
			}
		})
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(abandoned)
		t.withLock(t.completedEvent.Broadcast)
		<-done
		return ctx.Err()
	}
}

// Close tears down the tick loop, disk writer, and storage.
func (t *Torrent) Close() error {
	t.closed.Set()
	return t.store.Close()
}
