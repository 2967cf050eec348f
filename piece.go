package torrent

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
)

// pieceState is the ActivePiece state machine from spec.md §3.
type pieceState int

const (
	statePartial pieceState = iota
	stateFullyRequested
	stateFullyResponded
	stateVerifying
	stateWriting
)

func (s pieceState) String() string {
	switch s {
	case statePartial:
		return "Partial"
	case stateFullyRequested:
		return "FullyRequested"
	case stateFullyResponded:
		return "FullyResponded"
	case stateVerifying:
		return "Verifying"
	case stateWriting:
		return "Writing"
	default:
		return "Unknown"
	}
}

type blockReservation struct {
	peer        PeerId
	requestedAt time.Time
}

// activePiece is a piece being downloaded: a pre-allocated buffer plus
// per-block reservation/receipt state (spec.md §3).
type activePiece struct {
	index          pieceIndex
	length         int64
	buffer         []byte
	received       roaring.Bitmap // bit set iff buffer holds that block
	blocksPerPiece int
	receivedCount  int
	// reservations per block; normally at most one, endgame allows more.
	requested map[int][]blockReservation
	state     pieceState
	dirtiers  map[PeerId]struct{}

	// blockFingerprints records a cheap xxhash of each landed block, keyed
	// by its contributing peer, for the smart-ban forensic log line emitted
	// when the piece later fails verification (spec.md §4.6 "suspect
	// contributions").
	blockFingerprints map[PeerId][]uint64
}

func (p *activePiece) blockLen(mi *Metainfo, b int) int {
	return mi.BlockLen(p.index, b)
}

func (p *activePiece) blockOffset(b int) int64 { return int64(b) * BlockSize }

// ReserveResult is the outcome of reserveBlock (spec.md §4.3).
type ReserveResult int

const (
	ReserveOk ReserveResult = iota
	ReserveAlreadyRequested
	ReserveAlreadyReceived
	ReservePieceNotActive
)

// TimedOutBlock is one stale reservation returned by sweepTimeouts.
type TimedOutBlock struct {
	PieceIndex pieceIndex
	BlockIndex int
	PeerId     PeerId
}

// sizeKeyedPool hands out reusable piece buffers keyed by length, per the
// "Destination = ActivePiece buffer from a size-keyed pool reused across
// pieces" design note in spec.md §9.
type sizeKeyedPool struct {
	mu    sync.Mutex
	pools map[int64]*sync.Pool
}

func newSizeKeyedPool() *sizeKeyedPool {
	return &sizeKeyedPool{pools: make(map[int64]*sync.Pool)}
}

func (p *sizeKeyedPool) get(size int64) []byte {
	p.mu.Lock()
	pool, ok := p.pools[size]
	if !ok {
		sz := size
		pool = &sync.Pool{New: func() any { return make([]byte, sz) }}
		p.pools[size] = pool
	}
	p.mu.Unlock()
	return pool.Get().([]byte)
}

func (p *sizeKeyedPool) put(size int64, buf []byte) {
	p.mu.Lock()
	pool, ok := p.pools[size]
	p.mu.Unlock()
	if ok && int64(cap(buf)) == size {
		pool.Put(buf[:size])
	}
}

// activePieceManager is the per-Torrent ActivePieceManager (spec.md §4.3).
type activePieceManager struct {
	mi    *Metainfo
	cfg   *Config
	pool  *sizeKeyedPool
	pieces map[pieceIndex]*activePiece

	endgame bool
}

func newActivePieceManager(mi *Metainfo, cfg *Config) *activePieceManager {
	return &activePieceManager{
		mi:     mi,
		cfg:    cfg,
		pool:   newSizeKeyedPool(),
		pieces: make(map[pieceIndex]*activePiece),
	}
}

func (m *activePieceManager) bufferedBytes() int64 {
	var total int64
	for _, p := range m.pieces {
		total += p.length
	}
	return total
}

// partialCount returns the number of ActivePieces that are not yet
// FullyRequested, i.e. still accepting new block reservations.
func (m *activePieceManager) partialCount() int {
	n := 0
	for _, p := range m.pieces {
		if p.state == statePartial {
			n++
		}
	}
	return n
}

// canActivate applies the backpressure admission caps from spec.md §4.3.
func (m *activePieceManager) canActivate(connectedPeers int) bool {
	if len(m.pieces) >= m.cfg.MaxActivePieces {
		return false
	}
	if m.bufferedBytes()+m.mi.PieceLength > m.cfg.MaxBufferedBytes {
		return false
	}
	maxPartials := connectedPeers * 3 / 2
	blocksPerPiece := int((m.mi.PieceLength + BlockSize - 1) / BlockSize)
	if blocksPerPiece < 1 {
		blocksPerPiece = 1
	}
	altCap := 2048 / blocksPerPiece
	if altCap < maxPartials {
		maxPartials = altCap
	}
	if m.partialCount() >= maxPartials {
		return false
	}
	return true
}

// activate lazily creates an ActivePiece, drawing its buffer from the
// size-keyed pool. Callers must have already checked canActivate for a
// brand-new piece (activate itself does not re-check, mirroring spec.md
// §4.3 "Creates the ActivePiece lazily if permitted").
func (m *activePieceManager) activate(index pieceIndex) *activePiece {
	if p, ok := m.pieces[index]; ok {
		return p
	}
	length := m.mi.PieceLen(index)
	p := &activePiece{
		index:          index,
		length:         length,
		buffer:         m.pool.get(length)[:length],
		blocksPerPiece: m.mi.BlocksPerPiece(index),
		requested:      make(map[int][]blockReservation),
		state:          statePartial,
	}
	m.pieces[index] = p
	return p
}

func (m *activePieceManager) get(index pieceIndex) (*activePiece, bool) {
	p, ok := m.pieces[index]
	return p, ok
}

// maxDuplicateRequests returns how many distinct peers may simultaneously
// hold a reservation for the same block right now.
func (m *activePieceManager) maxDuplicateRequests() int {
	if m.endgame {
		return m.cfg.EndgameDuplicateRequests
	}
	return 1
}

// reserveBlock records {peerId, now} against a block, creating the piece
// if necessary. admitNew tells it whether a brand new ActivePiece may be
// created (the scheduler having already run canActivate).
func (m *activePieceManager) reserveBlock(index pieceIndex, blockIndex int, peer PeerId, admitNew bool, now time.Time) ReserveResult {
	p, ok := m.pieces[index]
	if !ok {
		if !admitNew {
			return ReservePieceNotActive
		}
		p = m.activate(index)
	}
	if p.received.ContainsInt(blockIndex) {
		return ReserveAlreadyReceived
	}
	existing := p.requested[blockIndex]
	for _, r := range existing {
		if r.peer == peer {
			return ReserveAlreadyRequested
		}
	}
	if len(existing) >= m.maxDuplicateRequests() {
		return ReserveAlreadyRequested
	}
	p.requested[blockIndex] = append(existing, blockReservation{peer: peer, requestedAt: now})
	if len(p.requested) == p.blocksPerPiece && allBlocksCovered(p) {
		p.state = stateFullyRequested
	}
	return ReserveOk
}

func allBlocksCovered(p *activePiece) bool {
	for b := 0; b < p.blocksPerPiece; b++ {
		if p.received.ContainsInt(b) {
			continue
		}
		if len(p.requested[b]) == 0 {
			return false
		}
	}
	return true
}

// destinationFor resolves where zero-copy PIECE bytes should land. Policy
// per spec.md §4.3: still accept unsolicited blocks that match an active
// piece and the block is missing (tie-break toward progress); otherwise
// discard.
func (m *activePieceManager) destinationFor(index pieceIndex, begin uint32, length uint32) (buf []byte, offset int, ok bool) {
	p, exists := m.pieces[index]
	if !exists {
		return nil, 0, false
	}
	blockIndex := int(begin / BlockSize)
	if p.received.ContainsInt(blockIndex) {
		return nil, 0, false
	}
	return p.buffer, int(begin), true
}

// commitBlock marks a block received. Returns true if the piece is now
// FullyResponded (every block received) and should be enqueued for
// hashing, plus any other peers that held an endgame reservation for this
// same block — the caller is responsible for sending them a CANCEL, since
// their reservation is cleared here and won't be seen again.
func (m *activePieceManager) commitBlock(index pieceIndex, blockIndex int, peer PeerId) (fullyResponded bool, otherHolders []PeerId) {
	p, ok := m.pieces[index]
	if !ok {
		return false, nil
	}
	if p.received.ContainsInt(blockIndex) {
		return false, nil
	}
	existing := p.requested[blockIndex]
	for _, r := range existing {
		if r.peer != peer {
			otherHolders = append(otherHolders, r.peer)
		}
	}
	delete(p.requested, blockIndex)
	p.received.AddInt(blockIndex)
	p.receivedCount++
	if p.dirtiers == nil {
		p.dirtiers = make(map[PeerId]struct{})
	}
	p.dirtiers[peer] = struct{}{}
	if p.blockFingerprints == nil {
		p.blockFingerprints = make(map[PeerId][]uint64)
	}
	begin := p.blockOffset(blockIndex)
	end := begin + int64(p.blockLen(m.mi, blockIndex))
	p.blockFingerprints[peer] = append(p.blockFingerprints[peer], xxhash.Sum64(p.buffer[begin:end]))
	if p.receivedCount == p.blocksPerPiece {
		p.state = stateFullyResponded
		return true, otherHolders
	}
	return false, otherHolders
}

// sweepTimeouts clears reservations older than timeout and returns them
// for penalty accounting (spec.md §3 "RequestTimeout").
func (m *activePieceManager) sweepTimeouts(now time.Time, timeout time.Duration) []TimedOutBlock {
	var out []TimedOutBlock
	for idx, p := range m.pieces {
		for b, reservations := range p.requested {
			kept := reservations[:0]
			for _, r := range reservations {
				if now.Sub(r.requestedAt) > timeout {
					out = append(out, TimedOutBlock{PieceIndex: idx, BlockIndex: b, PeerId: r.peer})
				} else {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 {
				delete(p.requested, b)
				if p.state == stateFullyRequested {
					p.state = statePartial
				}
			} else {
				p.requested[b] = kept
			}
		}
	}
	return out
}

// releasePeer drops all reservations held by peer (spec.md §4.3, on
// disconnect).
func (m *activePieceManager) releasePeer(peer PeerId) {
	for _, p := range m.pieces {
		for b, reservations := range p.requested {
			kept := reservations[:0]
			for _, r := range reservations {
				if r.peer != peer {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 {
				delete(p.requested, b)
				if p.state == stateFullyRequested {
					p.state = statePartial
				}
			} else {
				p.requested[b] = kept
			}
		}
	}
}

// abandon discards a piece's buffer (after hash failure) and returns its
// dirtiers, plus each dirtier's per-block fingerprints, for smart-ban
// accounting.
func (m *activePieceManager) abandon(index pieceIndex) (map[PeerId]struct{}, map[PeerId][]uint64) {
	p, ok := m.pieces[index]
	if !ok {
		return nil, nil
	}
	delete(m.pieces, index)
	m.pool.put(p.length, p.buffer)
	return p.dirtiers, p.blockFingerprints
}

// destroy removes a successfully-written piece from the active set.
func (m *activePieceManager) destroy(index pieceIndex) {
	p, ok := m.pieces[index]
	if !ok {
		return
	}
	delete(m.pieces, index)
	m.pool.put(p.length, p.buffer)
}
