package torrent

import (
	"math/bits"
	"time"

	requestStrategy "github.com/coldharbor-io/torrentcore/internal/request-strategy"
)

// pieceScheduler implements the two-phase piece/block selection policy
// from spec.md §4.4: Phase A drains already-active pieces before Phase B
// promotes new ones, and piece promotion order is rarest-first until the
// warmup window closes, then sequential, switching to duplicate-request
// endgame once few pieces remain unverified.
type pieceScheduler struct {
	t     *Torrent
	order *requestStrategy.PieceRequestOrder

	sequential bool // flips on once WarmupPieces pieces have completed
}

func newPieceScheduler(t *Torrent) *pieceScheduler {
	tree := requestStrategy.NewAjwernerBtree()
	order := requestStrategy.NewPieceOrder(tree, t.mi.PieceCount())
	for i := 0; i < t.mi.PieceCount(); i++ {
		if t.verified.Get(i) {
			continue
		}
		order.Add(requestStrategy.PieceRequestOrderKey{Index: i}, requestStrategy.PieceRequestOrderState{
			Priority:     requestStrategy.PriorityNormal,
			Availability: 0,
		})
	}
	return &pieceScheduler{t: t, order: order}
}

// onPieceVerified removes a piece from the order and, during the warmup
// window, counts toward the rarest-first → sequential switch.
func (s *pieceScheduler) onPieceVerified(index pieceIndex) {
	s.order.Delete(requestStrategy.PieceRequestOrderKey{Index: index})
	if !s.sequential && s.t.verified.Popcount() >= s.t.cfg.WarmupPieces {
		s.sequential = true
	}
}

// refreshAvailability recomputes every ordered piece's availability from
// the peers' bitfields. Availability is not adjusted per HAVE or BITFIELD
// message; tick calls this once per tick, before Phase A/B.
func (s *pieceScheduler) refreshAvailability() {
	avail := make(map[int]int, s.order.Len())
	for _, ps := range s.t.peers {
		if ps.peerBitfield == nil {
			continue
		}
		ps.peerBitfield.Iterate(func(i int) bool {
			avail[i]++
			return true
		})
	}
	var changed []requestStrategy.PieceRequestOrderItem
	s.order.Iter(func(item requestStrategy.PieceRequestOrderItem) bool {
		a := avail[item.Key.Index]
		if a != item.State.Availability {
			item.State.Availability = a
			changed = append(changed, item)
		}
		return true
	})
	for _, item := range changed {
		s.order.Update(item.Key, item.State)
	}
}

// endgameRatio returns the fraction of the torrent's pieces that are not
// yet verified (active and buffered pieces count as remaining).
func (s *pieceScheduler) endgameRatio() float64 {
	total := s.t.mi.PieceCount()
	if total == 0 {
		return 0
	}
	remaining := total - s.t.verified.Popcount()
	return float64(remaining) / float64(total)
}

// tick runs one Phase A / Phase B pass for the torrent, issuing REQUESTs
// against each ready, unchoked peer up to its pipeline depth.
func (s *pieceScheduler) tick(now time.Time) {
	s.t.pieces.endgame = s.endgameRatio() <= s.t.cfg.EndgameThreshold
	s.refreshAvailability()

	for _, ps := range s.t.peers {
		if ps.state != StateReady || ps.peerChoking {
			continue
		}
		s.fillPipeline(ps, now)
	}
}

// fillPipeline drains outstanding work for one peer: Phase A (blocks of
// pieces already active that this peer can supply), then Phase B
// (admitting new pieces from the order) until the peer's pipeline depth
// cap or backpressure stops it.
func (s *pieceScheduler) fillPipeline(ps *PeerSession, now time.Time) {
	maxDepth := s.pipelineDepthFor(ps)
	for ps.canRequestMore(maxDepth) {
		if r, ok := s.phaseA(ps, now); ok {
			ps.enqueueRequest(now, r)
			continue
		}
		if s.t.diskWriter.PendingCount() >= s.t.cfg.MaxPendingWrites {
			return
		}
		if r, ok := s.phaseB(ps, now); ok {
			ps.enqueueRequest(now, r)
			continue
		}
		return
	}
}

// pipelineDepthFor scales between MinPipelineDepth and MaxPipelineDepth,
// the way spec.md §4.4 describes adapting to measured peer throughput:
// here approximated from the total bytes downloaded from the peer over
// the connection's lifetime as a stand-in for a full bandwidth estimator.
func (s *pieceScheduler) pipelineDepthFor(ps *PeerSession) int {
	if ps.downloadedBytes == 0 {
		return s.t.cfg.MinPipelineDepth
	}
	depth := s.t.cfg.MinPipelineDepth + bits.Len64(uint64(ps.downloadedBytes)/BlockSize)
	if depth > s.t.cfg.MaxPipelineDepth {
		depth = s.t.cfg.MaxPipelineDepth
	}
	return depth
}

// phaseA looks for a block in an already-active piece this peer has and
// hasn't already been asked to supply.
func (s *pieceScheduler) phaseA(ps *PeerSession, now time.Time) (Request, bool) {
	for index, p := range s.t.pieces.pieces {
		if ps.peerBitfield == nil || !ps.peerBitfield.Get(index) {
			continue
		}
		for b := 0; b < p.blocksPerPiece; b++ {
			blen := p.blockLen(s.t.mi, b)
			res := s.t.pieces.reserveBlock(index, b, ps.id, false, now)
			if res == ReserveOk {
				return Request{Index: index, Begin: uint32(b) * BlockSize, Length: uint32(blen)}, true
			}
		}
	}
	return Request{}, false
}

// phaseB admits one new piece from the order and reserves its first block.
// The order itself is always rarest-first; once the warmup window closes,
// phaseB instead walks every eligible candidate and keeps the lowest
// index, switching Phase B's admission from rarest-first to sequential
// per spec.md §4.4 without needing a second btree ordering.
func (s *pieceScheduler) phaseB(ps *PeerSession, now time.Time) (Request, bool) {
	if !s.t.pieces.canActivate(len(s.t.peers)) {
		return Request{}, false
	}
	eligible := func(item requestStrategy.PieceRequestOrderItem) bool {
		if item.State.Blacklisted || item.State.Priority == requestStrategy.PriorityNone {
			return false
		}
		if ps.peerBitfield == nil || !ps.peerBitfield.Get(item.Key.Index) {
			return false
		}
		if _, active := s.t.pieces.get(item.Key.Index); active {
			return false
		}
		return true
	}

	var chosen requestStrategy.PieceRequestOrderItem
	found := false
	if s.sequential {
		s.order.Iter(func(item requestStrategy.PieceRequestOrderItem) bool {
			if !eligible(item) {
				return true
			}
			if !found || item.Key.Index < chosen.Key.Index {
				chosen = item
				found = true
			}
			return true
		})
	} else {
		s.order.Iter(func(item requestStrategy.PieceRequestOrderItem) bool {
			if !eligible(item) {
				return true
			}
			chosen = item
			found = true
			return false
		})
	}
	if !found {
		return Request{}, false
	}
	index := chosen.Key.Index
	blen := s.t.mi.BlockLen(index, 0)
	res := s.t.pieces.reserveBlock(index, 0, ps.id, true, now)
	if res != ReserveOk {
		return Request{}, false
	}
	return Request{Index: index, Begin: 0, Length: uint32(blen)}, true
}
