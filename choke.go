package torrent

import (
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// chokeManager implements the unchoke rotation, optimistic unchoke, and
// anti-snubbing policy from spec.md §4.5.
type chokeManager struct {
	t *Torrent

	lastUnchokeRun    time.Time
	lastOptimisticRun time.Time
	optimisticPeer    PeerId
	haveOptimistic    bool

	limiter *rate.Limiter
}

func newChokeManager(t *Torrent) *chokeManager {
	return &chokeManager{
		t: t,
		// Upload limiter is per-torrent; Inf by default (no cap configured
		// at this layer — a host wires a shared limiter in if it wants one).
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// tick runs choke/unchoke maintenance if the relevant interval has
// elapsed. Safe to call every scheduling-domain tick.
func (cm *chokeManager) tick(now time.Time) {
	if now.Sub(cm.lastUnchokeRun) >= cm.t.cfg.UnchokeInterval {
		cm.runUnchokeRotation(now)
		cm.lastUnchokeRun = now
	}
	if now.Sub(cm.lastOptimisticRun) >= cm.t.cfg.OptimisticUnchokeInterval {
		cm.runOptimisticUnchoke(now)
		cm.lastOptimisticRun = now
	}
	cm.sweepSnubbed(now)
}

// runUnchokeRotation unchokes the MaxUploadSlots interested peers that have
// sent us the most data, choking everyone else (except the current
// optimistic unchoke), per spec.md §4.5's 10-second cadence. Peers are
// ranked by the total bytes downloaded from them over the connection's
// lifetime; no recent-rate window is kept.
func (cm *chokeManager) runUnchokeRotation(now time.Time) {
	type candidate struct {
		ps   *PeerSession
		rate int64
	}
	var candidates []candidate
	for _, ps := range cm.t.peers {
		if ps.state != StateReady || !ps.peerInterested {
			continue
		}
		candidates = append(candidates, candidate{ps: ps, rate: ps.downloadedBytes})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rate > candidates[j].rate })

	slots := cm.t.cfg.MaxUploadSlots
	unchoked := make(map[PeerId]bool, slots)
	for i, c := range candidates {
		if i >= slots {
			break
		}
		unchoked[c.ps.id] = true
	}
	if cm.haveOptimistic {
		unchoked[cm.optimisticPeer] = true
	}
	for _, ps := range cm.t.peers {
		ps.setAmChoking(!unchoked[ps.id])
	}
}

// runOptimisticUnchoke rotates the optimistic-unchoke slot to a random
// choked, interested peer every 30s (spec.md §4.5), giving new peers a
// chance to prove themselves outside the throughput-ranked rotation.
func (cm *chokeManager) runOptimisticUnchoke(now time.Time) {
	var candidates []*PeerSession
	for _, ps := range cm.t.peers {
		if ps.state != StateReady || !ps.peerInterested || !ps.amChoking || ps.id == cm.optimisticPeer {
			continue
		}
		candidates = append(candidates, ps)
	}
	if len(candidates) == 0 {
		return
	}
	pick := candidates[int(now.UnixNano())%len(candidates)]
	cm.optimisticPeer = pick.id
	cm.haveOptimistic = true
	pick.setAmChoking(false)
}

// sweepSnubbed clears the outstanding requests of Ready peers that have not
// sent us a useful block within AntiSnubInterval, per spec.md §4.5. Peers
// we are interested in that have unchoked us are skipped. Snubbing peers
// stay connected, and their choke state is not changed.
func (cm *chokeManager) sweepSnubbed(now time.Time) {
	for _, ps := range cm.t.peers {
		if ps.state != StateReady {
			continue
		}
		if ps.amInterested && !ps.peerChoking {
			continue
		}
		if now.Sub(ps.lastUsefulReceived) < cm.t.cfg.AntiSnubInterval {
			continue
		}
		if ps.requestPipelineDepth() > 0 {
			cm.t.penalizeSnubbedPeer(ps)
		}
	}
}
