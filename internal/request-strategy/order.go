// Package requestStrategy generalizes the teacher's cross-torrent,
// shared-storage-capacity piece request order down to a single ordering
// per Torrent (this spec's Engine does not model torrents that share disk
// capacity), while keeping the same btree-backed scan used for
// rarest-first and sequential selection (spec.md §4.4).
package requestStrategy

import (
	"github.com/anacrolix/multiless"
)

// RequestIndex is a flat index over all blocks in a torrent, with each
// piece's blocks laid out contiguously.
type RequestIndex = uint32

// PieceRequestOrderKey identifies a piece within a torrent's ordering.
type PieceRequestOrderKey struct {
	Index int
}

// Priority mirrors the well known per-file/per-piece priority levels;
// PriorityNone means "never request" (priority 0 in spec.md §4.4, or a
// blacklisted piece).
type Priority int

const (
	PriorityNone Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityReadahead
	PriorityNow
)

// PieceRequestOrderState is the scan key payload: availability for
// rarest-first, a priority level, and a bool marking the piece as
// blacklisted (Phase B never selects it).
type PieceRequestOrderState struct {
	Priority     Priority
	Availability int
	Blacklisted  bool
}

type PieceRequestOrderItem struct {
	Key   PieceRequestOrderKey
	State PieceRequestOrderState
}

// pieceOrderLess ranks higher priority first, then rarer (lower
// availability) first, then lower index first for determinism — this is
// the rarest-first comparator from spec.md §4.4 Phase B.
func pieceOrderLess(a, b *PieceRequestOrderItem) multiless.Computation {
	return multiless.New().
		Int(int(b.State.Priority), int(a.State.Priority)).
		Int(a.State.Availability, b.State.Availability).
		Int(a.Key.Index, b.Key.Index)
}

// Btree is the scan/update contract a concrete ordered-set implementation
// must provide; NewAjwernerBtree is the only implementation wired in,
// grounded on the teacher's own choice of github.com/ajwerner/btree.
type Btree interface {
	Add(PieceRequestOrderItem)
	Delete(PieceRequestOrderItem)
	Scan(func(PieceRequestOrderItem) bool)
}

// PieceRequestOrder maintains one ordered view over a torrent's pieces,
// keyed by PieceRequestOrderKey, re-sorted whenever a piece's state
// changes via Update.
type PieceRequestOrder struct {
	tree  Btree
	byKey map[int]PieceRequestOrderState
}

func NewPieceOrder(tree Btree, numPieces int) *PieceRequestOrder {
	return &PieceRequestOrder{
		tree:  tree,
		byKey: make(map[int]PieceRequestOrderState, numPieces),
	}
}

func (o *PieceRequestOrder) Len() int { return len(o.byKey) }

// Add inserts a new piece into the order, returning the previous state if
// one existed (mirrors the teacher's Option-returning Add).
func (o *PieceRequestOrder) Add(key PieceRequestOrderKey, state PieceRequestOrderState) (old OptionState) {
	if prev, ok := o.byKey[key.Index]; ok {
		old = OptionState{Value: prev, Ok: true}
		o.tree.Delete(PieceRequestOrderItem{Key: key, State: prev})
	}
	o.byKey[key.Index] = state
	o.tree.Add(PieceRequestOrderItem{Key: key, State: state})
	return
}

// Update replaces the state for an existing key, reinserting it into the
// btree so it resorts. Returns whether the state actually changed.
func (o *PieceRequestOrder) Update(key PieceRequestOrderKey, state PieceRequestOrderState) bool {
	prev, ok := o.byKey[key.Index]
	if ok && prev == state {
		return false
	}
	if ok {
		o.tree.Delete(PieceRequestOrderItem{Key: key, State: prev})
	}
	o.byKey[key.Index] = state
	o.tree.Add(PieceRequestOrderItem{Key: key, State: state})
	return true
}

// Delete removes a piece from the order (e.g. once it's verified and no
// longer a request candidate). Returns whether it was present.
func (o *PieceRequestOrder) Delete(key PieceRequestOrderKey) bool {
	prev, ok := o.byKey[key.Index]
	if !ok {
		return false
	}
	o.tree.Delete(PieceRequestOrderItem{Key: key, State: prev})
	delete(o.byKey, key.Index)
	return true
}

// Iter yields items in priority/rarity order, most wanted first.
func (o *PieceRequestOrder) Iter(yield func(PieceRequestOrderItem) bool) {
	o.tree.Scan(yield)
}

type OptionState struct {
	Value PieceRequestOrderState
	Ok    bool
}
