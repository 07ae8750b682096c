// Package book maintains the local order book replica for one symbol.
//
// A Replica combines a REST depth snapshot with the venue's sequence-numbered
// diff stream. Sequence discipline (with last = last applied sequence):
//
//   - u ≤ last           → diff already reflected, discard
//   - U ≤ last+1 ≤ u     → apply, advance last to u
//   - U > last+1         → gap: the replica is desynced, a fresh snapshot
//     is required (diffs may still be reconciled against a pending
//     snapshot's lastUpdateId, see ApplySnapshot)
//
// A Replica is exclusively owned by its symbol's actor and is not safe for
// concurrent use; other components read it through immutable views the actor
// publishes.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"perpfeed/pkg/types"
)

// Replica is the bid/ask price ladder plus sequence bookkeeping.
// Price keys are the venue's decimal strings, never floats.
type Replica struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal

	lastUpdateID int64 // sequence id of the seeding snapshot
	lastSeq      int64 // u of the last applied diff (= lastUpdateID right after a snapshot)
	initialized  bool
}

// ApplyResult reports the disposition of a single diff.
type ApplyResult struct {
	Applied bool // diff mutated the replica and advanced the sequence
	Stale   bool // u ≤ last: already reflected, no-op
	Gap     bool // U > last+1: sequence gap, replica untouched
}

// SnapshotResult reports a snapshot apply including reconciliation of diffs
// buffered while the snapshot was in flight.
type SnapshotResult struct {
	OK           bool
	GapDetected  bool // buffered diffs could not close the gap above lastUpdateId
	AppliedCount int  // buffered diffs replayed on top of the snapshot
	DroppedCount int  // buffered diffs with u ≤ lastUpdateId, already reflected
}

// NewReplica creates an empty, uninitialized replica.
func NewReplica() *Replica {
	return &Replica{
		bids: make(map[string]decimal.Decimal),
		asks: make(map[string]decimal.Decimal),
	}
}

// Initialized reports whether a snapshot has seeded the replica.
func (r *Replica) Initialized() bool { return r.initialized }

// LastUpdateID returns the sequence id of the seeding snapshot.
func (r *Replica) LastUpdateID() int64 { return r.lastUpdateID }

// LastSeq returns the last applied sequence (u of the last applied diff).
func (r *Replica) LastSeq() int64 { return r.lastSeq }

// Reset discards all book state. The replica must be re-seeded by a snapshot
// before diffs apply again.
func (r *Replica) Reset() {
	r.bids = make(map[string]decimal.Decimal)
	r.asks = make(map[string]decimal.Decimal)
	r.lastUpdateID = 0
	r.lastSeq = 0
	r.initialized = false
}

// ApplyDiff applies one depth diff under the sequence discipline above.
// An uninitialized replica reports a gap: nothing can be applied before the
// first snapshot.
func (r *Replica) ApplyDiff(diff types.DepthDiff) ApplyResult {
	if !r.initialized {
		return ApplyResult{Gap: true}
	}
	if diff.FinalID <= r.lastSeq {
		return ApplyResult{Stale: true}
	}
	if diff.FirstID > r.lastSeq+1 {
		return ApplyResult{Gap: true}
	}

	r.applySide(r.bids, diff.Bids)
	r.applySide(r.asks, diff.Asks)
	r.lastSeq = diff.FinalID
	return ApplyResult{Applied: true}
}

// ApplySnapshot resets the replica from a full snapshot and replays buffered
// diffs in ascending-u order. Buffered diffs with u ≤ lastUpdateId are
// dropped; diffs with U ≤ lastUpdateId+1 ≤ u apply in order. If the first
// surviving diff still leaves a hole above lastUpdateId the result reports
// GapDetected and the replica keeps the bare snapshot state (the caller
// resyncs).
func (r *Replica) ApplySnapshot(snap types.DepthSnapshot, buffered []types.DepthDiff) SnapshotResult {
	r.bids = make(map[string]decimal.Decimal, len(snap.Bids))
	r.asks = make(map[string]decimal.Decimal, len(snap.Asks))
	for _, level := range snap.Bids {
		r.upsert(r.bids, level)
	}
	for _, level := range snap.Asks {
		r.upsert(r.asks, level)
	}
	r.lastUpdateID = snap.LastUpdateID
	r.lastSeq = snap.LastUpdateID
	r.initialized = true

	result := SnapshotResult{OK: true}
	if len(buffered) == 0 {
		return result
	}

	sort.SliceStable(buffered, func(i, j int) bool {
		return buffered[i].FinalID < buffered[j].FinalID
	})
	for _, diff := range buffered {
		applied := r.ApplyDiff(diff)
		switch {
		case applied.Applied:
			result.AppliedCount++
		case applied.Stale:
			result.DroppedCount++
		case applied.Gap:
			result.GapDetected = true
			result.OK = false
			return result
		}
	}
	return result
}

// applySide applies diff levels to one side. Zero quantity deletes the level,
// so no price ever maps to zero quantity.
func (r *Replica) applySide(side map[string]decimal.Decimal, levels []types.PriceLevel) {
	for _, level := range levels {
		if level.Price == "" {
			continue
		}
		qty, err := decimal.NewFromString(level.Qty)
		if err != nil || qty.Sign() <= 0 {
			delete(side, level.Price)
			continue
		}
		side[level.Price] = qty
	}
}

// upsert inserts one snapshot level, skipping empty or zero-quantity entries.
func (r *Replica) upsert(side map[string]decimal.Decimal, level types.PriceLevel) {
	if level.Price == "" {
		return
	}
	qty, err := decimal.NewFromString(level.Qty)
	if err != nil || qty.Sign() <= 0 {
		return
	}
	side[level.Price] = qty
}

// BestBid returns the highest bid level, or false if the side is empty.
func (r *Replica) BestBid() (types.PriceLevel, bool) {
	return bestOf(r.bids, true)
}

// BestAsk returns the lowest ask level, or false if the side is empty.
func (r *Replica) BestAsk() (types.PriceLevel, bool) {
	return bestOf(r.asks, false)
}

// Crossed reports best bid ≥ best ask while both sides are populated.
// A crossed book is a detectable fault, not an invariant violation.
func (r *Replica) Crossed() bool {
	bid, okBid := r.BestBid()
	ask, okAsk := r.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	bp, err1 := decimal.NewFromString(bid.Price)
	ap, err2 := decimal.NewFromString(ask.Price)
	if err1 != nil || err2 != nil {
		return false
	}
	return bp.Cmp(ap) >= 0
}

// LevelSize returns the outstanding quantity at a price on either side.
func (r *Replica) LevelSize(price string) (decimal.Decimal, bool) {
	if qty, ok := r.bids[price]; ok {
		return qty, true
	}
	if qty, ok := r.asks[price]; ok {
		return qty, true
	}
	return decimal.Zero, false
}

// Depth returns the number of populated bid and ask levels.
func (r *Replica) Depth() (bids, asks int) {
	return len(r.bids), len(r.asks)
}

// TopLevels returns the best n levels per side: bids descending, asks
// ascending. The views are copies; callers may retain them.
func (r *Replica) TopLevels(n int) (bids, asks []types.PriceLevel) {
	return sortedSide(r.bids, true, n), sortedSide(r.asks, false, n)
}

func bestOf(side map[string]decimal.Decimal, desc bool) (types.PriceLevel, bool) {
	if len(side) == 0 {
		return types.PriceLevel{}, false
	}
	var bestKey string
	var best decimal.Decimal
	first := true
	for key := range side {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		if first || (desc && price.Cmp(best) > 0) || (!desc && price.Cmp(best) < 0) {
			best = price
			bestKey = key
			first = false
		}
	}
	if first {
		return types.PriceLevel{}, false
	}
	return types.PriceLevel{Price: bestKey, Qty: side[bestKey].String()}, true
}

func sortedSide(side map[string]decimal.Decimal, desc bool, limit int) []types.PriceLevel {
	if len(side) == 0 {
		return nil
	}
	type entry struct {
		price decimal.Decimal
		key   string
	}
	entries := make([]entry, 0, len(side))
	for key := range side {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		entries = append(entries, entry{price: price, key: key})
	}
	sort.Slice(entries, func(i, j int) bool {
		cmp := entries[i].price.Cmp(entries[j].price)
		if cmp == 0 {
			return entries[i].key < entries[j].key
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})

	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]types.PriceLevel, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, types.PriceLevel{
			Price: entries[i].key,
			Qty:   side[entries[i].key].String(),
		})
	}
	return out
}
