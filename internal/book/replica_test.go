package book

import (
	"testing"

	"perpfeed/pkg/types"
)

func seedSnapshot() types.DepthSnapshot {
	return types.DepthSnapshot{
		LastUpdateID: 100,
		Bids:         []types.PriceLevel{{Price: "10.0", Qty: "1.0"}, {Price: "9.9", Qty: "2.0"}},
		Asks:         []types.PriceLevel{{Price: "10.2", Qty: "1.0"}, {Price: "10.3", Qty: "3.0"}},
	}
}

func diff(first, final int64, bids, asks []types.PriceLevel) types.DepthDiff {
	return types.DepthDiff{Symbol: "BTCUSDT", FirstID: first, FinalID: final, Bids: bids, Asks: asks}
}

func TestApplySnapshotSeedsSequence(t *testing.T) {
	t.Parallel()
	r := NewReplica()

	result := r.ApplySnapshot(seedSnapshot(), nil)
	if !result.OK {
		t.Fatal("clean snapshot apply reported not OK")
	}
	if r.LastSeq() != 100 {
		t.Errorf("LastSeq = %d, want 100", r.LastSeq())
	}
	if !r.Initialized() {
		t.Error("replica should be initialized after snapshot")
	}

	bid, ok := r.BestBid()
	if !ok || bid.Price != "10.0" {
		t.Errorf("BestBid = %v ok=%v, want 10.0", bid, ok)
	}
	ask, ok := r.BestAsk()
	if !ok || ask.Price != "10.2" {
		t.Errorf("BestAsk = %v ok=%v, want 10.2", ask, ok)
	}
}

func TestApplyDiffContiguous(t *testing.T) {
	t.Parallel()
	r := NewReplica()
	r.ApplySnapshot(seedSnapshot(), nil)

	result := r.ApplyDiff(diff(101, 101, []types.PriceLevel{{Price: "10.0", Qty: "1.5"}}, nil))
	if !result.Applied {
		t.Fatalf("contiguous diff not applied: %+v", result)
	}
	if r.LastSeq() != 101 {
		t.Errorf("LastSeq = %d, want 101", r.LastSeq())
	}
	bid, _ := r.BestBid()
	if bid.Qty != "1.5" {
		t.Errorf("best bid qty = %s, want 1.5", bid.Qty)
	}
}

func TestApplyDiffStaleIsNoOp(t *testing.T) {
	t.Parallel()
	r := NewReplica()
	r.ApplySnapshot(seedSnapshot(), nil)

	result := r.ApplyDiff(diff(95, 100, []types.PriceLevel{{Price: "10.0", Qty: "99"}}, nil))
	if !result.Stale || result.Applied {
		t.Fatalf("stale diff disposition = %+v, want stale no-op", result)
	}
	bid, _ := r.BestBid()
	if bid.Qty != "1" {
		t.Errorf("stale diff mutated the book: qty = %s", bid.Qty)
	}
	if r.LastSeq() != 100 {
		t.Errorf("stale diff advanced sequence to %d", r.LastSeq())
	}
}

func TestApplyDiffGapLeavesReplicaUntouched(t *testing.T) {
	t.Parallel()
	r := NewReplica()
	r.ApplySnapshot(seedSnapshot(), nil)

	result := r.ApplyDiff(diff(200, 205, []types.PriceLevel{{Price: "11.0", Qty: "1"}}, nil))
	if !result.Gap {
		t.Fatalf("gap diff disposition = %+v, want gap", result)
	}
	if _, ok := r.LevelSize("11.0"); ok {
		t.Error("gap diff must not mutate the book")
	}
	if r.LastSeq() != 100 {
		t.Errorf("gap diff advanced sequence to %d", r.LastSeq())
	}
}

func TestApplyDiffOverlappingRange(t *testing.T) {
	t.Parallel()
	r := NewReplica()
	r.ApplySnapshot(seedSnapshot(), nil)

	// U ≤ last+1 ≤ u: the diff straddles the snapshot boundary and applies.
	result := r.ApplyDiff(diff(98, 105, nil, []types.PriceLevel{{Price: "10.2", Qty: "4"}}))
	if !result.Applied {
		t.Fatalf("straddling diff disposition = %+v, want applied", result)
	}
	if r.LastSeq() != 105 {
		t.Errorf("LastSeq = %d, want 105", r.LastSeq())
	}
}

func TestApplyDiffUninitialized(t *testing.T) {
	t.Parallel()
	r := NewReplica()

	result := r.ApplyDiff(diff(1, 1, []types.PriceLevel{{Price: "1", Qty: "1"}}, nil))
	if !result.Gap {
		t.Fatalf("unseeded replica disposition = %+v, want gap", result)
	}
}

func TestZeroQuantityDeletesLevel(t *testing.T) {
	t.Parallel()
	r := NewReplica()
	r.ApplySnapshot(seedSnapshot(), nil)

	// A diff containing only quantity-zero entries is a valid apply.
	result := r.ApplyDiff(diff(101, 101, []types.PriceLevel{{Price: "9.9", Qty: "0.00000000"}}, nil))
	if !result.Applied {
		t.Fatalf("deletion diff not applied: %+v", result)
	}
	if _, ok := r.LevelSize("9.9"); ok {
		t.Error("zero-qty level survived the apply")
	}
	bids, _ := r.Depth()
	if bids != 1 {
		t.Errorf("bid depth = %d, want 1", bids)
	}
}

func TestSnapshotDropsAndRepliesBufferedDiffs(t *testing.T) {
	t.Parallel()
	r := NewReplica()

	// Diffs 90..120 buffered before the snapshot at 105: 16 dropped (u ≤ 105),
	// 15 applied (106..120).
	var buffered []types.DepthDiff
	for seq := int64(90); seq <= 120; seq++ {
		buffered = append(buffered, diff(seq, seq, []types.PriceLevel{{Price: "10.0", Qty: "2.0"}}, nil))
	}
	snap := types.DepthSnapshot{
		LastUpdateID: 105,
		Bids:         []types.PriceLevel{{Price: "10.0", Qty: "1.0"}},
		Asks:         []types.PriceLevel{{Price: "10.2", Qty: "1.0"}},
	}

	result := r.ApplySnapshot(snap, buffered)
	if !result.OK || result.GapDetected {
		t.Fatalf("snapshot reconciliation failed: %+v", result)
	}
	if result.DroppedCount != 16 {
		t.Errorf("DroppedCount = %d, want 16", result.DroppedCount)
	}
	if result.AppliedCount != 15 {
		t.Errorf("AppliedCount = %d, want 15", result.AppliedCount)
	}
	if r.LastSeq() != 120 {
		t.Errorf("LastSeq = %d, want 120", r.LastSeq())
	}
}

func TestSnapshotBufferGapDetected(t *testing.T) {
	t.Parallel()
	r := NewReplica()

	buffered := []types.DepthDiff{
		diff(90, 95, nil, nil),
		diff(110, 115, []types.PriceLevel{{Price: "10.5", Qty: "1"}}, nil),
	}
	result := r.ApplySnapshot(seedSnapshot(), buffered)
	if !result.GapDetected {
		t.Fatal("hole between 100 and 110 not reported as gap")
	}
	if result.OK {
		t.Error("gapped reconciliation reported OK")
	}
	if _, ok := r.LevelSize("10.5"); ok {
		t.Error("diff beyond the gap must not apply")
	}
}

func TestSnapshotReplayIdempotence(t *testing.T) {
	t.Parallel()

	// Applying a snapshot then replaying diffs with u ≤ lastUpdateId is
	// equivalent to applying just the snapshot.
	plain := NewReplica()
	plain.ApplySnapshot(seedSnapshot(), nil)

	replayed := NewReplica()
	buffered := []types.DepthDiff{
		diff(98, 98, []types.PriceLevel{{Price: "5.0", Qty: "9"}}, nil),
		diff(99, 100, nil, []types.PriceLevel{{Price: "50.0", Qty: "9"}}),
	}
	replayed.ApplySnapshot(seedSnapshot(), buffered)

	wantBids, wantAsks := plain.TopLevels(0)
	gotBids, gotAsks := replayed.TopLevels(0)
	if len(gotBids) != len(wantBids) || len(gotAsks) != len(wantAsks) {
		t.Fatalf("depth mismatch: got %d/%d want %d/%d",
			len(gotBids), len(gotAsks), len(wantBids), len(wantAsks))
	}
	for i := range wantBids {
		if gotBids[i] != wantBids[i] {
			t.Errorf("bid[%d] = %v, want %v", i, gotBids[i], wantBids[i])
		}
	}
}

func TestTopLevelsOrdering(t *testing.T) {
	t.Parallel()
	r := NewReplica()
	r.ApplySnapshot(types.DepthSnapshot{
		LastUpdateID: 1,
		Bids: []types.PriceLevel{
			{Price: "9.8", Qty: "1"}, {Price: "10.0", Qty: "1"}, {Price: "9.9", Qty: "1"},
		},
		Asks: []types.PriceLevel{
			{Price: "10.4", Qty: "1"}, {Price: "10.2", Qty: "1"}, {Price: "10.3", Qty: "1"},
		},
	}, nil)

	bids, asks := r.TopLevels(2)
	if len(bids) != 2 || len(asks) != 2 {
		t.Fatalf("top levels = %d/%d, want 2/2", len(bids), len(asks))
	}
	if bids[0].Price != "10.0" || bids[1].Price != "9.9" {
		t.Errorf("bids not descending: %v", bids)
	}
	if asks[0].Price != "10.2" || asks[1].Price != "10.3" {
		t.Errorf("asks not ascending: %v", asks)
	}
}

func TestCrossedBookDetection(t *testing.T) {
	t.Parallel()
	r := NewReplica()
	r.ApplySnapshot(types.DepthSnapshot{
		LastUpdateID: 1,
		Bids:         []types.PriceLevel{{Price: "10.5", Qty: "1"}},
		Asks:         []types.PriceLevel{{Price: "10.2", Qty: "1"}},
	}, nil)

	if !r.Crossed() {
		t.Error("bid above ask not reported as crossed")
	}
}

func TestEmptySideBest(t *testing.T) {
	t.Parallel()
	r := NewReplica()
	r.ApplySnapshot(types.DepthSnapshot{
		LastUpdateID: 1,
		Bids:         []types.PriceLevel{{Price: "10.0", Qty: "1"}},
	}, nil)

	if _, ok := r.BestAsk(); ok {
		t.Error("BestAsk should report false for an empty side")
	}
	if r.Crossed() {
		t.Error("one-sided book cannot be crossed")
	}
}
