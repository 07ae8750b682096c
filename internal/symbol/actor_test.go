package symbol

import (
	"context"
	"testing"
	"time"

	"perpfeed/pkg/types"
)

func lvls(pairs ...string) []types.PriceLevel {
	if len(pairs)%2 != 0 {
		panic("lvls: odd pair count")
	}
	out := make([]types.PriceLevel, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, types.PriceLevel{Price: pairs[i], Qty: pairs[i+1]})
	}
	return out
}

func depthDiff(first, final int64, at time.Time) types.DepthDiff {
	return types.DepthDiff{
		Symbol:      "BTCUSDT",
		FirstID:     first,
		FinalID:     final,
		Bids:        lvls("100", "1"),
		Asks:        lvls("101", "1"),
		EventTime:   at,
		ReceiptTime: at,
	}
}

func testActorConfig() Config {
	return Config{
		DepthLevels:         5,
		DepthQueueMax:       4,
		InboxSize:           64,
		DepthLagMax:         3 * time.Second,
		SnapshotMinInterval: time.Millisecond,
		SnapshotBackoffMin:  time.Millisecond,
		SnapshotBackoffMax:  8 * time.Millisecond,
		LiveSnapshotFresh:   time.Hour,
		DesyncRate10sMax:    3,
		ResyncInterval:      time.Millisecond,
		BroadcastThrottle:   time.Millisecond,
		Integrity:           testThresholds(),
	}
}

func newTestActor(cfg Config, emitted *[]types.MetricSnapshot) *Actor {
	deps := Deps{
		Fetch: func(context.Context, string) FetchResult { return FetchResult{} },
		Emit: func(m types.MetricSnapshot) {
			if emitted != nil {
				*emitted = append(*emitted, m)
			}
		},
	}
	a := NewActor("BTCUSDT", cfg, deps)
	a.runCtx = context.Background()
	return a
}

func snapshotResult(lastUpdateID int64) FetchResult {
	return FetchResult{Snapshot: types.DepthSnapshot{
		LastUpdateID: lastUpdateID,
		Bids:         lvls("100", "2"),
		Asks:         lvls("101", "2"),
	}}
}

func goLive(a *Actor, now time.Time, lastUpdateID int64) {
	a.handleSeed(now)
	a.handleFetch(now, snapshotResult(lastUpdateID))
}

func TestColdStartToLive(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var emitted []types.MetricSnapshot
	a := newTestActor(testActorConfig(), &emitted)

	a.handleSeed(base)
	if a.state != types.StateSnapshotPending {
		t.Fatalf("state after seed = %v, want SNAPSHOT_PENDING", a.state)
	}
	if !a.fetchInFlight {
		t.Fatal("seed did not start a snapshot fetch")
	}

	// Diffs arriving while the snapshot is pending are buffered, not applied.
	a.handleDiff(base.Add(10*time.Millisecond), depthDiff(99, 100, base))
	a.handleDiff(base.Add(20*time.Millisecond), depthDiff(101, 101, base))
	if len(a.buffer) != 2 {
		t.Fatalf("buffered = %d, want 2", len(a.buffer))
	}

	a.handleFetch(base.Add(30*time.Millisecond), snapshotResult(100))
	if a.state != types.StateLive {
		t.Fatalf("state after apply = %v, want LIVE", a.state)
	}
	// The diff at u=100 is dropped against lastUpdateId, 101 is replayed.
	if got := a.replica.LastSeq(); got != 101 {
		t.Fatalf("lastSeq = %d, want 101", got)
	}
	if len(emitted) == 0 {
		t.Fatal("going LIVE emitted no metric snapshot")
	}
	last := emitted[len(emitted)-1]
	if last.BestBid == nil || *last.BestBid != "100" {
		t.Fatalf("BestBid = %v, want 100", last.BestBid)
	}
	if last.Snapshot.StateHash == "" {
		t.Fatal("emitted snapshot has no stateHash")
	}
}

func TestGapForcesResync(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cfg := testActorConfig()
	cfg.ResyncInterval = 5 * time.Second // keep the retry gated so RESYNCING is observable
	a := newTestActor(cfg, nil)
	goLive(a, base, 100)

	a.handleDiff(base.Add(time.Second), depthDiff(101, 102, base.Add(time.Second)))
	if a.state != types.StateLive {
		t.Fatalf("state after contiguous diff = %v, want LIVE", a.state)
	}

	// u jumps past last+1: the replica must not absorb it.
	a.handleDiff(base.Add(2*time.Second), depthDiff(110, 111, base.Add(2*time.Second)))
	if a.state != types.StateResyncing {
		t.Fatalf("state after gap = %v, want RESYNCING", a.state)
	}
	if got := a.replica.LastSeq(); got != 102 {
		t.Fatalf("lastSeq after gap = %d, want 102", got)
	}
	if got := a.meta.Desyncs.CountSince(base.Add(2*time.Second), 10*time.Second); got != 1 {
		t.Fatalf("desyncs = %d, want 1", got)
	}

	// The next tick past the resync interval retries the snapshot.
	a.handleTick(base.Add(10 * time.Second))
	if a.state != types.StateSnapshotPending {
		t.Fatalf("state after retry tick = %v, want SNAPSHOT_PENDING", a.state)
	}
	if !a.fetchInFlight {
		t.Fatal("retry tick did not start a fetch")
	}
}

func TestStaleDiffIsIgnored(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	a := newTestActor(testActorConfig(), nil)
	goLive(a, base, 100)

	a.handleDiff(base.Add(time.Second), depthDiff(95, 98, base.Add(time.Second)))
	if a.state != types.StateLive {
		t.Fatalf("state after stale diff = %v, want LIVE", a.state)
	}
	if got := a.replica.LastSeq(); got != 100 {
		t.Fatalf("lastSeq = %d, want 100", got)
	}
}

func TestRateLimitHaltsUntilRetryAfter(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	a := newTestActor(testActorConfig(), nil)

	a.handleSeed(base)
	a.handleFetch(base, FetchResult{
		RateLimited: true,
		RetryAfter:  30 * time.Second,
	})
	if a.state != types.StateHalted {
		t.Fatalf("state after 429 = %v, want HALTED", a.state)
	}
	if got := a.meta.HaltedUntil; !got.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("haltedUntil = %v, want %v", got, base.Add(30*time.Second))
	}
	if a.meta.SnapshotBackoff != 2*time.Millisecond {
		t.Fatalf("backoff = %v, want doubled to 2ms", a.meta.SnapshotBackoff)
	}

	// Ticks inside the halt window never fetch.
	a.handleTick(base.Add(10 * time.Second))
	if a.state != types.StateHalted || a.fetchInFlight {
		t.Fatalf("halt window violated: state=%v inFlight=%v", a.state, a.fetchInFlight)
	}

	// After Retry-After, a closed global gate still blocks the attempt.
	a.deps.GlobalGate = func(time.Time) time.Duration { return 5 * time.Second }
	a.handleTick(base.Add(31 * time.Second))
	if a.state != types.StateHalted {
		t.Fatalf("state with gated snapshot = %v, want HALTED", a.state)
	}
	if got := a.meta.SnapshotSkips.CountSince(base.Add(31*time.Second), 60*time.Second); got != 1 {
		t.Fatalf("skips = %d, want 1", got)
	}

	// Gate opens: the halt resolves into a fresh snapshot attempt.
	a.deps.GlobalGate = func(time.Time) time.Duration { return 0 }
	a.handleTick(base.Add(40 * time.Second))
	if a.state != types.StateSnapshotPending || !a.fetchInFlight {
		t.Fatalf("state after gate opened = %v, want SNAPSHOT_PENDING", a.state)
	}
}

func TestGatedSeedRetriesOnTick(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	a := newTestActor(testActorConfig(), nil)
	a.deps.GlobalGate = func(time.Time) time.Duration { return 30 * time.Second }

	// The seed attempt is swallowed by the armed global gate: the actor stays
	// in INIT with no fetch in flight.
	a.handleSeed(base)
	if a.state != types.StateInit || a.fetchInFlight {
		t.Fatalf("gated seed: state=%v inFlight=%v, want INIT with no fetch", a.state, a.fetchInFlight)
	}

	// Ticks while the gate stays armed keep retrying and keep getting skipped.
	for i := 1; i <= 10; i++ {
		a.handleTick(base.Add(time.Duration(i) * time.Second))
	}
	if a.state != types.StateInit || a.fetchInFlight {
		t.Fatalf("state under armed gate = %v inFlight=%v, want INIT", a.state, a.fetchInFlight)
	}
	if got := a.meta.SnapshotSkips.CountSince(base.Add(10*time.Second), 60*time.Second); got != 11 {
		t.Fatalf("skips = %d, want 11 (seed plus one per tick)", got)
	}

	// Gate opens: the very next tick starts the deferred first snapshot.
	a.deps.GlobalGate = func(time.Time) time.Duration { return 0 }
	a.handleTick(base.Add(11 * time.Second))
	if a.state != types.StateSnapshotPending || !a.fetchInFlight {
		t.Fatalf("state after gate opened = %v inFlight=%v, want SNAPSHOT_PENDING", a.state, a.fetchInFlight)
	}
}

func TestBufferOverflowDiscardsAndResyncs(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	a := newTestActor(testActorConfig(), nil) // DepthQueueMax = 4

	a.handleSeed(base)
	for i := int64(0); i < 5; i++ {
		a.handleDiff(base, depthDiff(101+i, 101+i, base))
	}
	if len(a.buffer) != 0 {
		t.Fatalf("buffer after overflow = %d, want 0", len(a.buffer))
	}
	if got := a.meta.Desyncs.CountSince(base, 10*time.Second); got != 1 {
		t.Fatalf("desyncs = %d, want 1", got)
	}

	// The in-flight snapshot cannot reconcile past the hole: resync instead
	// of going LIVE.
	a.handleFetch(base.Add(time.Millisecond), snapshotResult(100))
	if a.state != types.StateResyncing {
		t.Fatalf("state after overflowed apply = %v, want RESYNCING", a.state)
	}
}

func TestSnapshotBufferGapResyncs(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cfg := testActorConfig()
	cfg.ResyncInterval = 5 * time.Second
	a := newTestActor(cfg, nil)

	a.handleSeed(base)
	// Buffered diffs leave a hole above the snapshot (102 missing).
	a.handleDiff(base, depthDiff(101, 101, base))
	a.handleDiff(base, depthDiff(103, 103, base))

	a.handleFetch(base.Add(time.Millisecond), snapshotResult(100))
	if a.state != types.StateResyncing {
		t.Fatalf("state after buffer gap = %v, want RESYNCING", a.state)
	}
}

func TestDesyncRateForcesResync(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cfg := testActorConfig()
	cfg.ResyncInterval = 5 * time.Second
	a := newTestActor(cfg, nil)
	goLive(a, base, 100)

	for i := 0; i < 4; i++ {
		a.recordDesync(base.Add(time.Duration(i) * time.Second))
	}
	a.handleTick(base.Add(4 * time.Second))
	if a.state != types.StateResyncing {
		t.Fatalf("state = %v, want RESYNCING at excessive desync rate", a.state)
	}
}

func TestDepthLagForcesResync(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cfg := testActorConfig()
	cfg.ResyncInterval = 5 * time.Second
	a := newTestActor(cfg, nil)
	goLive(a, base, 100)

	// Processing 4 s behind receipt exceeds the 3 s lag bound.
	stale := depthDiff(101, 101, base)
	a.handleDiff(base.Add(4*time.Second), stale)
	if a.state != types.StateResyncing {
		t.Fatalf("state = %v, want RESYNCING on lag", a.state)
	}
}

func TestTradeEmitsNullBookWhenNotLive(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var emitted []types.MetricSnapshot
	a := newTestActor(testActorConfig(), &emitted)

	a.handleTrade(base, tapePrint("BTCUSDT", "100", "1", types.BUY, base))
	if len(emitted) != 1 {
		t.Fatalf("emissions = %d, want 1", len(emitted))
	}
	m := emitted[0]
	if m.State != types.StateInit {
		t.Fatalf("state = %v, want INIT", m.State)
	}
	if m.BestBid != nil || m.BestAsk != nil || m.MidPrice != nil {
		t.Fatal("non-LIVE emission carried book fields")
	}
	if m.TimeAndSales.TradeCount10s != 1 {
		t.Fatalf("tape count = %d, want 1", m.TimeAndSales.TradeCount10s)
	}
}

func TestBroadcastThrottle(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cfg := testActorConfig()
	cfg.BroadcastThrottle = 250 * time.Millisecond
	var emitted []types.MetricSnapshot
	a := newTestActor(cfg, &emitted)
	goLive(a, base, 100)

	before := len(emitted)
	a.handleDiff(base.Add(10*time.Millisecond), depthDiff(101, 101, base.Add(10*time.Millisecond)))
	a.handleDiff(base.Add(20*time.Millisecond), depthDiff(102, 102, base.Add(20*time.Millisecond)))
	if got := len(emitted) - before; got != 0 {
		t.Fatalf("emissions inside throttle window = %d, want 0", got)
	}

	a.handleDiff(base.Add(300*time.Millisecond), depthDiff(103, 103, base.Add(300*time.Millisecond)))
	if got := len(emitted) - before; got != 1 {
		t.Fatalf("emissions after throttle = %d, want 1", got)
	}
}

func TestEmittedEventIDsIncrease(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var emitted []types.MetricSnapshot
	a := newTestActor(testActorConfig(), &emitted)
	goLive(a, base, 100)

	for i := int64(1); i <= 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		a.handleDiff(at, depthDiff(100+i, 100+i, at))
	}

	var prev uint64
	for _, m := range emitted {
		if m.Snapshot.EventID <= prev {
			t.Fatalf("eventId %d not increasing past %d", m.Snapshot.EventID, prev)
		}
		prev = m.Snapshot.EventID
	}
}

func TestStatusPublishedOnTransitions(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	a := newTestActor(testActorConfig(), nil)

	if got := a.Status().State; got != types.StateInit {
		t.Fatalf("initial status state = %v, want INIT", got)
	}

	goLive(a, base, 100)
	status := a.Status()
	if status.State != types.StateLive {
		t.Fatalf("status state = %v, want LIVE", status.State)
	}
	if status.LastUpdateID != 100 {
		t.Fatalf("status lastUpdateId = %d, want 100", status.LastUpdateID)
	}
	if status.BidLevels != 1 || status.AskLevels != 1 {
		t.Fatalf("status levels = %d/%d, want 1/1", status.BidLevels, status.AskLevels)
	}
}

func TestStateHashCanonical(t *testing.T) {
	t.Parallel()

	bb, ba := "100", "101"
	bids := lvls("100", "1", "99", "2")
	asks := lvls("101", "1", "102", "2")

	h1 := stateHash(bids, asks, &bb, &ba)
	h2 := stateHash(lvls("100", "1", "99", "2"), lvls("101", "1", "102", "2"), &bb, &ba)
	if h1 != h2 {
		t.Fatalf("identical payloads hashed differently: %s vs %s", h1, h2)
	}

	h3 := stateHash(lvls("100", "1.5", "99", "2"), asks, &bb, &ba)
	if h3 == h1 {
		t.Fatal("changed quantity produced an identical hash")
	}

	if h := stateHash(nil, nil, nil, nil); h == "" {
		t.Fatal("null book must still hash")
	}
}
