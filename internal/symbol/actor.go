// Package symbol implements the per-symbol event actor.
//
// Each subscribed symbol gets exactly one Actor owning its book replica,
// meta bookkeeping, trade tape, and integrity monitor. All per-symbol work
// runs single-threaded in the actor loop: the upstream demultiplexer
// enqueues diffs and trades into a bounded FIFO inbox, and the loop consumes
// them strictly in arrival order, so venue sequencing is preserved from wire
// to replica to downstream dispatch. Snapshot HTTP runs on a background
// goroutine and posts its result back into the same inbox.
//
// State machine (trigger tags in parentheses):
//
//	INIT → SNAPSHOT_PENDING                 (subscribe)
//	SNAPSHOT_PENDING → APPLYING_SNAPSHOT    (snapshot_parsed)
//	APPLYING_SNAPSHOT → LIVE                (snapshot_applied)
//	APPLYING_SNAPSHOT → RESYNCING           (snapshot_buffer_gap)
//	LIVE → RESYNCING                        (sequence_gap, depth_lag,
//	                                         depth_queue_overflow, desync_rate,
//	                                         integrity_critical, snapshot_stale)
//	LIVE → HALTED                           (snapshot_429)
//	RESYNCING → SNAPSHOT_PENDING            (resync_retry, subject to throttle)
//	HALTED → SNAPSHOT_PENDING               (halt_elapsed, after Retry-After)
package symbol

import (
	"context"
	"hash/crc32"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"perpfeed/internal/book"
	"perpfeed/pkg/types"
)

// Config tunes one actor. Zero values fall back to defaults.
type Config struct {
	DepthLevels         int           // top-N levels in metric snapshots
	DepthQueueMax       int           // diff side-buffer cap during snapshot apply
	InboxSize           int           // actor FIFO capacity
	DepthLagMax         time.Duration // receipt-to-processing lag forcing a resync
	SnapshotMinInterval time.Duration // per-symbol floor between snapshot attempts
	SnapshotBackoffMin  time.Duration
	SnapshotBackoffMax  time.Duration
	LiveSnapshotFresh   time.Duration // resync when the seeding snapshot ages past this
	DesyncRate10sMax    int           // desyncs per 10 s forcing a resync
	ResyncInterval      time.Duration // floor between fault-driven snapshot attempts
	BroadcastThrottle   time.Duration // minimum spacing of metric emissions
	Integrity           IntegrityThresholds
}

func (c Config) withDefaults() Config {
	if c.DepthLevels <= 0 {
		c.DepthLevels = 20
	}
	if c.DepthQueueMax <= 0 {
		c.DepthQueueMax = 1000
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.DepthLagMax <= 0 {
		c.DepthLagMax = 3 * time.Second
	}
	if c.SnapshotMinInterval <= 0 {
		c.SnapshotMinInterval = 2 * time.Second
	}
	if c.SnapshotBackoffMin <= 0 {
		c.SnapshotBackoffMin = time.Second
	}
	if c.SnapshotBackoffMax <= 0 {
		c.SnapshotBackoffMax = 60 * time.Second
	}
	if c.LiveSnapshotFresh <= 0 {
		c.LiveSnapshotFresh = 5 * time.Minute
	}
	if c.DesyncRate10sMax <= 0 {
		c.DesyncRate10sMax = 3
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = time.Second
	}
	if c.BroadcastThrottle <= 0 {
		c.BroadcastThrottle = 250 * time.Millisecond
	}
	if c.Integrity.StaleWarn <= 0 {
		c.Integrity.StaleWarn = 2 * time.Second
	}
	if c.Integrity.StaleCritical <= 0 {
		c.Integrity.StaleCritical = 10 * time.Second
	}
	if c.Integrity.MaxGaps <= 0 {
		c.Integrity.MaxGaps = 5
	}
	if c.Integrity.ReconnectCooldown <= 0 {
		c.Integrity.ReconnectCooldown = 30 * time.Second
	}
	return c
}

// FetchResult is the outcome of one snapshot HTTP attempt. The engine
// translates the venue client's typed errors into this shape so the actor
// stays decoupled from the transport.
type FetchResult struct {
	Snapshot    types.DepthSnapshot
	Err         error
	RateLimited bool          // HTTP 429/418; global gate already armed by the fetcher
	RetryAfter  time.Duration // Retry-After on rate limit
}

// Deps are the actor's collaborator hooks.
type Deps struct {
	// Fetch performs one snapshot HTTP request. Called on a background
	// goroutine; the result is posted back into the actor inbox.
	Fetch func(ctx context.Context, symbol string) FetchResult
	// GlobalGate returns the remaining process-wide snapshot backoff.
	GlobalGate func(now time.Time) time.Duration
	// Emit delivers one composed metric snapshot downstream. Must be bounded.
	Emit func(types.MetricSnapshot)
	// AdviseReconnect surfaces an integrity reconnect advisory to the engine.
	AdviseReconnect func(symbol string)
	Logger          *slog.Logger
}

// event is one inbox entry. Exactly one field is set.
type event struct {
	diff  *types.DepthDiff
	trade *types.Trade
	fetch *FetchResult
	seed  bool
	tick  bool
}

// Actor owns all state for one symbol.
type Actor struct {
	symbol string
	cfg    Config
	deps   Deps

	replica *book.Replica
	meta    *Meta
	tape    *Tape
	monitor *Monitor

	state            types.SymbolState
	buffer           []types.DepthDiff
	bufferOverflowed bool
	fetchInFlight    bool
	seedRequested    bool
	inbox            chan event
	runCtx           context.Context

	eventID       uint64
	lastBroadcast time.Time

	status  atomic.Value // Status
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewActor creates an actor in INIT. Run must be called before Seed.
func NewActor(sym string, cfg Config, deps Deps) *Actor {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.GlobalGate == nil {
		deps.GlobalGate = func(time.Time) time.Duration { return 0 }
	}
	a := &Actor{
		symbol:  sym,
		cfg:     cfg,
		deps:    deps,
		replica: book.NewReplica(),
		meta:    NewMeta(cfg.SnapshotBackoffMin),
		tape:    NewTape(),
		monitor: NewMonitor(cfg.Integrity),
		state:   types.StateInit,
		inbox:   make(chan event, cfg.InboxSize),
		logger:  deps.Logger.With("component", "actor", "symbol", sym),
	}
	a.status.Store(Status{Symbol: sym, State: types.StateInit})
	return a
}

// Symbol returns the actor's symbol.
func (a *Actor) Symbol() string { return a.symbol }

// Status returns the last published per-symbol view. Safe for concurrent use.
func (a *Actor) Status() Status {
	return a.status.Load().(Status)
}

// Dropped returns the number of inbox-overflow drops. Safe for concurrent use.
func (a *Actor) Dropped() uint64 { return a.dropped.Load() }

// Run consumes the inbox until ctx is cancelled. Pending events are
// discarded on shutdown; the replica is reconstructable from the venue.
func (a *Actor) Run(ctx context.Context) {
	a.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.inbox:
			a.dispatch(time.Now(), ev)
		}
	}
}

// EnqueueDiff posts a depth diff. Non-blocking: a full inbox drops the diff
// (the resulting hole surfaces later as a sequence gap).
func (a *Actor) EnqueueDiff(diff types.DepthDiff) bool {
	select {
	case a.inbox <- event{diff: &diff}:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// EnqueueTrade posts a trade. Non-blocking.
func (a *Actor) EnqueueTrade(trade types.Trade) bool {
	select {
	case a.inbox <- event{trade: &trade}:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// Seed triggers the initial INIT → SNAPSHOT_PENDING transition after the
// first socket subscription.
func (a *Actor) Seed() {
	select {
	case a.inbox <- event{seed: true}:
	default:
	}
}

// Tick drives the per-second evaluation: live sampling, halt expiry, resync
// retries, freshness and integrity checks.
func (a *Actor) Tick() {
	select {
	case a.inbox <- event{tick: true}:
	default:
	}
}

func (a *Actor) dispatch(now time.Time, ev event) {
	switch {
	case ev.diff != nil:
		a.handleDiff(now, *ev.diff)
	case ev.trade != nil:
		a.handleTrade(now, *ev.trade)
	case ev.fetch != nil:
		a.handleFetch(now, *ev.fetch)
	case ev.seed:
		a.handleSeed(now)
	case ev.tick:
		a.handleTick(now)
	}
}

func (a *Actor) handleSeed(now time.Time) {
	if a.state != types.StateInit {
		return
	}
	a.seedRequested = true
	a.maybeFetchSnapshot(now, "subscribe", true)
}

func (a *Actor) handleDiff(now time.Time, diff types.DepthDiff) {
	switch a.state {
	case types.StateLive:
		result := a.replica.ApplyDiff(diff)
		switch {
		case result.Applied:
			a.meta.DepthMsgs.Record(now)
			a.meta.GoodStreak++
			a.monitor.Observe(now, diff.EventTime, a.replica.Crossed())
			if !diff.ReceiptTime.IsZero() && now.Sub(diff.ReceiptTime) > a.cfg.DepthLagMax {
				a.recordDesync(now)
				a.resync(now, "depth_lag")
				return
			}
			a.emitMetrics(now, diff.EventTime)
		case result.Stale:
			// Already reflected, nothing to do.
		case result.Gap:
			a.recordDesync(now)
			a.monitor.RecordGap()
			a.resync(now, "sequence_gap")
		}

	case types.StateSnapshotPending, types.StateApplyingSnapshot:
		a.buffer = append(a.buffer, diff)
		if len(a.buffer) > a.cfg.DepthQueueMax {
			a.buffer = a.buffer[:0]
			a.recordDesync(now)
			if a.fetchInFlight {
				// The in-flight snapshot can no longer be reconciled; flag it
				// so the apply path resyncs instead of going LIVE.
				a.bufferOverflowed = true
			} else {
				a.resync(now, "depth_queue_overflow")
			}
		}

	default:
		// INIT, RESYNCING, HALTED: the replica cannot absorb diffs; drop.
	}
}

func (a *Actor) handleTrade(now time.Time, trade types.Trade) {
	a.tape.Record(now, trade)
	// Trades never block on book state: metrics flow with a null book view
	// while the replica is not LIVE.
	a.emitMetrics(now, trade.EventTime)
}

func (a *Actor) handleFetch(now time.Time, result FetchResult) {
	a.fetchInFlight = false

	switch {
	case result.RateLimited:
		a.doubleBackoff()
		a.meta.ConsecutiveErrors++
		a.meta.HaltedUntil = now.Add(result.RetryAfter)
		a.transition(now, types.StateHalted, "snapshot_429")

	case result.Err != nil:
		a.doubleBackoff()
		a.meta.ConsecutiveErrors++
		a.logger.Warn("snapshot fetch failed",
			"error", result.Err,
			"backoff", a.meta.SnapshotBackoff,
		)
		a.transition(now, types.StateResyncing, "snapshot_http_error")

	default:
		a.transition(now, types.StateApplyingSnapshot, "snapshot_parsed")
		applied := a.replica.ApplySnapshot(result.Snapshot, a.buffer)
		a.buffer = nil
		overflowed := a.bufferOverflowed
		a.bufferOverflowed = false

		a.meta.SnapshotBackoff = a.cfg.SnapshotBackoffMin
		a.meta.ConsecutiveErrors = 0
		a.meta.LastSnapshotOK = now
		a.meta.SnapshotOKs.Record(now)
		a.monitor.ResetGaps()

		switch {
		case overflowed:
			a.transition(now, types.StateResyncing, "depth_queue_overflow")
		case applied.OK:
			a.meta.GoodStreak = 0
			a.logger.Info("snapshot applied",
				"lastUpdateId", result.Snapshot.LastUpdateID,
				"replayedDiffs", applied.AppliedCount,
				"droppedDiffs", applied.DroppedCount,
			)
			a.transition(now, types.StateLive, "snapshot_applied")
			a.emitMetrics(now, now)
		default:
			a.transition(now, types.StateResyncing, "snapshot_buffer_gap")
		}
	}
	a.publishStatus(now)
}

func (a *Actor) handleTick(now time.Time) {
	live := a.state == types.StateLive
	a.meta.Live.Record(now, live)
	if live {
		a.meta.LastLiveAt = now
	}

	switch a.state {
	case types.StateInit:
		// A seed attempt blocked by the global gate leaves the actor in INIT
		// with nothing else scheduled; keep retrying until the gate opens.
		if a.seedRequested && !a.fetchInFlight {
			a.maybeFetchSnapshot(now, "subscribe", true)
		}

	case types.StateHalted:
		if !now.Before(a.meta.HaltedUntil) {
			a.maybeFetchSnapshot(now, "halt_elapsed", true)
		}

	case types.StateResyncing:
		if !a.fetchInFlight {
			a.maybeFetchSnapshot(now, "resync_retry", false)
		}

	case types.StateLive:
		bids, asks := a.replica.Depth()
		populated := bids > 0 || asks > 0
		switch {
		case a.meta.Desyncs.CountSince(now, 10*time.Second) > a.cfg.DesyncRate10sMax:
			a.resync(now, "desync_rate")
		case populated && now.Sub(a.meta.LastSnapshotOK) > a.cfg.LiveSnapshotFresh:
			a.resync(now, "snapshot_stale")
		case a.monitor.AdviseReconnect(now):
			if a.deps.AdviseReconnect != nil {
				a.deps.AdviseReconnect(a.symbol)
			}
			a.resync(now, "integrity_critical")
		}
	}

	a.publishStatus(now)
}

// resync moves to RESYNCING (unless already there) and attempts a snapshot
// subject to the per-symbol and global gates.
func (a *Actor) resync(now time.Time, trigger string) {
	if a.state != types.StateResyncing {
		a.transition(now, types.StateResyncing, trigger)
	}
	if !a.fetchInFlight {
		a.maybeFetchSnapshot(now, trigger, false)
	}
}

// maybeFetchSnapshot starts one snapshot attempt if every gate is open.
// Gated attempts are recorded as skips and leave the state untouched.
func (a *Actor) maybeFetchSnapshot(now time.Time, trigger string, force bool) {
	if a.fetchInFlight {
		return
	}
	if remaining := a.deps.GlobalGate(now); remaining > 0 {
		a.meta.SnapshotSkips.Record(now)
		a.logger.Warn("SNAPSHOT_SKIP_GLOBAL",
			"trigger", trigger,
			"remaining_ms", remaining.Milliseconds(),
		)
		return
	}
	wait := a.cfg.SnapshotMinInterval
	if a.meta.SnapshotBackoff > wait {
		wait = a.meta.SnapshotBackoff
	}
	if a.cfg.ResyncInterval > wait && !force {
		wait = a.cfg.ResyncInterval
	}
	if !force && !a.meta.LastSnapshotAttempt.IsZero() && now.Sub(a.meta.LastSnapshotAttempt) < wait {
		a.meta.SnapshotSkips.Record(now)
		return
	}

	a.meta.LastSnapshotAttempt = now
	a.fetchInFlight = true
	a.transition(now, types.StateSnapshotPending, trigger)

	ctx := a.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		result := a.deps.Fetch(ctx, a.symbol)
		select {
		case a.inbox <- event{fetch: &result}:
		case <-ctx.Done():
		}
	}()
}

func (a *Actor) doubleBackoff() {
	a.meta.SnapshotBackoff *= 2
	if a.meta.SnapshotBackoff > a.cfg.SnapshotBackoffMax {
		a.meta.SnapshotBackoff = a.cfg.SnapshotBackoffMax
	}
}

func (a *Actor) recordDesync(now time.Time) {
	a.meta.Desyncs.Record(now)
	a.meta.GoodStreak = 0
}

func (a *Actor) transition(now time.Time, to types.SymbolState, trigger string) {
	from := a.state
	if from == to {
		return
	}
	a.state = to
	a.meta.LastTransition = now
	a.logger.Info("state transition",
		"from", from,
		"to", to,
		"trigger", trigger,
	)
	a.publishStatus(now)
}

// emitMetrics composes and delivers one metric snapshot, subject to the
// per-symbol broadcast throttle.
func (a *Actor) emitMetrics(now, eventTime time.Time) {
	if a.deps.Emit == nil {
		return
	}
	if !a.lastBroadcast.IsZero() && now.Sub(a.lastBroadcast) < a.cfg.BroadcastThrottle {
		return
	}
	a.lastBroadcast = now
	a.meta.Broadcasts.Record(now)
	a.eventID++

	snapshot := types.MetricSnapshot{
		Type:         "metrics",
		Symbol:       a.symbol,
		State:        a.state,
		EventTimeMs:  eventTime.UnixMilli(),
		TimeAndSales: a.tape.Stats(now),
		Integrity:    a.monitor.Report(),
	}

	if a.state.Publishable() && a.replica.Initialized() {
		snapshot.Bids, snapshot.Asks = a.replica.TopLevels(a.cfg.DepthLevels)
		snapshot.LastUpdateID = a.replica.LastUpdateID()
		if bid, ok := a.replica.BestBid(); ok {
			snapshot.BestBid = &bid.Price
		}
		if ask, ok := a.replica.BestAsk(); ok {
			snapshot.BestAsk = &ask.Price
		}
		if snapshot.BestBid != nil && snapshot.BestAsk != nil {
			bid, err1 := decimal.NewFromString(*snapshot.BestBid)
			ask, err2 := decimal.NewFromString(*snapshot.BestAsk)
			if err1 == nil && err2 == nil && bid.Add(ask).Sign() > 0 {
				mid := bid.Add(ask).Div(decimal.NewFromInt(2))
				midStr := mid.String()
				snapshot.MidPrice = &midStr
				spread, _ := ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(100)).Float64()
				snapshot.SpreadPct = &spread
			}
		}
	}

	snapshot.Snapshot = types.SnapshotID{
		EventID:   a.eventID,
		StateHash: stateHash(snapshot.Bids, snapshot.Asks, snapshot.BestBid, snapshot.BestAsk),
		TS:        now.UnixMilli(),
	}

	a.deps.Emit(snapshot)
}

func (a *Actor) publishStatus(now time.Time) {
	bids, asks := a.replica.Depth()
	a.status.Store(Status{
		Symbol:            a.symbol,
		State:             a.state,
		LastTransition:    a.meta.LastTransition,
		LastSnapshotOK:    a.meta.LastSnapshotOK,
		SnapshotBackoffMs: a.meta.SnapshotBackoff.Milliseconds(),
		HaltedUntil:       a.meta.HaltedUntil,
		LastUpdateID:      a.replica.LastUpdateID(),
		LastSeq:           a.replica.LastSeq(),
		BidLevels:         bids,
		AskLevels:         asks,
		GoodStreak:        a.meta.GoodStreak,
		DepthMsgs10s:      a.meta.DepthMsgs.CountSince(now, 10*time.Second),
		Desyncs10s:        a.meta.Desyncs.CountSince(now, 10*time.Second),
		Desyncs60s:        a.meta.Desyncs.CountSince(now, 60*time.Second),
		SnapshotOK60s:     a.meta.SnapshotOKs.CountSince(now, 60*time.Second),
		SnapshotSkip60s:   a.meta.SnapshotSkips.CountSince(now, 60*time.Second),
		Broadcasts10s:     a.meta.Broadcasts.CountSince(now, 10*time.Second),
		LivePct60s:        a.meta.Live.UptimePct(now, 60*time.Second),
		Integrity:         a.monitor.Report(),
	})
}

// stateHash is a stable CRC-32 (IEEE) over the canonical serialization of
// the top-of-book payload. Identical (bestBid, bestAsk, topN) inputs hash
// identically across processes; consumers use it for deduplication.
func stateHash(bids, asks []types.PriceLevel, bestBid, bestAsk *string) string {
	var b strings.Builder
	if bestBid != nil {
		b.WriteString(*bestBid)
	}
	b.WriteByte('|')
	if bestAsk != nil {
		b.WriteString(*bestAsk)
	}
	for _, level := range bids {
		b.WriteByte('|')
		b.WriteString(level.Price)
		b.WriteByte(':')
		b.WriteString(level.Qty)
	}
	b.WriteByte('~')
	for _, level := range asks {
		b.WriteByte('|')
		b.WriteString(level.Price)
		b.WriteByte(':')
		b.WriteString(level.Qty)
	}
	sum := crc32.ChecksumIEEE([]byte(b.String()))
	return strconv.FormatUint(uint64(sum), 16)
}
