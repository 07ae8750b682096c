// Package engine is the central orchestrator of the feed daemon.
//
// It wires together all subsystems:
//
//  1. The fan-out hub reports the union of subscribed symbols; the engine
//     reconciles it (plus pinned symbols, capped by the autoscaler budget)
//     into the active set.
//  2. Each active symbol gets an actor owning its replica, meta, tape, and
//     integrity monitor (symbolSlot). Actors are created on first reference
//     and stopped when the symbol leaves every subscription set.
//  3. The multiplexer streams depth diffs and trades for the active set; the
//     engine's frame handler demultiplexes into actor inboxes in constant
//     time.
//  4. A one-second tick drives actor housekeeping and the autoscaler.
//
// Lifecycle: New() → Run(ctx) → [runs until signal] → ctx cancel.
package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"perpfeed/internal/archive"
	"perpfeed/internal/config"
	"perpfeed/internal/metrics"
	"perpfeed/internal/symbol"
	"perpfeed/internal/venue"
	"perpfeed/pkg/types"
)

// symbolSlot is one active symbol: its actor plus the cancel that stops it.
type symbolSlot struct {
	actor  *symbol.Actor
	cancel context.CancelFunc
}

// Engine owns the active-symbol set and all per-symbol actors.
type Engine struct {
	cfg         *config.Config
	client      *venue.Client
	gate        *venue.Gate
	mux         *venue.Multiplexer
	dispatcher  *Dispatcher
	autoscaler  *Autoscaler
	instruments *metrics.Metrics

	// slots maps symbol → running actor. Protected by mu, together with the
	// requested/pinned sets.
	mu        sync.RWMutex
	slots     map[string]*symbolSlot
	requested []string // union reported by the fan-out
	pinned    []string
	active    []string

	lastReceipt atomic.Int64 // unix millis of the last upstream frame
	runCtx      context.Context // guarded by mu; startActor reads it under mu
	logger      *slog.Logger
}

// New wires the engine. The dispatcher's paper trader contributes pinned
// symbols on top of the configured ones.
func New(
	cfg *config.Config,
	client *venue.Client,
	gate *venue.Gate,
	mux *venue.Multiplexer,
	dispatcher *Dispatcher,
	instruments *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		cfg:         cfg,
		client:      client,
		gate:        gate,
		mux:         mux,
		dispatcher:  dispatcher,
		autoscaler:  NewAutoscaler(cfg.Autoscale, cfg.Feed.SymbolConcurrency),
		instruments: instruments,
		slots:       make(map[string]*symbolSlot),
		pinned:      slices.Clone(cfg.Feed.PinnedSymbols),
		logger:      logger.With("component", "engine"),
	}
	if dispatcher.paper != nil {
		for _, sym := range dispatcher.paper.Pinned() {
			if !slices.Contains(e.pinned, sym) {
				e.pinned = append(e.pinned, sym)
			}
		}
	}
	mux.Handler = e.handleFrame
	mux.OnOpen = e.seedUninitialized
	return e
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	// Pinned symbols are active from the start, before any subscriber.
	e.reconcile()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.stopAll()
			return
		case <-ticker.C:
			e.tick(time.Now())
		}
	}
}

// HandleUnionChange is the fan-out's union callback.
func (e *Engine) HandleUnionChange(symbols []string) {
	e.mu.Lock()
	e.requested = slices.Clone(symbols)
	e.mu.Unlock()
	e.reconcile()
}

// reconcile computes the desired set — pinned plus requested, with the
// requested tail trimmed lexicographically to the budget — and starts/stops
// actors to match, then points the multiplexer at it.
func (e *Engine) reconcile() {
	e.mu.Lock()

	budget := e.autoscaler.Budget()
	desired := make([]string, 0, len(e.pinned)+len(e.requested))
	inSet := make(map[string]bool)
	for _, sym := range e.pinned {
		if !inSet[sym] {
			inSet[sym] = true
			desired = append(desired, sym)
		}
	}

	requested := slices.Clone(e.requested)
	slices.Sort(requested)
	for _, sym := range requested {
		if inSet[sym] {
			continue
		}
		if len(desired) >= budget && len(desired) >= len(e.pinned) {
			// Trim: everything past the budget falls off in lexicographic
			// order, so the trimmed tail is deterministic.
			break
		}
		inSet[sym] = true
		desired = append(desired, sym)
	}
	slices.Sort(desired)

	// Start actors for new symbols.
	for _, sym := range desired {
		if _, ok := e.slots[sym]; !ok {
			e.slots[sym] = e.startActor(sym)
		}
	}
	// Stop actors for symbols that left every set.
	for sym, slot := range e.slots {
		if !inSet[sym] {
			slot.cancel()
			delete(e.slots, sym)
			e.logger.Info("symbol deactivated", "symbol", sym)
		}
	}

	e.active = desired
	e.mu.Unlock()

	e.instruments.ActiveSymbols.Set(float64(len(desired)))
	e.mux.SetSymbols(desired)
}

func (e *Engine) startActor(sym string) *symbolSlot {
	actorCfg := symbol.Config{
		DepthLevels:         e.cfg.Feed.DepthLevels,
		DepthQueueMax:       e.cfg.Feed.DepthQueueMax,
		DepthLagMax:         e.cfg.Feed.DepthLagMax,
		SnapshotMinInterval: e.cfg.Feed.SnapshotMinInterval,
		SnapshotBackoffMin:  e.cfg.Feed.SnapshotBackoffMin,
		SnapshotBackoffMax:  e.cfg.Feed.SnapshotBackoffMax,
		LiveSnapshotFresh:   e.cfg.Feed.LiveSnapshotFresh,
		DesyncRate10sMax:    e.cfg.Feed.DesyncRate10sMax,
		ResyncInterval:      e.cfg.Feed.ResyncInterval,
		BroadcastThrottle:   e.cfg.Clients.BroadcastThrottle,
		Integrity: symbol.IntegrityThresholds{
			StaleWarn:         e.cfg.Integrity.StaleWarn,
			StaleCritical:     e.cfg.Integrity.StaleCritical,
			MaxGaps:           e.cfg.Integrity.MaxGaps,
			ReconnectCooldown: e.cfg.Integrity.ReconnectCooldown,
		},
	}

	actor := symbol.NewActor(sym, actorCfg, symbol.Deps{
		Fetch:           e.fetchSnapshot,
		GlobalGate:      e.gate.Remaining,
		Emit:            e.dispatcher.Dispatch,
		AdviseReconnect: e.adviseReconnect,
		Logger:          e.logger,
	})

	parent := e.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	go actor.Run(ctx)

	e.logger.Info("symbol activated", "symbol", sym)
	return &symbolSlot{actor: actor, cancel: cancel}
}

// fetchSnapshot translates the REST client's outcomes into the actor's shape.
func (e *Engine) fetchSnapshot(ctx context.Context, sym string) symbol.FetchResult {
	snap, err := e.client.Depth(ctx, sym, e.cfg.Venue.SnapshotDepthLimit)
	if err != nil {
		if rle, ok := err.(*venue.RateLimitError); ok {
			return symbol.FetchResult{Err: err, RateLimited: true, RetryAfter: rle.RetryAfter}
		}
		return symbol.FetchResult{Err: err}
	}
	return symbol.FetchResult{Snapshot: *snap}
}

func (e *Engine) adviseReconnect(sym string) {
	e.logger.Warn("integrity reconnect advisory", "symbol", sym)
	e.mux.ForceReconnect()
}

// handleFrame demultiplexes one upstream frame into the owning actor's
// inbox. Constant time: a missing actor (symbol just trimmed) drops the
// frame, a full inbox drops and counts.
func (e *Engine) handleFrame(frame venue.Frame) {
	e.lastReceipt.Store(time.Now().UnixMilli())

	var sym string
	switch {
	case frame.Diff != nil:
		sym = frame.Diff.Symbol
		e.instruments.FramesTotal.WithLabelValues("depth").Inc()
	case frame.Trade != nil:
		sym = frame.Trade.Symbol
		e.instruments.FramesTotal.WithLabelValues("trade").Inc()
	default:
		return
	}

	e.mu.RLock()
	slot := e.slots[sym]
	e.mu.RUnlock()
	if slot == nil {
		return
	}

	switch {
	case frame.Diff != nil:
		if !slot.actor.EnqueueDiff(*frame.Diff) {
			e.instruments.InboxDropsTotal.WithLabelValues(sym).Inc()
		}
	case frame.Trade != nil:
		if !slot.actor.EnqueueTrade(*frame.Trade) {
			e.instruments.InboxDropsTotal.WithLabelValues(sym).Inc()
		}
		e.dispatcher.ArchiveTrade(*frame.Trade)
	}
}

// seedUninitialized fires on every upstream connect: symbols whose replica
// never initialized get their first snapshot, staggered to respect the REST
// budget.
func (e *Engine) seedUninitialized(symbols []string) {
	e.mu.RLock()
	pending := make([]*symbol.Actor, 0, len(symbols))
	for _, sym := range symbols {
		if slot := e.slots[sym]; slot != nil && slot.actor.Status().State == types.StateInit {
			pending = append(pending, slot.actor)
		}
	}
	e.mu.RUnlock()

	if len(pending) == 0 {
		return
	}

	stagger := e.cfg.Venue.SnapshotSeedStagger
	go func() {
		for i, actor := range pending {
			if i > 0 {
				time.Sleep(stagger)
			}
			actor.Seed()
		}
	}()
}

// tick drives per-second housekeeping: actor ticks, gauges, autoscaling.
func (e *Engine) tick(now time.Time) {
	e.mu.RLock()
	actors := make([]*symbol.Actor, 0, len(e.slots))
	for _, slot := range e.slots {
		actors = append(actors, slot.actor)
	}
	wanted := len(e.pinned) + len(e.requested)
	e.mu.RUnlock()

	liveCount := 0
	var livePctSum float64
	for _, actor := range actors {
		actor.Tick()
		status := actor.Status()
		if status.State == types.StateLive {
			liveCount++
		}
		livePctSum += status.LivePct60s
	}

	e.instruments.LiveSymbols.Set(float64(liveCount))
	e.instruments.UsedWeight.Set(float64(e.client.UsedWeight()))
	e.instruments.SymbolBudget.Set(float64(e.autoscaler.Budget()))

	if len(actors) == 0 {
		return
	}
	meanLivePct := livePctSum / float64(len(actors))
	if _, changed := e.autoscaler.Evaluate(now, meanLivePct, len(actors), wanted); changed {
		e.logger.Info("symbol budget changed",
			"budget", e.autoscaler.Budget(),
			"meanLivePct60s", meanLivePct,
		)
		e.reconcile()
	}
}

func (e *Engine) stopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sym, slot := range e.slots {
		slot.cancel()
		delete(e.slots, sym)
	}
}

// ————————————————————————————————————————————————————————————————————————
// StatusSource
// ————————————————————————————————————————————————————————————————————————

// SymbolStatuses returns the latest published view of every active symbol.
func (e *Engine) SymbolStatuses() []symbol.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]symbol.Status, 0, len(e.slots))
	for _, slot := range e.slots {
		out = append(out, slot.actor.Status())
	}
	return out
}

// ActiveSymbols returns the current active set.
func (e *Engine) ActiveSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.active)
}

// Budget returns the autoscaler's active-symbol budget.
func (e *Engine) Budget() int { return e.autoscaler.Budget() }

// LastReceiptAt returns the wall clock of the last upstream frame.
func (e *Engine) LastReceiptAt() time.Time {
	if ms := e.lastReceipt.Load(); ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}

// UsedWeight returns the venue's last reported request weight.
func (e *Engine) UsedWeight() int64 { return e.client.UsedWeight() }

// FundingPoller polls mark price/funding for the active set into the
// archive. Only started when the archive sink is enabled.
func (e *Engine) FundingPoller(ctx context.Context, interval time.Duration, sink *archive.Sink) {
	if sink == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range e.ActiveSymbols() {
				premium, err := e.client.PremiumIndex(ctx, sym)
				if err != nil {
					e.logger.Debug("funding poll failed", "symbol", sym, "error", err)
					continue
				}
				e.dispatcher.ArchiveFunding(*premium)
			}
		}
	}
}
