// dispatch.go routes composed metric snapshots downstream.
//
// Each snapshot goes to: the subscriber fan-out, the strategy collaborator
// (synchronous, must stay bounded), the paper-trading collaborator (top-N
// view only), and — when enabled — the archive sink. The archive path dedups
// on stateHash so an unchanged top-of-book does not spam shards.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"perpfeed/internal/api"
	"perpfeed/internal/archive"
	"perpfeed/internal/metrics"
	"perpfeed/pkg/types"
)

// StrategyConsumer receives every metric snapshot, called synchronously from
// the emitting actor. Implementations must return quickly.
type StrategyConsumer interface {
	OnMetrics(types.MetricSnapshot)
}

// PaperTrader mirrors decisions for evaluation. It sees only the top-N book
// view, and may pin symbols that the autoscaler must never trim.
type PaperTrader interface {
	OnTopOfBook(symbol string, id types.SnapshotID, bids, asks []types.PriceLevel)
	Pinned() []string
}

// Dispatcher fans metric snapshots out to every downstream consumer.
type Dispatcher struct {
	hub         *api.Hub
	strategy    StrategyConsumer
	paper       PaperTrader
	sink        *archive.Sink
	instruments *metrics.Metrics

	mu       sync.Mutex
	lastHash map[string]string

	logger *slog.Logger
}

// NewDispatcher wires the downstream consumers. strategy, paper, and sink
// may each be nil.
func NewDispatcher(
	hub *api.Hub,
	strategy StrategyConsumer,
	paper PaperTrader,
	sink *archive.Sink,
	instruments *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		hub:         hub,
		strategy:    strategy,
		paper:       paper,
		sink:        sink,
		instruments: instruments,
		lastHash:    make(map[string]string),
		logger:      logger.With("component", "dispatcher"),
	}
}

// Dispatch delivers one snapshot. Called from actor goroutines; every path
// here is bounded (channel sends with drop, synchronous consumer calls).
func (d *Dispatcher) Dispatch(snapshot types.MetricSnapshot) {
	d.instruments.BroadcastsTotal.Inc()
	d.hub.Broadcast(snapshot)

	if d.strategy != nil {
		d.strategy.OnMetrics(snapshot)
	}
	if d.paper != nil {
		d.paper.OnTopOfBook(snapshot.Symbol, snapshot.Snapshot, snapshot.Bids, snapshot.Asks)
	}

	if d.sink != nil && d.bookChanged(snapshot.Symbol, snapshot.Snapshot.StateHash) {
		payload, err := json.Marshal(snapshot)
		if err != nil {
			d.logger.Error("archive marshal", "error", err, "symbol", snapshot.Symbol)
			return
		}
		d.sink.Write(archive.Record{
			Symbol:  snapshot.Symbol,
			TS:      snapshot.Snapshot.TS,
			Type:    "orderbook",
			Payload: payload,
		})
	}
}

// ArchiveTrade writes one print to the archive sink.
func (d *Dispatcher) ArchiveTrade(trade types.Trade) {
	if d.sink == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"price": trade.Price.String(),
		"qty":   trade.Qty.String(),
		"side":  string(trade.Side),
	})
	if err != nil {
		return
	}
	d.sink.Write(archive.Record{
		Symbol:  trade.Symbol,
		TS:      trade.EventTime.UnixMilli(),
		Type:    "trade",
		Payload: payload,
	})
}

// ArchiveFunding writes one funding/mark-price observation.
func (d *Dispatcher) ArchiveFunding(premium types.PremiumIndex) {
	if d.sink == nil {
		return
	}
	payload, err := json.Marshal(premium)
	if err != nil {
		return
	}
	d.sink.Write(archive.Record{
		Symbol:  premium.Symbol,
		TS:      time.Now().UnixMilli(),
		Type:    "funding",
		Payload: payload,
	})
}

// bookChanged reports whether the symbol's stateHash differs from the last
// archived one, recording the new hash.
func (d *Dispatcher) bookChanged(sym, hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastHash[sym] == hash {
		return false
	}
	d.lastHash[sym] = hash
	return true
}
