// tape.go implements the per-symbol trade tape.
//
// The tape is intentionally independent of book state: trades keep being
// recorded and aggregated even while the replica is RESYNCING or HALTED, so
// downstream metrics can still carry time-and-sales with a null book view.
package symbol

import (
	"time"

	"github.com/shopspring/decimal"

	"perpfeed/pkg/types"
)

const tapeRetention = 60 * time.Second

// Tape keeps a rolling window of trades and derives flow aggregates.
type Tape struct {
	trades []types.Trade
}

// NewTape creates an empty trade tape.
func NewTape() *Tape {
	return &Tape{trades: make([]types.Trade, 0, 256)}
}

// Record appends one trade and evicts prints older than the retention window.
func (t *Tape) Record(now time.Time, trade types.Trade) {
	t.trades = append(t.trades, trade)
	t.evictStale(now)
}

func (t *Tape) evictStale(now time.Time) {
	cutoff := now.Add(-tapeRetention)
	idx := -1
	for i, trade := range t.trades {
		if trade.EventTime.After(cutoff) {
			idx = i
			break
		}
	}
	if idx == -1 {
		t.trades = t.trades[:0]
		return
	}
	if idx > 0 {
		t.trades = append(t.trades[:0], t.trades[idx:]...)
	}
}

// Stats computes the rolling aggregates at now.
func (t *Tape) Stats(now time.Time) types.TapeStats {
	t.evictStale(now)

	stats := types.TapeStats{
		BuyVolume10s:  "0",
		SellVolume10s: "0",
	}
	if len(t.trades) == 0 {
		return stats
	}

	cutoff1 := now.Add(-time.Second)
	cutoff5 := now.Add(-5 * time.Second)
	cutoff10 := now.Add(-10 * time.Second)
	buyVol := decimal.Zero
	sellVol := decimal.Zero
	for i := len(t.trades) - 1; i >= 0; i-- {
		trade := t.trades[i]
		stats.TradeCount60s++
		if trade.EventTime.Before(cutoff10) {
			continue
		}
		stats.TradeCount10s++
		if !trade.EventTime.Before(cutoff5) {
			stats.TradeCount5s++
		}
		if !trade.EventTime.Before(cutoff1) {
			stats.TradeCount1s++
		}
		if trade.Side == types.BUY {
			buyVol = buyVol.Add(trade.Qty)
		} else {
			sellVol = sellVol.Add(trade.Qty)
		}
	}
	stats.PrintsPerSec = float64(stats.TradeCount10s) / 10.0
	stats.BuyVolume10s = buyVol.String()
	stats.SellVolume10s = sellVol.String()
	stats.BurstLength = t.burstLength()
	stats.LastPrice = t.trades[len(t.trades)-1].Price.String()
	return stats
}

// burstLength is the length of the most recent run of same-side prints.
func (t *Tape) burstLength() int {
	if len(t.trades) == 0 {
		return 0
	}
	side := t.trades[len(t.trades)-1].Side
	run := 0
	for i := len(t.trades) - 1; i >= 0; i-- {
		if t.trades[i].Side != side {
			break
		}
		run++
	}
	return run
}

// Count returns the number of prints currently retained.
func (t *Tape) Count() int {
	return len(t.trades)
}
