// frames.go decodes combined-stream WebSocket frames.
//
// A combined stream wraps every payload in {"stream": "...", "data": {...}}.
// The inner "e" field routes: "depthUpdate" carries a sequence-numbered book
// diff, "trade" a single print. Everything else is ignored.
package venue

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"perpfeed/pkg/types"
)

// Frame is one decoded stream payload. Exactly one field is non-nil for
// frames the feed consumes; both nil means an ignorable event type.
type Frame struct {
	Diff  *types.DepthDiff
	Trade *types.Trade
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wireEnvelope struct {
	Event string `json:"e"`
}

type wireDepthUpdate struct {
	EventTime int64              `json:"E"`
	Symbol    string             `json:"s"`
	FirstID   int64              `json:"U"`
	FinalID   int64              `json:"u"`
	Bids      []types.PriceLevel `json:"b"`
	Asks      []types.PriceLevel `json:"a"`
}

type wireTrade struct {
	Symbol       string `json:"s"`
	TradeTime    int64  `json:"T"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	BuyerIsMaker bool   `json:"m"`
}

// ParseCombinedFrame decodes one raw WebSocket message. receipt is the local
// wall clock at read time, stamped onto diffs for lag accounting.
func ParseCombinedFrame(data []byte, receipt time.Time) (Frame, error) {
	var outer combinedFrame
	if err := json.Unmarshal(data, &outer); err != nil {
		return Frame{}, fmt.Errorf("combined frame: %w", err)
	}
	if len(outer.Data) == 0 {
		return Frame{}, fmt.Errorf("combined frame: empty data on stream %q", outer.Stream)
	}

	var envelope wireEnvelope
	if err := json.Unmarshal(outer.Data, &envelope); err != nil {
		return Frame{}, fmt.Errorf("frame envelope: %w", err)
	}

	switch envelope.Event {
	case "depthUpdate":
		var wire wireDepthUpdate
		if err := json.Unmarshal(outer.Data, &wire); err != nil {
			return Frame{}, fmt.Errorf("depth frame: %w", err)
		}
		return Frame{Diff: &types.DepthDiff{
			Symbol:      wire.Symbol,
			FirstID:     wire.FirstID,
			FinalID:     wire.FinalID,
			Bids:        wire.Bids,
			Asks:        wire.Asks,
			EventTime:   time.UnixMilli(wire.EventTime),
			ReceiptTime: receipt,
		}}, nil

	case "trade":
		var wire wireTrade
		if err := json.Unmarshal(outer.Data, &wire); err != nil {
			return Frame{}, fmt.Errorf("trade frame: %w", err)
		}
		price, err := decimal.NewFromString(wire.Price)
		if err != nil {
			return Frame{}, fmt.Errorf("trade price %q: %w", wire.Price, err)
		}
		qty, err := decimal.NewFromString(wire.Qty)
		if err != nil {
			return Frame{}, fmt.Errorf("trade qty %q: %w", wire.Qty, err)
		}
		// Buyer-is-maker means the aggressor sold.
		side := types.BUY
		if wire.BuyerIsMaker {
			side = types.SELL
		}
		return Frame{Trade: &types.Trade{
			Symbol:    wire.Symbol,
			Price:     price,
			Qty:       qty,
			Side:      side,
			EventTime: time.UnixMilli(wire.TradeTime),
		}}, nil

	default:
		return Frame{}, nil
	}
}
