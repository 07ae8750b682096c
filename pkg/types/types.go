// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the fabric — symbol states,
// order book levels, depth diffs, trades, and the metric snapshot payload
// broadcast downstream. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the aggressor direction of a trade: BUY or SELL.
// Inferred from the venue's maker flag (maker is buyer ⇒ taker sold).
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// SymbolState is the lifecycle state of one symbol's book replica.
type SymbolState string

const (
	StateInit             SymbolState = "INIT"
	StateSnapshotPending  SymbolState = "SNAPSHOT_PENDING"
	StateApplyingSnapshot SymbolState = "APPLYING_SNAPSHOT"
	StateLive             SymbolState = "LIVE"
	StateResyncing        SymbolState = "RESYNCING"
	StateHalted           SymbolState = "HALTED"
)

// Publishable reports whether metric snapshots built in this state carry a
// current book view. Trades keep flowing in every state.
func (s SymbolState) Publishable() bool {
	return s == StateLive
}

// IntegrityLevel classifies the health of a symbol's replica.
type IntegrityLevel string

const (
	IntegrityOK       IntegrityLevel = "OK"
	IntegrityDegraded IntegrityLevel = "DEGRADED"
	IntegrityCritical IntegrityLevel = "CRITICAL"
)

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Price and Qty are strings because
// the venue returns them as strings to preserve decimal precision; they are
// parsed into decimals only where arithmetic is needed.
type PriceLevel struct {
	Price string
	Qty   string
}

// UnmarshalJSON decodes the venue's ["price","qty"] pair encoding.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	l.Price = pair[0]
	l.Qty = pair[1]
	return nil
}

// MarshalJSON re-encodes the level as the venue-style ["price","qty"] pair,
// which is also the subscriber frame encoding.
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price, l.Qty})
}

// DepthSnapshot is the REST response from GET /fapi/v1/depth.
type DepthSnapshot struct {
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// DepthDiff is one sequence-numbered incremental book update.
// FirstID (U) and FinalID (u) bound the venue sequence ids covered by the
// diff; diffs are contiguous iff U == previous_u + 1.
type DepthDiff struct {
	Symbol      string
	FirstID     int64 // U
	FinalID     int64 // u
	Bids        []PriceLevel
	Asks        []PriceLevel
	EventTime   time.Time // venue event timestamp
	ReceiptTime time.Time // local wall clock at demultiplex
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is one print from the venue trade stream.
type Trade struct {
	Symbol    string
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Side      Side // taker side
	EventTime time.Time
}

// TapeStats are the rolling aggregates derived from the trade tape.
// Volumes are aggressive (taker) volume over the 10 s window.
type TapeStats struct {
	PrintsPerSec  float64 `json:"printsPerSec"`
	TradeCount1s  int     `json:"tradeCount1s"`
	TradeCount5s  int     `json:"tradeCount5s"`
	TradeCount10s int     `json:"tradeCount10s"`
	TradeCount60s int     `json:"tradeCount60s"`
	BuyVolume10s  string  `json:"buyVolume10s"`
	SellVolume10s string  `json:"sellVolume10s"`
	BurstLength   int     `json:"burstLength"`
	LastPrice     string  `json:"lastPrice,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Venue REST metadata
// ————————————————————————————————————————————————————————————————————————

// SymbolInfo is one tradable instrument from GET /fapi/v1/exchangeInfo.
type SymbolInfo struct {
	Symbol            string `json:"symbol"`
	Status            string `json:"status"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	PricePrecision    int    `json:"pricePrecision"`
	QuantityPrecision int    `json:"quantityPrecision"`
}

// ExchangeInfo is the GET /fapi/v1/exchangeInfo response.
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// BookTicker is the GET /fapi/v1/ticker/bookTicker response for one symbol.
type BookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
	Time     int64  `json:"time"`
}

// OpenInterest is the GET /fapi/v1/openInterest response.
type OpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// OpenInterestHist is one bucket from GET /futures/data/openInterestHist.
type OpenInterestHist struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

// PremiumIndex is the GET /fapi/v1/premiumIndex response (mark price and
// funding). Feeds the archive funding record type.
type PremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// ServerTime is the GET /fapi/v1/time response.
type ServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

// Kline is one candle from GET /fapi/v1/klines. The venue encodes candles as
// positional arrays of mixed numbers and strings.
type Kline struct {
	OpenTime  int64
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
	CloseTime int64
}

// UnmarshalJSON decodes the positional candle array, ignoring the trailing
// taker-volume fields.
func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("kline: %w", err)
	}
	if len(raw) < 7 {
		return fmt.Errorf("kline: %d fields, want at least 7", len(raw))
	}
	if err := json.Unmarshal(raw[0], &k.OpenTime); err != nil {
		return fmt.Errorf("kline open time: %w", err)
	}
	for i, dst := range []*string{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := json.Unmarshal(raw[i+1], dst); err != nil {
			return fmt.Errorf("kline field %d: %w", i+1, err)
		}
	}
	if err := json.Unmarshal(raw[6], &k.CloseTime); err != nil {
		return fmt.Errorf("kline close time: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Downstream metric snapshot
// ————————————————————————————————————————————————————————————————————————

// SnapshotID identifies one emitted metric snapshot. EventID is monotonic
// per symbol; StateHash is a stable hash over the canonical top-of-book
// serialization, used by consumers for deduplication.
type SnapshotID struct {
	EventID   uint64 `json:"eventId"`
	StateHash string `json:"stateHash"`
	TS        int64  `json:"ts"`
}

// IntegrityReport is the integrity monitor's view attached to each snapshot.
type IntegrityReport struct {
	Level          IntegrityLevel `json:"level"`
	Message        string         `json:"message,omitempty"`
	AvgStalenessMs float64        `json:"avgStalenessMs"`
	GapCount       int            `json:"gapCount"`
	CrossedBook    bool           `json:"crossedBook"`
}

// MetricSnapshot is the per-symbol payload delivered to subscribers, the
// strategy collaborator, the paper collaborator, and the archive sink.
// Best bid/ask, mid, and spread are nil when the corresponding book side is
// empty or the replica is not LIVE; the payload tolerates nulls.
type MetricSnapshot struct {
	Type         string          `json:"type"` // always "metrics"
	Symbol       string          `json:"symbol"`
	State        SymbolState     `json:"state"`
	EventTimeMs  int64           `json:"event_time_ms"`
	Snapshot     SnapshotID      `json:"snapshot"`
	Bids         []PriceLevel    `json:"bids"`
	Asks         []PriceLevel    `json:"asks"`
	BestBid      *string         `json:"bestBid"`
	BestAsk      *string         `json:"bestAsk"`
	MidPrice     *string         `json:"midPrice"`
	SpreadPct    *float64        `json:"spreadPct"`
	LastUpdateID int64           `json:"lastUpdateId"`
	TimeAndSales TapeStats       `json:"timeAndSales"`
	Integrity    IntegrityReport `json:"orderbookIntegrity"`
}
