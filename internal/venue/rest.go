// Package venue implements the upstream REST and WebSocket clients for a
// USDⓈ-M perpetual-futures venue.
//
// The REST client (Client) covers the market-data surface:
//   - Depth:            GET /fapi/v1/depth              — full book snapshot
//   - ExchangeInfo:     GET /fapi/v1/exchangeInfo       — instrument catalog
//   - BookTicker:       GET /fapi/v1/ticker/bookTicker  — best bid/ask
//   - Klines:           GET /fapi/v1/klines             — candles
//   - OpenInterest:     GET /fapi/v1/openInterest
//   - OpenInterestHist: GET /futures/data/openInterestHist
//   - PremiumIndex:     GET /fapi/v1/premiumIndex       — mark price + funding
//   - Time:             GET /fapi/v1/time
//
// Every request passes the Gate's pacer; 429/418 responses arm the global
// backoff from Retry-After and surface as *RateLimitError. The venue's
// x-mbx-used-weight-1m header is tracked on every response.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"perpfeed/internal/config"
	"perpfeed/pkg/types"
)

const usedWeightHeader = "X-Mbx-Used-Weight-1m"

// RateLimitError reports a 429 or 418 from the venue. RetryAfter is already
// applied to the global gate by the time the caller sees the error.
type RateLimitError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("venue rate limit: status %d, retry after %s", e.Status, e.RetryAfter)
}

// Client is the venue REST API client.
type Client struct {
	http       *resty.Client
	gate       *Gate
	usedWeight atomic.Int64
	logger     *slog.Logger
}

// NewClient creates a REST client sharing the given gate.
func NewClient(cfg config.VenueConfig, gate *Gate, logger *slog.Logger) *Client {
	c := &Client{
		gate:   gate,
		logger: logger.With("component", "venue_rest"),
	}

	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.SnapshotTimeout).
		SetHeader("Accept", "application/json").
		OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
			if raw := resp.Header().Get(usedWeightHeader); raw != "" {
				if weight, err := strconv.ParseInt(raw, 10, 64); err == nil {
					c.usedWeight.Store(weight)
				}
			}
			return nil
		})
	httpClient.JSONMarshal = json.Marshal
	httpClient.JSONUnmarshal = json.Unmarshal

	c.http = httpClient
	return c
}

// UsedWeight returns the venue's last reported 1-minute weight usage.
func (c *Client) UsedWeight() int64 { return c.usedWeight.Load() }

// get issues one paced GET and decodes into result. Rate-limit responses arm
// the gate and return *RateLimitError.
func (c *Client) get(ctx context.Context, path string, params map[string]string, result any) error {
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(result).
		Get(path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests || code == 418:
		retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"))
		c.gate.Arm(time.Now().Add(retryAfter))
		c.logger.Warn("rate limited",
			"path", path,
			"status", code,
			"retry_after", retryAfter,
			"used_weight", c.usedWeight.Load(),
		)
		return &RateLimitError{Status: code, RetryAfter: retryAfter}
	default:
		return fmt.Errorf("get %s: status %d: %s", path, code, resp.String())
	}
}

// parseRetryAfter reads the header's delay-seconds form; absent or malformed
// headers fall back to one minute, matching the venue's weight window.
func parseRetryAfter(raw string) time.Duration {
	if raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

// Depth fetches a full book snapshot.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (*types.DepthSnapshot, error) {
	var snap types.DepthSnapshot
	err := c.get(ctx, "/fapi/v1/depth", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ExchangeInfo fetches the instrument catalog.
func (c *Client) ExchangeInfo(ctx context.Context) (*types.ExchangeInfo, error) {
	var info types.ExchangeInfo
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// BookTicker fetches the best bid/ask for one symbol.
func (c *Client) BookTicker(ctx context.Context, symbol string) (*types.BookTicker, error) {
	var ticker types.BookTicker
	err := c.get(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol}, &ticker)
	if err != nil {
		return nil, err
	}
	return &ticker, nil
}

// Klines fetches up to limit candles at the given interval.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	var klines []types.Kline
	err := c.get(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, &klines)
	if err != nil {
		return nil, err
	}
	return klines, nil
}

// OpenInterest fetches the current open interest for one symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (*types.OpenInterest, error) {
	var oi types.OpenInterest
	err := c.get(ctx, "/fapi/v1/openInterest", map[string]string{"symbol": symbol}, &oi)
	if err != nil {
		return nil, err
	}
	return &oi, nil
}

// OpenInterestHist fetches historical open-interest buckets.
func (c *Client) OpenInterestHist(ctx context.Context, symbol, period string, limit int) ([]types.OpenInterestHist, error) {
	var hist []types.OpenInterestHist
	err := c.get(ctx, "/futures/data/openInterestHist", map[string]string{
		"symbol": symbol,
		"period": period,
		"limit":  strconv.Itoa(limit),
	}, &hist)
	if err != nil {
		return nil, err
	}
	return hist, nil
}

// PremiumIndex fetches mark price and funding for one symbol.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) (*types.PremiumIndex, error) {
	var premium types.PremiumIndex
	err := c.get(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol}, &premium)
	if err != nil {
		return nil, err
	}
	return &premium, nil
}

// Time fetches the venue clock, used to sanity-check local skew at startup.
func (c *Client) Time(ctx context.Context) (time.Time, error) {
	var st types.ServerTime
	if err := c.get(ctx, "/fapi/v1/time", nil, &st); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(st.ServerTime), nil
}
