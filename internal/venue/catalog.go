// catalog.go caches the venue's instrument catalog.
//
// The catalog polls GET /fapi/v1/exchangeInfo on an interval and serves the
// cached instrument list to the /exchange-info endpoint and to subscription
// validation, so a burst of subscribers never translates into a burst of
// catalog requests.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"perpfeed/pkg/types"
)

// Catalog is the cached instrument list.
type Catalog struct {
	client  *Client
	refresh time.Duration

	mu        sync.RWMutex
	info      *types.ExchangeInfo
	tradable  map[string]bool
	fetchedAt time.Time

	logger *slog.Logger
}

// NewCatalog creates an empty catalog refreshed at the given interval.
func NewCatalog(client *Client, refresh time.Duration, logger *slog.Logger) *Catalog {
	return &Catalog{
		client:  client,
		refresh: refresh,
		logger:  logger.With("component", "catalog"),
	}
}

// Refresh fetches the catalog once.
func (c *Catalog) Refresh(ctx context.Context) error {
	info, err := c.client.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("refresh catalog: %w", err)
	}

	tradable := make(map[string]bool, len(info.Symbols))
	for _, sym := range info.Symbols {
		if sym.Status == "TRADING" {
			tradable[sym.Symbol] = true
		}
	}

	c.mu.Lock()
	c.info = info
	c.tradable = tradable
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("catalog refreshed",
		"instruments", len(info.Symbols),
		"trading", len(tradable),
	)
	return nil
}

// Run polls the catalog until ctx is cancelled. The initial fetch error is
// non-fatal; the poll loop keeps retrying at the refresh interval.
func (c *Catalog) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("initial catalog fetch failed", "error", err)
	}

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("catalog refresh failed", "error", err)
			}
		}
	}
}

// Info returns the cached catalog and its fetch time. The catalog may be nil
// before the first successful refresh.
func (c *Catalog) Info() (*types.ExchangeInfo, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info, c.fetchedAt
}

// Tradable reports whether the symbol is known and in TRADING status. An
// unpopulated catalog accepts every symbol rather than rejecting subscribers
// during venue outages.
func (c *Catalog) Tradable(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return true
	}
	return c.tradable[symbol]
}
