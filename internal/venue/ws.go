// ws.go maintains the combined-stream WebSocket to the venue.
//
// One socket carries every active symbol: for each symbol the multiplexer
// subscribes <sym>@depth@<speed> (or <sym>@depth<N>@<speed> in partial mode)
// plus <sym>@trade. The subscription set is fixed at connect time, so any
// change to the active set tears the socket down and reopens it with the new
// stream list. Close and error schedule a reconnect after a fixed delay.
//
// The read loop decodes each frame and hands it to the registered handler;
// the handler must be constant-time (it enqueues into per-symbol FIFOs and
// returns). On every successful open the OnOpen hook fires with the connected
// set so the engine can seed snapshots for uninitialized replicas.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"perpfeed/internal/config"
)

const (
	wsPingInterval = 50 * time.Second
	wsReadTimeout  = 90 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Multiplexer owns the single upstream socket and its subscription set.
type Multiplexer struct {
	baseURL        string
	mode           string
	speed          string
	levels         int
	reconnectDelay time.Duration

	// Handler receives every decoded frame from the read loop.
	Handler func(Frame)
	// OnOpen fires after each successful connect with the subscribed set.
	OnOpen func(symbols []string)

	mu      sync.Mutex
	symbols []string
	conn    *websocket.Conn

	rebuild chan struct{}
	logger  *slog.Logger
}

// NewMultiplexer creates a multiplexer with an empty subscription set.
func NewMultiplexer(venueCfg config.VenueConfig, feedCfg config.FeedConfig, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		baseURL:        venueCfg.WSBaseURL,
		mode:           feedCfg.DepthStreamMode,
		speed:          feedCfg.UpdateSpeed,
		levels:         feedCfg.DepthLevels,
		reconnectDelay: venueCfg.ReconnectDelay,
		rebuild:        make(chan struct{}, 1),
		logger:         logger.With("component", "multiplexer"),
	}
}

// SetSymbols replaces the subscription set. An actual change forces the
// current socket closed so the run loop reopens with the new stream list.
func (m *Multiplexer) SetSymbols(symbols []string) {
	normalized := normalizeSymbols(symbols)

	m.mu.Lock()
	if slices.Equal(normalized, m.symbols) {
		m.mu.Unlock()
		return
	}
	m.symbols = normalized
	conn := m.conn
	m.mu.Unlock()

	m.logger.Info("subscription set changed", "symbols", normalized)
	select {
	case m.rebuild <- struct{}{}:
	default:
	}
	if conn != nil {
		conn.Close()
	}
}

// Symbols returns the current subscription set.
func (m *Multiplexer) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.symbols)
}

// ForceReconnect closes the current socket; the run loop reopens it. Used by
// integrity reconnect advisories.
func (m *Multiplexer) ForceReconnect() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		m.logger.Warn("forcing upstream reconnect")
		conn.Close()
	}
}

// Run maintains the socket until ctx is cancelled.
func (m *Multiplexer) Run(ctx context.Context) error {
	delay := backoff.NewConstantBackOff(m.reconnectDelay)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		symbols := m.Symbols()
		if len(symbols) == 0 {
			// Nothing to stream; wait for the set to become non-empty.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.rebuild:
				continue
			}
		}

		err := m.connectAndRead(ctx, symbols)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !slices.Equal(symbols, m.Symbols()) {
			// Set changed under us; reconnect immediately with the new list.
			continue
		}

		wait := delay.NextBackOff()
		m.logger.Warn("upstream disconnected, reconnecting",
			"error", err,
			"delay", wait,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Multiplexer) connectAndRead(ctx context.Context, symbols []string) error {
	url := m.streamURL(symbols)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		conn.Close()
		m.conn = nil
		m.mu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	m.logger.Info("upstream connected", "symbols", len(symbols), "url", url)
	if m.OnOpen != nil {
		m.OnOpen(symbols)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go m.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frame, err := ParseCombinedFrame(msg, time.Now())
		if err != nil {
			m.logger.Error("bad frame", "error", err)
			continue
		}
		if frame.Diff == nil && frame.Trade == nil {
			continue
		}
		if m.Handler != nil {
			m.Handler(frame)
		}
	}
}

func (m *Multiplexer) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// streamURL builds the combined-stream endpoint for the given set.
func (m *Multiplexer) streamURL(symbols []string) string {
	depthSuffix := "@depth@" + m.speed
	if m.mode == "partial" {
		depthSuffix = fmt.Sprintf("@depth%d@%s", m.levels, m.speed)
	}

	streams := make([]string, 0, 2*len(symbols))
	for _, sym := range symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+depthSuffix, lower+"@trade")
	}
	return m.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	slices.Sort(out)
	return out
}
