package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"perpfeed/internal/config"
	"perpfeed/internal/symbol"
	"perpfeed/internal/venue"
	"perpfeed/pkg/types"
)

// StatusSource is the engine-side view the handlers read. All methods must
// be safe for concurrent use.
type StatusSource interface {
	SymbolStatuses() []symbol.Status
	ActiveSymbols() []string
	Budget() int
	LastReceiptAt() time.Time
	UsedWeight() int64
}

// Handlers serves the health, status, and subscription endpoints.
type Handlers struct {
	source    StatusSource
	catalog   *venue.Catalog
	hub       *Hub
	serverCfg config.ServerConfig
	clientCfg config.ClientConfig
	startedAt time.Time
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewHandlers wires the endpoint handlers.
func NewHandlers(
	source StatusSource,
	catalog *venue.Catalog,
	hub *Hub,
	serverCfg config.ServerConfig,
	clientCfg config.ClientConfig,
	logger *slog.Logger,
) *Handlers {
	h := &Handlers{
		source:    source,
		catalog:   catalog,
		hub:       hub,
		serverCfg: serverCfg,
		clientCfg: clientCfg,
		startedAt: time.Now(),
		logger:    logger.With("component", "api"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

func (h *Handlers) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.serverCfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleLiveness reports process uptime and last-data receipt.
func (h *Handlers) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	resp := map[string]any{
		"ok":       true,
		"uptimeMs": now.Sub(h.startedAt).Milliseconds(),
	}
	if last := h.source.LastReceiptAt(); !last.IsZero() {
		resp["lastDataReceivedAt"] = last.UnixMilli()
	} else {
		resp["lastDataReceivedAt"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleReadiness aggregates per-symbol health. Ready means every active
// symbol has a LIVE replica; degraded symbols are listed either way.
func (h *Handlers) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	statuses := h.source.SymbolStatuses()

	live := make([]string, 0, len(statuses))
	degraded := make([]string, 0)
	for _, st := range statuses {
		if st.State == types.StateLive {
			live = append(live, st.Symbol)
		}
		if st.State != types.StateLive || st.Integrity.Level != types.IntegrityOK {
			degraded = append(degraded, st.Symbol)
		}
	}
	slices.Sort(live)
	slices.Sort(degraded)

	ok := len(degraded) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":              ok,
		"liveSymbols":     live,
		"degradedSymbols": degraded,
	})
}

// HandleMetricsSummary rolls per-symbol counters up into one JSON view.
// Prometheus exposition lives at /metrics; this endpoint is the
// human-readable aggregate.
func (h *Handlers) HandleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	statuses := h.source.SymbolStatuses()

	var depthMsgs10s, desyncs60s, snapshotOK60s, snapshotSkip60s, broadcasts10s int
	var livePctSum float64
	liveCount := 0
	for _, st := range statuses {
		depthMsgs10s += st.DepthMsgs10s
		desyncs60s += st.Desyncs60s
		snapshotOK60s += st.SnapshotOK60s
		snapshotSkip60s += st.SnapshotSkip60s
		broadcasts10s += st.Broadcasts10s
		livePctSum += st.LivePct60s
		if st.State == types.StateLive {
			liveCount++
		}
	}
	meanLivePct := 0.0
	if len(statuses) > 0 {
		meanLivePct = livePctSum / float64(len(statuses))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbols":         len(statuses),
		"liveSymbols":     liveCount,
		"symbolBudget":    h.source.Budget(),
		"subscribers":     h.hub.SubscriberCount(),
		"depthMsgs10s":    depthMsgs10s,
		"desyncs60s":      desyncs60s,
		"snapshotOk60s":   snapshotOK60s,
		"snapshotSkip60s": snapshotSkip60s,
		"broadcasts10s":   broadcasts10s,
		"meanLivePct60s":  meanLivePct,
		"venueUsedWeight": h.source.UsedWeight(),
	})
}

// HandleStatus returns the full per-symbol detail.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.source.SymbolStatuses()
	slices.SortFunc(statuses, func(a, b symbol.Status) int {
		return strings.Compare(a.Symbol, b.Symbol)
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"activeSymbols": h.source.ActiveSymbols(),
		"symbolBudget":  h.source.Budget(),
		"subscribers":   h.hub.SubscriberCount(),
		"symbols":       statuses,
	})
}

// HandleExchangeInfo serves the cached instrument catalog.
func (h *Handlers) HandleExchangeInfo(w http.ResponseWriter, r *http.Request) {
	info, fetchedAt := h.catalog.Info()
	if info == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":      false,
			"error":   "unavailable",
			"message": "instrument catalog not yet fetched",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fetchedAt": fetchedAt.UnixMilli(),
		"symbols":   info.Symbols,
	})
}

// clientToken extracts the subscriber's auth key from either the
// Sec-WebSocket-Protocol header or the token query parameter.
func clientToken(r *http.Request) (token, proto string) {
	if proto = r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		return strings.TrimSpace(strings.Split(proto, ",")[0]), proto
	}
	return r.URL.Query().Get("token"), ""
}

func (h *Handlers) authorized(r *http.Request) bool {
	if h.serverCfg.AuthToken == "" {
		return true
	}
	token, _ := clientToken(r)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.serverCfg.AuthToken)) == 1
}

// parseSymbols normalizes the ?symbols= list: uppercase, comma-split,
// deduplicated, filtered to tradable instruments, capped.
func (h *Handlers) parseSymbols(raw string) []string {
	seen := make(map[string]bool)
	symbols := make([]string, 0, 8)
	for _, part := range strings.Split(raw, ",") {
		sym := strings.ToUpper(strings.TrimSpace(part))
		if sym == "" || seen[sym] || !h.catalog.Tradable(sym) {
			continue
		}
		seen[sym] = true
		symbols = append(symbols, sym)
		if len(symbols) == h.clientCfg.MaxSymbolsPerClient {
			break
		}
	}
	return symbols
}

// HandleWebSocket upgrades a subscriber connection. Auth and symbol-set
// rejections close with policy violation (1008) after the upgrade, so the
// client sees a WebSocket-level close rather than an opaque HTTP error.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var respHeader http.Header
	if _, proto := clientToken(r); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {strings.TrimSpace(strings.Split(proto, ",")[0])}}
	}

	conn, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	if !h.authorized(r) {
		h.closePolicy(conn, "unauthorized")
		return
	}

	symbols := h.parseSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		h.closePolicy(conn, "no valid symbols")
		return
	}

	NewClient(h.hub, conn, symbols)
}

func (h *Handlers) closePolicy(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, deadline)
	conn.Close()
}
