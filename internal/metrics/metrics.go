// Package metrics exposes process counters on a dedicated Prometheus
// registry, served at /metrics by the API server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the feed reports.
type Metrics struct {
	registry *prometheus.Registry

	FramesTotal     *prometheus.CounterVec // by frame type: depth, trade
	InboxDropsTotal *prometheus.CounterVec // by symbol
	BroadcastsTotal prometheus.Counter
	ArchiveDrops    prometheus.Counter

	Subscribers   prometheus.Gauge
	ActiveSymbols prometheus.Gauge
	LiveSymbols   prometheus.Gauge
	SymbolBudget  prometheus.Gauge
	UsedWeight    prometheus.Gauge
}

// New creates the registry and all instruments.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_frames_total",
			Help: "Upstream frames decoded, by type.",
		}, []string{"type"}),
		InboxDropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_inbox_drops_total",
			Help: "Events dropped on actor inbox overflow.",
		}, []string{"symbol"}),
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_broadcasts_total",
			Help: "Metric snapshots handed to the fan-out.",
		}),
		ArchiveDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_archive_drops_total",
			Help: "Archive records dropped on back-pressure.",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_subscribers",
			Help: "Connected WebSocket subscribers.",
		}),
		ActiveSymbols: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_active_symbols",
			Help: "Symbols in the upstream subscription set.",
		}),
		LiveSymbols: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_live_symbols",
			Help: "Symbols whose replica is LIVE.",
		}),
		SymbolBudget: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_symbol_budget",
			Help: "Autoscaler active-symbol budget.",
		}),
		UsedWeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_venue_used_weight_1m",
			Help: "Venue-reported 1-minute request weight.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
