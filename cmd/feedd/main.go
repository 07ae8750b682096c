// perpfeed — a market-data normalization fabric for Binance USDⓈ-M
// perpetual futures.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go    — orchestrator: owns per-symbol actors, reconciles the active set
//	engine/dispatch.go  — fan-out of metric snapshots to subscribers, strategies, and the archive
//	engine/autoscale.go — uptime-driven budget for how many symbols run concurrently
//	symbol/actor.go     — per-symbol event loop: sequence-coherent book replica + state machine
//	venue/rest.go       — REST client for depth snapshots, exchange info, klines, funding
//	venue/ws.go         — combined-stream WebSocket multiplexer with auto-reconnect
//	venue/catalog.go    — tradable-instrument catalog refreshed from exchangeInfo
//	api/server.go       — HTTP listener: health probes, status, /ws subscriber fan-out, /metrics
//	archive/archive.go  — hourly JSONL shards of book states, trades, and funding marks
//
// Data flow:
//
//	The multiplexer decodes depth diffs and trades off one combined stream
//	and routes each frame to its symbol actor. The actor reconciles diffs
//	against REST snapshots so its replica is always sequence-coherent, then
//	publishes throttled metric snapshots. The dispatcher fans those out to
//	WebSocket subscribers and appends changed book states to the archive.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpfeed/internal/api"
	"perpfeed/internal/archive"
	"perpfeed/internal/config"
	"perpfeed/internal/engine"
	"perpfeed/internal/metrics"
	"perpfeed/internal/venue"
)

func main() {
	cfgPath := os.Getenv("FEED_CONFIG")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instruments := metrics.New()
	gate := venue.NewGate(cfg.Venue.RequestsPerSec, cfg.Venue.RequestBurst)
	client := venue.NewClient(cfg.Venue, gate, logger)
	catalog := venue.NewCatalog(client, cfg.Venue.ExchangeInfoRefresh, logger)
	mux := venue.NewMultiplexer(cfg.Venue, cfg.Feed, logger)
	hub := api.NewHub(cfg.Clients, logger)

	var sink *archive.Sink
	if cfg.Archive.Enabled {
		sink = archive.NewSink(cfg.Archive.Dir, func() { instruments.ArchiveDrops.Inc() }, logger)
	}

	dispatcher := engine.NewDispatcher(hub, nil, nil, sink, instruments, logger)
	eng := engine.New(cfg, client, gate, mux, dispatcher, instruments, logger)
	hub.OnUnionChange = eng.HandleUnionChange

	server := api.NewServer(cfg.Server, cfg.Clients, eng, catalog, hub, instruments, logger)

	go catalog.Run(ctx)
	go func() {
		if err := mux.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("stream multiplexer stopped", "error", err)
		}
	}()
	go eng.Run(ctx)
	if sink != nil {
		go func() {
			if err := sink.Run(ctx); err != nil {
				logger.Error("archive sink stopped", "error", err)
			}
		}()
		go eng.FundingPoller(ctx, time.Minute, sink)
	}

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("api server failed", "error", err)
			stop()
		}
	}()

	logger.Info("perpfeed started",
		"addr", cfg.Server.Host,
		"port", cfg.Server.Port,
		"pinned", cfg.Feed.PinnedSymbols,
		"symbol_budget", cfg.Feed.SymbolConcurrency,
		"stream_mode", cfg.Feed.DepthStreamMode,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
