package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"perpfeed/internal/config"
	"perpfeed/internal/metrics"
	"perpfeed/internal/venue"
)

// Server runs the subscriber and control HTTP listener.
type Server struct {
	hub         *Hub
	handlers    *Handlers
	server      *http.Server
	instruments *metrics.Metrics
	logger      *slog.Logger
}

// NewServer wires the handlers and routes around an existing hub. The hub
// is built by the caller because the engine's dispatcher holds it too.
func NewServer(
	serverCfg config.ServerConfig,
	clientCfg config.ClientConfig,
	source StatusSource,
	catalog *venue.Catalog,
	hub *Hub,
	instruments *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	handlers := NewHandlers(source, catalog, hub, serverCfg, clientCfg, logger)

	router := mux.NewRouter()
	router.HandleFunc("/health/liveness", handlers.HandleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/health/readiness", handlers.HandleReadiness).Methods(http.MethodGet)
	router.HandleFunc("/health/metrics", handlers.HandleMetricsSummary).Methods(http.MethodGet)
	router.HandleFunc("/status", handlers.HandleStatus).Methods(http.MethodGet)
	router.HandleFunc("/exchange-info", handlers.HandleExchangeInfo).Methods(http.MethodGet)
	router.HandleFunc("/ws", handlers.HandleWebSocket)
	router.Handle("/metrics", instruments.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", serverCfg.Host, serverCfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:         hub,
		handlers:    handlers,
		server:      server,
		instruments: instruments,
		logger:      logger.With("component", "api_server"),
	}
}

// Hub exposes the fan-out so the engine can wire dispatch and union changes.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub loop and the HTTP listener. Blocks until the listener
// stops.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.pollSubscriberGauge(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) pollSubscriberGauge(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.instruments.Subscribers.Set(float64(s.hub.SubscriberCount()))
		}
	}
}

// Stop gracefully drains the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
