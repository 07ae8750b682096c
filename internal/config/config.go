// Package config defines all configuration for the feed daemon.
// Every knob has a default and is overridable via a same-named environment
// variable (PORT, DEPTH_QUEUE_MAX, ...); an optional YAML file can set the
// same keys in lower case.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig
	Venue     VenueConfig
	Feed      FeedConfig
	Clients   ClientConfig
	Autoscale AutoscaleConfig
	Integrity IntegrityConfig
	Archive   ArchiveConfig
	Logging   LoggingConfig
}

// ServerConfig holds the subscriber/control HTTP listener.
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	// AuthToken gates the subscriber WebSocket. Empty disables auth.
	AuthToken string
}

// VenueConfig holds upstream endpoints and rate-limit pacing.
type VenueConfig struct {
	RESTBaseURL string
	WSBaseURL   string
	// RequestsPerSec paces the REST client below the venue weight budget.
	RequestsPerSec      float64
	RequestBurst        int
	SnapshotDepthLimit  int
	ExchangeInfoRefresh time.Duration
	ReconnectDelay      time.Duration
	SnapshotSeedStagger time.Duration
	SnapshotTimeout     time.Duration
}

// FeedConfig tunes per-symbol ingestion and the actor state machine.
type FeedConfig struct {
	DepthStreamMode     string // "diff" or "partial"
	UpdateSpeed         string // "100ms" or "250ms"
	DepthLevels         int
	DepthQueueMax       int
	DepthLagMax         time.Duration
	SnapshotMinInterval time.Duration
	SnapshotBackoffMin  time.Duration
	SnapshotBackoffMax  time.Duration
	LiveSnapshotFresh   time.Duration
	DesyncRate10sMax    int
	ResyncInterval      time.Duration
	SymbolConcurrency   int
	PinnedSymbols       []string
}

// ClientConfig tunes the subscriber fan-out.
type ClientConfig struct {
	HeartbeatInterval   time.Duration
	StaleConnection     time.Duration
	BroadcastThrottle   time.Duration
	MaxSymbolsPerClient int
}

// AutoscaleConfig tunes the active-symbol budget controller.
type AutoscaleConfig struct {
	Enabled bool
	DownPct float64
	UpPct   float64
	UpHold  time.Duration
}

// IntegrityConfig sets the replica health classification thresholds.
type IntegrityConfig struct {
	StaleWarn         time.Duration
	StaleCritical     time.Duration
	MaxGaps           int
	ReconnectCooldown time.Duration
}

// ArchiveConfig controls the best-effort JSONL sink.
type ArchiveConfig struct {
	Enabled bool
	Dir     string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("allowed_origins", "*")
	v.SetDefault("auth_token", "")

	v.SetDefault("rest_base_url", "https://fapi.binance.com")
	v.SetDefault("ws_base_url", "wss://fstream.binance.com")
	v.SetDefault("rest_requests_per_sec", 5.0)
	v.SetDefault("rest_request_burst", 10)
	v.SetDefault("snapshot_depth_limit", 1000)
	v.SetDefault("exchange_info_refresh_ms", 300_000)
	v.SetDefault("ws_reconnect_delay_ms", 5_000)
	v.SetDefault("snapshot_seed_stagger_ms", 300)
	v.SetDefault("snapshot_timeout_ms", 10_000)

	v.SetDefault("depth_stream_mode", "diff")
	v.SetDefault("ws_update_speed", "100ms")
	v.SetDefault("depth_levels", 20)
	v.SetDefault("depth_queue_max", 1000)
	v.SetDefault("depth_lag_max_ms", 3_000)
	v.SetDefault("snapshot_min_interval_ms", 2_000)
	v.SetDefault("snapshot_backoff_min_ms", 1_000)
	v.SetDefault("snapshot_backoff_max_ms", 60_000)
	v.SetDefault("live_snapshot_fresh_ms", 300_000)
	v.SetDefault("live_desync_rate_10s_max", 3)
	v.SetDefault("resync_interval_ms", 1_000)
	v.SetDefault("symbol_concurrency", 8)
	v.SetDefault("pinned_symbols", "")

	v.SetDefault("client_heartbeat_interval_ms", 15_000)
	v.SetDefault("client_stale_connection_ms", 45_000)
	v.SetDefault("broadcast_throttle_ms", 250)
	v.SetDefault("max_symbols_per_client", 20)

	v.SetDefault("autoscale_enabled", true)
	v.SetDefault("autoscale_down_pct", 40.0)
	v.SetDefault("autoscale_up_pct", 90.0)
	v.SetDefault("autoscale_up_hold_ms", 30_000)

	v.SetDefault("integrity_stale_warn_ms", 2_000)
	v.SetDefault("integrity_stale_critical_ms", 10_000)
	v.SetDefault("integrity_max_gaps", 5)
	v.SetDefault("integrity_reconnect_cooldown_ms", 30_000)

	v.SetDefault("archive_enabled", false)
	v.SetDefault("archive_dir", "data/archive")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

func ms(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

func csv(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

// Load reads configuration from the environment, optionally layered over a
// YAML file. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	origins := strings.Split(v.GetString("allowed_origins"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("host"),
			Port:           v.GetInt("port"),
			AllowedOrigins: origins,
			AuthToken:      v.GetString("auth_token"),
		},
		Venue: VenueConfig{
			RESTBaseURL:         v.GetString("rest_base_url"),
			WSBaseURL:           v.GetString("ws_base_url"),
			RequestsPerSec:      v.GetFloat64("rest_requests_per_sec"),
			RequestBurst:        v.GetInt("rest_request_burst"),
			SnapshotDepthLimit:  v.GetInt("snapshot_depth_limit"),
			ExchangeInfoRefresh: ms(v, "exchange_info_refresh_ms"),
			ReconnectDelay:      ms(v, "ws_reconnect_delay_ms"),
			SnapshotSeedStagger: ms(v, "snapshot_seed_stagger_ms"),
			SnapshotTimeout:     ms(v, "snapshot_timeout_ms"),
		},
		Feed: FeedConfig{
			DepthStreamMode:     v.GetString("depth_stream_mode"),
			UpdateSpeed:         v.GetString("ws_update_speed"),
			DepthLevels:         v.GetInt("depth_levels"),
			DepthQueueMax:       v.GetInt("depth_queue_max"),
			DepthLagMax:         ms(v, "depth_lag_max_ms"),
			SnapshotMinInterval: ms(v, "snapshot_min_interval_ms"),
			SnapshotBackoffMin:  ms(v, "snapshot_backoff_min_ms"),
			SnapshotBackoffMax:  ms(v, "snapshot_backoff_max_ms"),
			LiveSnapshotFresh:   ms(v, "live_snapshot_fresh_ms"),
			DesyncRate10sMax:    v.GetInt("live_desync_rate_10s_max"),
			ResyncInterval:      ms(v, "resync_interval_ms"),
			SymbolConcurrency:   v.GetInt("symbol_concurrency"),
			PinnedSymbols:       csv(v.GetString("pinned_symbols")),
		},
		Clients: ClientConfig{
			HeartbeatInterval:   ms(v, "client_heartbeat_interval_ms"),
			StaleConnection:     ms(v, "client_stale_connection_ms"),
			BroadcastThrottle:   ms(v, "broadcast_throttle_ms"),
			MaxSymbolsPerClient: v.GetInt("max_symbols_per_client"),
		},
		Autoscale: AutoscaleConfig{
			Enabled: v.GetBool("autoscale_enabled"),
			DownPct: v.GetFloat64("autoscale_down_pct"),
			UpPct:   v.GetFloat64("autoscale_up_pct"),
			UpHold:  ms(v, "autoscale_up_hold_ms"),
		},
		Integrity: IntegrityConfig{
			StaleWarn:         ms(v, "integrity_stale_warn_ms"),
			StaleCritical:     ms(v, "integrity_stale_critical_ms"),
			MaxGaps:           v.GetInt("integrity_max_gaps"),
			ReconnectCooldown: ms(v, "integrity_reconnect_cooldown_ms"),
		},
		Archive: ArchiveConfig{
			Enabled: v.GetBool("archive_enabled"),
			Dir:     v.GetString("archive_dir"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Server.Port)
	}
	if c.Venue.RESTBaseURL == "" {
		return fmt.Errorf("rest_base_url is required")
	}
	if c.Venue.WSBaseURL == "" {
		return fmt.Errorf("ws_base_url is required")
	}
	switch c.Feed.DepthStreamMode {
	case "diff", "partial":
	default:
		return fmt.Errorf("depth_stream_mode must be diff or partial, got %q", c.Feed.DepthStreamMode)
	}
	switch c.Feed.UpdateSpeed {
	case "100ms", "250ms", "500ms":
	default:
		return fmt.Errorf("ws_update_speed must be 100ms, 250ms or 500ms, got %q", c.Feed.UpdateSpeed)
	}
	if c.Feed.DepthQueueMax <= 0 {
		return fmt.Errorf("depth_queue_max must be > 0")
	}
	if c.Feed.DepthLevels <= 0 {
		return fmt.Errorf("depth_levels must be > 0")
	}
	if c.Feed.SymbolConcurrency <= 0 {
		return fmt.Errorf("symbol_concurrency must be > 0")
	}
	if c.Feed.SnapshotBackoffMin > c.Feed.SnapshotBackoffMax {
		return fmt.Errorf("snapshot_backoff_min_ms exceeds snapshot_backoff_max_ms")
	}
	if c.Clients.StaleConnection < 2*c.Clients.HeartbeatInterval {
		return fmt.Errorf("client_stale_connection_ms must be at least twice client_heartbeat_interval_ms")
	}
	if c.Autoscale.DownPct >= c.Autoscale.UpPct {
		return fmt.Errorf("autoscale_down_pct must be below autoscale_up_pct")
	}
	if c.Archive.Enabled && c.Archive.Dir == "" {
		return fmt.Errorf("archive_dir is required when archive_enabled")
	}
	return nil
}
