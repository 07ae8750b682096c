package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Venue.RESTBaseURL != "https://fapi.binance.com" {
		t.Errorf("rest base = %q", cfg.Venue.RESTBaseURL)
	}
	if cfg.Feed.DepthStreamMode != "diff" || cfg.Feed.UpdateSpeed != "100ms" {
		t.Errorf("stream defaults = %q/%q", cfg.Feed.DepthStreamMode, cfg.Feed.UpdateSpeed)
	}
	if cfg.Feed.SnapshotBackoffMin != time.Second || cfg.Feed.SnapshotBackoffMax != time.Minute {
		t.Errorf("backoff = %v..%v", cfg.Feed.SnapshotBackoffMin, cfg.Feed.SnapshotBackoffMax)
	}
	if cfg.Clients.StaleConnection != 45*time.Second {
		t.Errorf("stale connection = %v", cfg.Clients.StaleConnection)
	}
	if len(cfg.Feed.PinnedSymbols) != 0 {
		t.Errorf("pinned defaults = %v", cfg.Feed.PinnedSymbols)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PINNED_SYMBOLS", "btcusdt, ethusdt")
	t.Setenv("DEPTH_QUEUE_MAX", "250")
	t.Setenv("AUTH_TOKEN", "hunter2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Feed.DepthQueueMax != 250 {
		t.Errorf("depth_queue_max = %d, want 250", cfg.Feed.DepthQueueMax)
	}
	if cfg.Server.AuthToken != "hunter2" {
		t.Errorf("auth token = %q", cfg.Server.AuthToken)
	}
	want := []string{"BTCUSDT", "ETHUSDT"}
	if len(cfg.Feed.PinnedSymbols) != 2 || cfg.Feed.PinnedSymbols[0] != want[0] || cfg.Feed.PinnedSymbols[1] != want[1] {
		t.Errorf("pinned = %v, want %v", cfg.Feed.PinnedSymbols, want)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"bad stream mode", func(c *Config) { c.Feed.DepthStreamMode = "full" }, "depth_stream_mode"},
		{"bad update speed", func(c *Config) { c.Feed.UpdateSpeed = "50ms" }, "ws_update_speed"},
		{"inverted backoff", func(c *Config) {
			c.Feed.SnapshotBackoffMin = time.Minute
			c.Feed.SnapshotBackoffMax = time.Second
		}, "snapshot_backoff"},
		{"stale below heartbeat", func(c *Config) {
			c.Clients.HeartbeatInterval = 30 * time.Second
			c.Clients.StaleConnection = 40 * time.Second
		}, "client_stale_connection"},
		{"autoscale bands crossed", func(c *Config) {
			c.Autoscale.DownPct = 95
			c.Autoscale.UpPct = 90
		}, "autoscale_down_pct"},
		{"archive without dir", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Dir = ""
		}, "archive_dir"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}
