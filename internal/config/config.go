// Package config loads the global ~/.pulse/config.toml. Every engine
// tunable has a default; the file only needs the values being changed.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.pulse/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server  Server  `toml:"server"`
	Conn    Conn    `toml:"conn"`
	Network Network `toml:"network"`
	Retry   Retry   `toml:"retry"`
	Sync    Sync    `toml:"sync"`
	Cache   Cache   `toml:"cache"`
}

// Server holds the endpoints the daemon talks to.
type Server struct {
	// URL is the websocket sync endpoint.
	URL string `toml:"url"`
	// BackendURL is probed with a HEAD request before reconnect attempts.
	BackendURL string `toml:"backend_url"`
}

// Conn tunes the connection handshake and liveness probing.
type Conn struct {
	HandshakeDeadlineMs int `toml:"handshake_deadline_ms"`
	InitDeadlineMs      int `toml:"init_deadline_ms"`
	FallbackDeadlineMs  int `toml:"fallback_deadline_ms"`
	ProbeIntervalSec    int `toml:"probe_interval_sec"`
	ProbeIntervalBgSec  int `toml:"probe_interval_bg_sec"`
	ProbeAckDeadlineSec int `toml:"probe_ack_deadline_sec"`
}

// Network tunes network-change handling.
type Network struct {
	DebounceMs      int `toml:"debounce_ms"`
	StuckAttemptSec int `toml:"stuck_attempt_sec"`
}

// Retry tunes the reconnection scheduler.
type Retry struct {
	BaseDelayMs          int `toml:"base_delay_ms"`
	MaxDelaySec          int `toml:"max_delay_sec"`
	MaxRetries           int `toml:"max_retries"`
	HealthCheckSec       int `toml:"health_check_sec"`
	StuckReconnectingSec int `toml:"stuck_reconnecting_sec"`
}

// Sync tunes deferred-batch flushing.
type Sync struct {
	FlushThreshold int `toml:"flush_threshold"`
	FlushBudgetMs  int `toml:"flush_budget_ms"`
}

// Cache bounds the in-memory timeline cache.
type Cache struct {
	MaxConversations int `toml:"max_conversations"`
	MaxEvents        int `toml:"max_events"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			URL:        "wss://sync.pulse.dev/v1/stream",
			BackendURL: "https://sync.pulse.dev/v1/health",
		},
		Conn: Conn{
			HandshakeDeadlineMs: 500,
			InitDeadlineMs:      500,
			FallbackDeadlineMs:  15000,
			ProbeIntervalSec:    15,
			ProbeIntervalBgSec:  60,
			ProbeAckDeadlineSec: 10,
		},
		Network: Network{
			DebounceMs:      1000,
			StuckAttemptSec: 20,
		},
		Retry: Retry{
			BaseDelayMs:          1000,
			MaxDelaySec:          300,
			MaxRetries:           8,
			HealthCheckSec:       30,
			StuckReconnectingSec: 60,
		},
		Sync: Sync{
			FlushThreshold: 200,
			FlushBudgetMs:  1000,
		},
		Cache: Cache{
			MaxConversations: 20,
			MaxEvents:        200,
		},
	}
}

// Load reads config from the given path, layering it over the defaults.
// A missing file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Durations converted from the integer fields.

func (c Conn) HandshakeDeadline() time.Duration { return ms(c.HandshakeDeadlineMs) }
func (c Conn) InitDeadline() time.Duration      { return ms(c.InitDeadlineMs) }
func (c Conn) FallbackDeadline() time.Duration  { return ms(c.FallbackDeadlineMs) }
func (c Conn) ProbeInterval() time.Duration     { return sec(c.ProbeIntervalSec) }
func (c Conn) ProbeIntervalBg() time.Duration   { return sec(c.ProbeIntervalBgSec) }
func (c Conn) ProbeAckDeadline() time.Duration  { return sec(c.ProbeAckDeadlineSec) }

func (n Network) Debounce() time.Duration     { return ms(n.DebounceMs) }
func (n Network) StuckAttempt() time.Duration { return sec(n.StuckAttemptSec) }

func (r Retry) BaseDelay() time.Duration           { return ms(r.BaseDelayMs) }
func (r Retry) MaxDelay() time.Duration            { return sec(r.MaxDelaySec) }
func (r Retry) HealthCheckInterval() time.Duration { return sec(r.HealthCheckSec) }
func (r Retry) StuckReconnecting() time.Duration   { return sec(r.StuckReconnectingSec) }

func (s Sync) FlushBudget() time.Duration { return ms(s.FlushBudgetMs) }

func ms(v int) time.Duration  { return time.Duration(v) * time.Millisecond }
func sec(v int) time.Duration { return time.Duration(v) * time.Second }
