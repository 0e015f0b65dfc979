package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.FlushThreshold != 200 {
		t.Errorf("flush_threshold = %d, want default 200", cfg.Sync.FlushThreshold)
	}
	if cfg.Conn.HandshakeDeadline() != 500*time.Millisecond {
		t.Errorf("handshake deadline = %v, want 500ms", cfg.Conn.HandshakeDeadline())
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "default_session = \"work\"\n\n[sync]\nflush_threshold = 50\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "work" {
		t.Errorf("default_session = %q, want work", cfg.DefaultSession)
	}
	if cfg.Sync.FlushThreshold != 50 {
		t.Errorf("flush_threshold = %d, want 50 from file", cfg.Sync.FlushThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Retry.MaxRetries != 8 {
		t.Errorf("max_retries = %d, want default 8", cfg.Retry.MaxRetries)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.DefaultSession = "alt"

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultSession != "alt" {
		t.Errorf("default_session = %q after round trip, want alt", loaded.DefaultSession)
	}
}
