package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":8090" {
		t.Errorf("Expected default listen_addr :8090, got %s", cfg.ListenAddr)
	}
	if cfg.GracePeriod != 30*time.Second {
		t.Errorf("Expected default grace_period 30s, got %v", cfg.GracePeriod)
	}
	if cfg.CursorFlushInterval != 50*time.Millisecond {
		t.Errorf("Expected default cursor_flush_interval 50ms, got %v", cfg.CursorFlushInterval)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapd.yaml")
	contents := `
listen_addr: ":9999"
jwt_secret: "file-secret"
presence_timeout: 10s
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("Expected listen_addr :9999, got %s", cfg.ListenAddr)
	}
	if cfg.JWTSecret != "file-secret" {
		t.Errorf("Expected jwt_secret from file, got %q", cfg.JWTSecret)
	}
	if cfg.PresenceTimeout != 10*time.Second {
		t.Errorf("Expected presence_timeout 10s, got %v", cfg.PresenceTimeout)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MAPD_LISTEN_ADDR", ":7777")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("Expected env override :7777, got %s", cfg.ListenAddr)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty listen addr", Config{CursorFlushInterval: time.Millisecond, PresenceTimeout: time.Second}},
		{"negative grace", Config{ListenAddr: ":1", GracePeriod: -1, CursorFlushInterval: time.Millisecond, PresenceTimeout: time.Second}},
		{"zero flush", Config{ListenAddr: ":1", PresenceTimeout: time.Second}},
		{"zero presence timeout", Config{ListenAddr: ":1", CursorFlushInterval: time.Millisecond}},
	}

	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}
