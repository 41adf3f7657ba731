package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func valid() Config {
	cfg := Default()
	cfg.Identity.Email = "alice@corp.io"
	cfg.Identity.DisplayName = "Alice"
	return cfg
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing email", func(c *Config) { c.Identity.Email = " " }, "identity.email"},
		{"not email-like", func(c *Config) { c.Identity.Email = "alice" }, "identity.email"},
		{"bad bus scheme", func(c *Config) { c.Bus.URL = "http://localhost:8080/ws" }, "bus.url"},
		{"zero heartbeat", func(c *Config) { c.Bus.HeartbeatSec = 0 }, "heartbeat_seconds"},
		{"zero ring timeout", func(c *Config) { c.Media.RingTimeoutSec = 0 }, "ring_timeout_seconds"},
		{"bad ice url", func(c *Config) { c.Media.ICEServers = []string{"https://stun.example"} }, "ice_servers"},
		{"bad service url", func(c *Config) { c.Services.DirectoryURL = "ftp://x" }, "directory_url"},
		{"empty data dir", func(c *Config) { c.Paths.DataDir = "" }, "data_dir"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"identity":{"email":"alice@corp.io"},"bus":{"url":"wss://bus.corp.io/ws"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus.URL != "wss://bus.corp.io/ws" {
		t.Fatalf("bus url = %q", cfg.Bus.URL)
	}
	// Unspecified fields keep their defaults.
	if cfg.Bus.HeartbeatSec != 30 || cfg.Media.RingTimeoutSec != 45 {
		t.Fatalf("defaults not preserved: %+v", cfg)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"email":"alice@corp.io"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	_, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected a freshly created config")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	// Second call loads the file; the default has no identity yet, so a
	// full Load must reject it.
	if _, _, err := Ensure(path); err == nil {
		t.Fatal("expected validation failure for identity-less default")
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	if err := Save(path, cfg); err == nil {
		t.Fatal("expected Save to reject config without identity")
	}
}
