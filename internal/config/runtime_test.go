package config

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.HealthPollInterval = 0
	cfg.LogRotateSchedule = "not-cron"
	cfg.MapPollGPS = Duration(time.Minute)
	cfg.MapPollGPSMax = Duration(time.Second)

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, key := range []string{"health_poll_interval", "log_rotate_interval", "map_poll_gps"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error should name %q, got: %v", key, err)
		}
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := NewDefaultConfig()
	cfg.RemoteSyncURL = "https://aggregator.example"
	cfg.TileCacheLimitMB = 64
	if err := SaveConfigFile(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RemoteSyncURL != cfg.RemoteSyncURL {
		t.Fatalf("remote_sync_url = %q, want %q", loaded.RemoteSyncURL, cfg.RemoteSyncURL)
	}
	if loaded.TileCacheLimitMB != 64 {
		t.Fatalf("tile_cache_limit_mb = %d, want 64", loaded.TileCacheLimitMB)
	}
}

func TestLoadConfigFileMissingYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file must yield defaults, got %v", err)
	}
	if cfg.HealthPollInterval != Duration(10*time.Second) {
		t.Fatalf("unexpected default health_poll_interval: %v", cfg.HealthPollInterval)
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"90s"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Fatalf("parsed %v, want 90s", d.Std())
	}
	out, err := json.Marshal(Duration(5 * time.Minute))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"5m0s"` {
		t.Fatalf("marshalled %s, want \"5m0s\"", out)
	}
}

func TestIsWeakPassword(t *testing.T) {
	if !IsWeakPassword("abc123") {
		t.Fatal("trivial password should be weak")
	}
	if IsWeakPassword("") {
		t.Fatal("empty password is auth-disabled, not weak")
	}
	if IsWeakPassword("correct-horse-battery-staple-9") {
		t.Fatal("long passphrase should not be weak")
	}
}
