package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention is the single authoritative table of per-entity retention windows.
type Retention struct {
	Health     Duration `json:"health"`
	Detections Duration `json:"detections"`
	GPSTrack   Duration `json:"gps_track"`
}

// AlertThresholds configures the anomaly signal in the health collector.
type AlertThresholds struct {
	CPUTempCelsius     float64 `json:"cpu_temp_celsius"`
	MemPercent         float64 `json:"mem_percent"`
	DiskPercent        float64 `json:"disk_percent"`
	ConsecutiveSamples int     `json:"consecutive_samples"`
}

// Config is the hot-updatable configuration document. It is persisted at
// $PW_HOME/config.json and held process-wide in an atomic.Pointer; POST
// /api/config validates a replacement and swaps it copy-on-write.
type Config struct {
	// Polling
	HealthPollInterval   Duration `json:"health_poll_interval"`
	MapPollGPS           Duration `json:"map_poll_gps"`
	MapPollGPSMax        Duration `json:"map_poll_gps_max"`
	GPSMovementThreshold float64  `json:"gps_movement_threshold"` // m/s

	// Log rotation
	LogRotateSchedule  string `json:"log_rotate_interval"` // cron expression
	LogRotateArchives  int    `json:"log_rotate_archives"`
	CleanupRotatedLogs bool   `json:"cleanup_rotated_logs"`

	// Tile cache
	OfflineTilePath         string   `json:"offline_tile_path"`
	TileMaintenanceInterval Duration `json:"tile_maintenance_interval"`
	TileMaxAgeDays          int      `json:"tile_max_age_days"`
	TileCacheLimitMB        int      `json:"tile_cache_limit_mb"`
	TileSourceURL           string   `json:"tile_source_url"`

	// Route prefetch
	RoutePrefetchInterval  Duration `json:"route_prefetch_interval"`
	RoutePrefetchLookahead int      `json:"route_prefetch_lookahead"`
	RoutePrefetchRadius    int      `json:"route_prefetch_radius"` // tiles
	RoutePrefetchZoom      int      `json:"route_prefetch_zoom"`

	// Remote sync
	RemoteSyncURL      string   `json:"remote_sync_url"`
	RemoteSyncInterval Duration `json:"remote_sync_interval"`
	RemoteSyncBatchMax int      `json:"remote_sync_batch_max"`

	// API
	LogPaths     []string `json:"log_paths"` // allow-list for /api/logs
	ServiceUnits []string `json:"service_units"`
	DebugMode    bool     `json:"debug_mode"`

	// Widgets
	Widgets map[string]bool `json:"widgets"`

	Retention Retention       `json:"retention"`
	Alerts    AlertThresholds `json:"alerts"`
}

// NewDefaultConfig returns a Config populated with field defaults.
func NewDefaultConfig() *Config {
	return &Config{
		HealthPollInterval:   Duration(10 * time.Second),
		MapPollGPS:           Duration(2 * time.Second),
		MapPollGPSMax:        Duration(30 * time.Second),
		GPSMovementThreshold: 1.0,

		LogRotateSchedule:  "0 0 * * *",
		LogRotateArchives:  7,
		CleanupRotatedLogs: true,

		OfflineTilePath:         "",
		TileMaintenanceInterval: Duration(time.Hour),
		TileMaxAgeDays:          30,
		TileCacheLimitMB:        512,
		TileSourceURL:           "https://tile.openstreetmap.org/{z}/{x}/{y}.png",

		RoutePrefetchInterval:  Duration(time.Minute),
		RoutePrefetchLookahead: 5,
		RoutePrefetchRadius:    1,
		RoutePrefetchZoom:      16,

		RemoteSyncURL:      "",
		RemoteSyncInterval: Duration(5 * time.Minute),
		RemoteSyncBatchMax: 1000,

		LogPaths:     []string{"/var/log/syslog"},
		ServiceUnits: []string{"kismet", "bettercap", "gpsd"},
		DebugMode:    false,

		Widgets: map[string]bool{
			"cpu_temp":        true,
			"cpu_percent":     true,
			"mem_percent":     true,
			"disk_percent":    true,
			"net_throughput":  true,
			"gps_status":      true,
			"service_status":  true,
			"handshake_count": true,
		},

		Retention: Retention{
			Health:     Duration(7 * 24 * time.Hour),
			Detections: Duration(30 * 24 * time.Hour),
			GPSTrack:   Duration(30 * 24 * time.Hour),
		},
		Alerts: AlertThresholds{
			CPUTempCelsius:     80,
			MemPercent:         95,
			DiskPercent:        95,
			ConsecutiveSamples: 3,
		},
	}
}

// Validate checks the document and returns an error listing every offending key.
func (c *Config) Validate() error {
	var errs []string

	requirePositive := func(name string, d Duration) {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	requirePositive("health_poll_interval", c.HealthPollInterval)
	requirePositive("map_poll_gps", c.MapPollGPS)
	requirePositive("map_poll_gps_max", c.MapPollGPSMax)
	requirePositive("tile_maintenance_interval", c.TileMaintenanceInterval)
	requirePositive("route_prefetch_interval", c.RoutePrefetchInterval)
	requirePositive("remote_sync_interval", c.RemoteSyncInterval)
	if c.MapPollGPS > c.MapPollGPSMax {
		errs = append(errs, "map_poll_gps must not exceed map_poll_gps_max")
	}
	if c.GPSMovementThreshold < 0 {
		errs = append(errs, "gps_movement_threshold must not be negative")
	}
	if _, err := cron.ParseStandard(c.LogRotateSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("log_rotate_interval: invalid cron expression %q: %v", c.LogRotateSchedule, err))
	}
	if c.LogRotateArchives < 0 {
		errs = append(errs, "log_rotate_archives must not be negative")
	}
	if c.TileMaxAgeDays <= 0 {
		errs = append(errs, "tile_max_age_days must be positive")
	}
	if c.TileCacheLimitMB <= 0 {
		errs = append(errs, "tile_cache_limit_mb must be positive")
	}
	if c.RoutePrefetchLookahead <= 0 {
		errs = append(errs, "route_prefetch_lookahead must be positive")
	}
	if c.RoutePrefetchZoom < 0 || c.RoutePrefetchZoom > 22 {
		errs = append(errs, "route_prefetch_zoom must be 0-22")
	}
	if c.RemoteSyncBatchMax <= 0 {
		errs = append(errs, "remote_sync_batch_max must be positive")
	}
	if c.Retention.Health <= 0 || c.Retention.Detections <= 0 || c.Retention.GPSTrack <= 0 {
		errs = append(errs, "retention windows must be positive")
	}
	if c.Alerts.ConsecutiveSamples <= 0 {
		errs = append(errs, "alerts.consecutive_samples must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// LoadConfigFile reads the config document from path. A missing file yields
// defaults; a malformed or invalid file is an error.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewDefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := NewDefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfigFile atomically writes the config document to path.
func SaveConfigFile(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
