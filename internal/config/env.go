// Package config handles environment-based configuration loading and the
// hot-updatable runtime config document.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	Home string // data directory: state.db, tiles/, logs/, config.json, offsets.json

	// Network
	ListenAddress string
	Port          int

	APIMaxBodyBytes int

	// Auth
	AdminPassword string
	AuthTokenTTL  time.Duration

	// GPS daemon
	GPSDHost string
	GPSDPort int

	// Overrides
	HealthPollInterval time.Duration // PW_HEALTH_POLL; 0 means use config document
	HealthFile         string        // PW_HEALTH_FILE test affordance
	Debug              bool

	// Timeouts
	SubprocessTimeout    time.Duration
	OutboundHTTPTimeout  time.Duration
	StoreFlushTimeout    time.Duration
	WebSocketSendTimeout time.Duration
	TileFetchTimeout     time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every offending key if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.Home = envStr("PW_HOME", "/var/lib/piwardrive")
	cfg.ListenAddress = strings.TrimSpace(envStr("PW_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("PW_PORT", 8080, &errs)
	cfg.APIMaxBodyBytes = envInt("PW_API_MAX_BODY_BYTES", 1<<20, &errs)

	adminPassword, hasAdminPassword := os.LookupEnv("PW_ADMIN_PASSWORD")
	cfg.AdminPassword = adminPassword
	cfg.AuthTokenTTL = envDuration("PW_AUTH_TOKEN_TTL", time.Hour, &errs)

	cfg.GPSDHost = envStr("PW_GPSD_HOST", "127.0.0.1")
	cfg.GPSDPort = envInt("PW_GPSD_PORT", 2947, &errs)

	cfg.HealthPollInterval = envDuration("PW_HEALTH_POLL", 0, &errs)
	cfg.HealthFile = envStr("PW_HEALTH_FILE", "")
	cfg.Debug = envBool("PW_DEBUG", false, &errs)

	cfg.SubprocessTimeout = envDuration("PW_SUBPROCESS_TIMEOUT", 10*time.Second, &errs)
	cfg.OutboundHTTPTimeout = envDuration("PW_HTTP_TIMEOUT", 15*time.Second, &errs)
	cfg.StoreFlushTimeout = envDuration("PW_STORE_FLUSH_TIMEOUT", 5*time.Second, &errs)
	cfg.WebSocketSendTimeout = envDuration("PW_WS_SEND_TIMEOUT", 2*time.Second, &errs)
	cfg.TileFetchTimeout = envDuration("PW_TILE_FETCH_TIMEOUT", 8*time.Second, &errs)

	// --- Validation ---
	if !hasAdminPassword {
		errs = append(errs, "PW_ADMIN_PASSWORD must be defined (empty disables auth)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "PW_LISTEN_ADDRESS must not be empty")
	}
	validatePort("PW_PORT", cfg.Port, &errs)
	validatePort("PW_GPSD_PORT", cfg.GPSDPort, &errs)
	validatePositive("PW_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	if cfg.AuthTokenTTL <= 0 {
		errs = append(errs, "PW_AUTH_TOKEN_TTL must be positive")
	}
	if cfg.HealthPollInterval < 0 {
		errs = append(errs, "PW_HEALTH_POLL must not be negative")
	}
	for _, pair := range []struct {
		name string
		d    time.Duration
	}{
		{"PW_SUBPROCESS_TIMEOUT", cfg.SubprocessTimeout},
		{"PW_HTTP_TIMEOUT", cfg.OutboundHTTPTimeout},
		{"PW_STORE_FLUSH_TIMEOUT", cfg.StoreFlushTimeout},
		{"PW_WS_SEND_TIMEOUT", cfg.WebSocketSendTimeout},
		{"PW_TILE_FETCH_TIMEOUT", cfg.TileFetchTimeout},
	} {
		if pair.d <= 0 {
			errs = append(errs, pair.name+" must be positive")
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
