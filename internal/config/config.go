// Package config handles TOML configuration parsing for the AmityVox
// gateway. It loads configuration from amityvox.toml, applies environment
// variable overrides (prefixed with AMITYVOX_), validates required fields,
// and provides sane defaults for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a gateway instance.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	NATS      NATSConfig      `toml:"nats"`
	Cache     CacheConfig     `toml:"cache"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Logging   LoggingConfig   `toml:"logging"`
}

// StoreConfig defines ScyllaDB connection settings for the gateway's
// read-only store adapter.
type StoreConfig struct {
	Hosts       []string `toml:"hosts"`
	Keyspace    string   `toml:"keyspace"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`
	Consistency string   `toml:"consistency"`
}

// GatewayConfig defines WebSocket gateway session behavior not already
// covered by WebSocketConfig's listen/heartbeat settings.
type GatewayConfig struct {
	AcceptedVersions    []string `toml:"accepted_versions"`
	GraceWindow         string   `toml:"grace_window"`
	PendingQueueMax     int      `toml:"pending_queue_max"`
	DefaultSessionQuota int      `toml:"default_session_quota"`
	SessionQuotaTTL     string   `toml:"session_quota_ttl"`
	WorkerPoolSize      int      `toml:"worker_pool_size"`
}

// GraceWindowParsed returns the reconnect grace window as a time.Duration.
func (g GatewayConfig) GraceWindowParsed() (time.Duration, error) {
	d, err := time.ParseDuration(g.GraceWindow)
	if err != nil {
		return 0, fmt.Errorf("parsing gateway.grace_window %q: %w", g.GraceWindow, err)
	}
	return d, nil
}

// SessionQuotaTTLParsed returns the session quota TTL as a time.Duration.
func (g GatewayConfig) SessionQuotaTTLParsed() (time.Duration, error) {
	d, err := time.ParseDuration(g.SessionQuotaTTL)
	if err != nil {
		return 0, fmt.Errorf("parsing gateway.session_quota_ttl %q: %w", g.SessionQuotaTTL, err)
	}
	return d, nil
}

// NATSConfig defines NATS message broker connection settings.
type NATSConfig struct {
	URL string `toml:"url"`
}

// CacheConfig defines DragonflyDB/Redis connection settings.
type CacheConfig struct {
	URL string `toml:"url"`
}

// WebSocketConfig defines the WebSocket gateway listener settings.
type WebSocketConfig struct {
	Listen            string `toml:"listen"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	HeartbeatTimeout  string `toml:"heartbeat_timeout"`
}

// HeartbeatIntervalParsed returns the heartbeat interval as a time.Duration.
func (w WebSocketConfig) HeartbeatIntervalParsed() (time.Duration, error) {
	d, err := time.ParseDuration(w.HeartbeatInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing heartbeat_interval %q: %w", w.HeartbeatInterval, err)
	}
	return d, nil
}

// HeartbeatTimeoutParsed returns the heartbeat timeout as a time.Duration.
func (w WebSocketConfig) HeartbeatTimeoutParsed() (time.Duration, error) {
	d, err := time.ParseDuration(w.HeartbeatTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing heartbeat_timeout %q: %w", w.HeartbeatTimeout, err)
	}
	return d, nil
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Cache: CacheConfig{
			URL: "redis://localhost:6379",
		},
		Store: StoreConfig{
			Hosts:       []string{"127.0.0.1"},
			Keyspace:    "amityvox",
			Consistency: "quorum",
		},
		WebSocket: WebSocketConfig{
			Listen:            "0.0.0.0:8081",
			HeartbeatInterval: "32s",
			HeartbeatTimeout:  "32s",
		},
		Gateway: GatewayConfig{
			AcceptedVersions:    []string{"1"},
			GraceWindow:         "60s",
			PendingQueueMax:     1000,
			DefaultSessionQuota: 1000,
			SessionQuotaTTL:     "12h",
			WorkerPoolSize:      32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies defaults
// for missing values, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file; use defaults + env overrides
			applyEnvOverrides(&cfg)
			if err := validate(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables when set.
// Environment variables use the prefix AMITYVOX_ followed by the section and
// field name in uppercase with underscores (e.g. AMITYVOX_NATS_URL).
func applyEnvOverrides(cfg *Config) {
	// NATS
	if v := os.Getenv("AMITYVOX_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	// Cache
	if v := os.Getenv("AMITYVOX_CACHE_URL"); v != "" {
		cfg.Cache.URL = v
	}

	// WebSocket
	if v := os.Getenv("AMITYVOX_WEBSOCKET_LISTEN"); v != "" {
		cfg.WebSocket.Listen = v
	}
	if v := os.Getenv("AMITYVOX_WEBSOCKET_HEARTBEAT_INTERVAL"); v != "" {
		cfg.WebSocket.HeartbeatInterval = v
	}
	if v := os.Getenv("AMITYVOX_WEBSOCKET_HEARTBEAT_TIMEOUT"); v != "" {
		cfg.WebSocket.HeartbeatTimeout = v
	}

	// Logging
	if v := os.Getenv("AMITYVOX_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AMITYVOX_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Store (ScyllaDB)
	if v := os.Getenv("AMITYVOX_STORE_KEYSPACE"); v != "" {
		cfg.Store.Keyspace = v
	}
	if v := os.Getenv("AMITYVOX_STORE_CONSISTENCY"); v != "" {
		cfg.Store.Consistency = v
	}

	// Gateway
	if v := os.Getenv("AMITYVOX_GATEWAY_GRACE_WINDOW"); v != "" {
		cfg.Gateway.GraceWindow = v
	}
	if v := os.Getenv("AMITYVOX_GATEWAY_PENDING_QUEUE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.PendingQueueMax = n
		}
	}
	if v := os.Getenv("AMITYVOX_GATEWAY_DEFAULT_SESSION_QUOTA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.DefaultSessionQuota = n
		}
	}
	if v := os.Getenv("AMITYVOX_GATEWAY_SESSION_QUOTA_TTL"); v != "" {
		cfg.Gateway.SessionQuotaTTL = v
	}
	if v := os.Getenv("AMITYVOX_GATEWAY_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.WorkerPoolSize = n
		}
	}

	// Literal-name aliases carried over from the upstream gateway's original
	// deployment environment; honored directly, not only under the
	// AMITYVOX_ prefix.
	if v := os.Getenv("SCYLLA_HOSTS"); v != "" {
		cfg.Store.Hosts = strings.Split(v, ",")
	}
	if v := os.Getenv("SCYLLA_USER"); v != "" {
		cfg.Store.Username = v
	}
	if v := os.Getenv("SCYLLA_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("KAFKA_HOSTS"); v != "" {
		cfg.NATS.URL = v
	}
}

// validate checks that required configuration fields are present and valid.
func validate(cfg *Config) error {
	if cfg.NATS.URL == "" {
		return fmt.Errorf("config: nats.url is required")
	}

	if cfg.Cache.URL == "" {
		return fmt.Errorf("config: cache.url is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("config: logging.format must be one of: json, text (got %q)", cfg.Logging.Format)
	}

	if _, err := cfg.WebSocket.HeartbeatIntervalParsed(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if _, err := cfg.WebSocket.HeartbeatTimeoutParsed(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if len(cfg.Store.Hosts) == 0 {
		return fmt.Errorf("config: store.hosts is required")
	}

	if cfg.Store.Keyspace == "" {
		return fmt.Errorf("config: store.keyspace is required")
	}

	if _, err := cfg.Gateway.GraceWindowParsed(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if _, err := cfg.Gateway.SessionQuotaTTLParsed(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.Gateway.PendingQueueMax < 1 {
		return fmt.Errorf("config: gateway.pending_queue_max must be at least 1")
	}

	return nil
}
