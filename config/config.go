// Package config provides configuration management for lablock.
// It handles loading and validating configuration from YAML or JSON files,
// .env files and environment variables.
package config

import "time"

// AppConfig represents the complete application configuration
type AppConfig struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Lock    LockConfig    `koanf:"lock"`
	Store   StoreConfig   `koanf:"store"`
	Server  ServerConfig  `koanf:"server"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "console" or "json"
}

// MetricsConfig holds the optional metrics listener used by run and hold.
// The gateway always serves /metrics on its own listener.
type MetricsConfig struct {
	ListenAddr string `koanf:"listen_addr"`
}

// LockConfig holds lock manager settings
type LockConfig struct {
	Namespace               string        `koanf:"namespace"`
	TTL                     time.Duration `koanf:"ttl"`
	PollInterval            time.Duration `koanf:"poll_interval"`
	Grace                   time.Duration `koanf:"grace"`
	User                    string        `koanf:"user"`
	ReleaseMode             string        `koanf:"release_mode"` // "compare" or "unconditional"
	RenewalFailureThreshold int           `koanf:"renewal_failure_threshold"`
}

// StoreConfig selects and configures the coordination store backend
type StoreConfig struct {
	Type      string        `koanf:"type"` // memory, redis, postgres, sqlite or http
	OpTimeout time.Duration `koanf:"op_timeout"`

	RedisAddr      string `koanf:"redis_addr"`
	RedisPassword  string `koanf:"redis_password"`
	RedisDB        int    `koanf:"redis_db"`
	RedisKeyPrefix string `koanf:"redis_key_prefix"`

	PostgresDSN string `koanf:"postgres_dsn"`
	SQLitePath  string `koanf:"sqlite_path"`

	HTTPEndpoint string `koanf:"http_endpoint"`
	HTTPAPIKey   string `koanf:"http_api_key"`

	// DiscoveryDomain, when set, locates redis or http endpoints through
	// DNS SRV records instead of the static address.
	DiscoveryDomain  string `koanf:"discovery_domain"`
	DiscoveryService string `koanf:"discovery_service"`
}

// ServerConfig holds lock gateway configuration
type ServerConfig struct {
	ListenAddr    string        `koanf:"listen_addr"`
	APIKeys       []string      `koanf:"api_keys"`
	ReadTimeout   time.Duration `koanf:"read_timeout"`
	WriteTimeout  time.Duration `koanf:"write_timeout"`
	RateLimit     float64       `koanf:"rate_limit"` // requests per second per client IP
	RateBurst     int           `koanf:"rate_burst"`
	PurgeInterval time.Duration `koanf:"purge_interval"`
}
