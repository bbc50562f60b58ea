package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable lablock reads
const EnvPrefix = "LABLOCK_"

// defaultConfigFiles are tried in order when no file is given
var defaultConfigFiles = []string{"lablock.yaml", "lablock.yml", "lablock.json", "/etc/lablock/config.yaml"}

// LoadConfig loads configuration from multiple sources with strict priority:
// 1. Environment variables (highest priority), including .env and .env.local
// 2. Config file (lablock.yaml, lablock.yml or lablock.json)
// 3. Defaults (lowest priority)
func LoadConfig() (AppConfig, error) {
	return LoadConfigFromFile("")
}

// LoadConfigFromFile loads configuration with a specific config file:
// 1. Environment variables (highest priority)
// 2. Specified config file or default config files
// 3. Defaults (lowest priority)
func LoadConfigFromFile(configFilePath string) (AppConfig, error) {
	// Existing environment variables win over .env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	k := koanf.New(".")

	// Load default configuration first
	defaultCfg := DefaultAppConfig()
	if err := k.Load(structs.Provider(defaultCfg, "koanf"), nil); err != nil {
		return AppConfig{}, fmt.Errorf("failed to load default config: %w", err)
	}

	if configFilePath != "" {
		if _, err := os.Stat(configFilePath); err != nil {
			return AppConfig{}, fmt.Errorf("specified config file %s not found: %w", configFilePath, err)
		}
		if err := loadFile(k, configFilePath); err != nil {
			return AppConfig{}, err
		}
	} else {
		for _, configFile := range defaultConfigFiles {
			if _, err := os.Stat(configFile); err == nil {
				if err := loadFile(k, configFile); err != nil {
					return AppConfig{}, err
				}
				break
			}
		}
	}

	// LABLOCK_STORE_REDIS_ADDR -> store.redis_addr: only the first
	// underscore separates the section from the key
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return AppConfig{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// envKey maps an environment variable onto a config key. Variables
// that do not name a section and key (LABLOCK_LOCKS, LABLOCK_HOLDER set for
// child processes) are skipped.
func envKey(name, value string) (string, interface{}) {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok || section == "" || field == "" {
		return "", nil
	}

	if key == "server_api_keys" {
		return section + "." + field, splitList(value)
	}
	return section + "." + field, value
}

func splitList(value string) []string {
	items := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// validateConfig validates that required configuration fields are set
func validateConfig(cfg *AppConfig) error {
	var errs []error

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error"))
	}
	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be console or json"))
	}

	if cfg.Lock.Namespace == "" {
		errs = append(errs, fmt.Errorf("lock.namespace is required"))
	}
	if cfg.Lock.TTL <= 0 {
		errs = append(errs, fmt.Errorf("lock.ttl must be positive"))
	}
	if cfg.Lock.PollInterval <= 0 || cfg.Lock.PollInterval >= cfg.Lock.TTL {
		errs = append(errs, fmt.Errorf("lock.poll_interval must be positive and shorter than lock.ttl"))
	}
	if cfg.Lock.Grace < 0 {
		errs = append(errs, fmt.Errorf("lock.grace must not be negative"))
	}
	if cfg.Lock.ReleaseMode != "compare" && cfg.Lock.ReleaseMode != "unconditional" {
		errs = append(errs, fmt.Errorf("lock.release_mode must be compare or unconditional"))
	}
	if cfg.Lock.RenewalFailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("lock.renewal_failure_threshold must be positive"))
	}

	if cfg.Store.OpTimeout <= 0 {
		errs = append(errs, fmt.Errorf("store.op_timeout must be positive"))
	}
	switch cfg.Store.Type {
	case StoreMemory:
	case StoreRedis:
		if cfg.Store.RedisAddr == "" && cfg.Store.DiscoveryDomain == "" {
			errs = append(errs, fmt.Errorf("store.redis_addr or store.discovery_domain is required for the redis store"))
		}
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("store.postgres_dsn is required for the postgres store"))
		}
	case StoreSQLite:
		if cfg.Store.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("store.sqlite_path is required for the sqlite store"))
		}
	case StoreHTTP:
		if cfg.Store.HTTPEndpoint == "" && cfg.Store.DiscoveryDomain == "" {
			errs = append(errs, fmt.Errorf("store.http_endpoint or store.discovery_domain is required for the http store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not supported (memory, redis, postgres, sqlite, http)", cfg.Store.Type))
	}

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}
	if cfg.Server.RateLimit <= 0 || cfg.Server.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit and server.rate_burst must be positive"))
	}
	if cfg.Server.PurgeInterval <= 0 {
		errs = append(errs, fmt.Errorf("server.purge_interval must be positive"))
	}

	return errors.Join(errs...)
}
