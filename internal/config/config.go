// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	// DefaultStoreTable is the only table the embedded migrations create.
	DefaultStoreTable = "sync_progress"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Heartbeat is the keep-alive comment interval on event streams.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// StoreConfig selects and tunes the durable progress store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// Migrate applies the embedded schema migrations on startup.
	Migrate bool `mapstructure:"migrate"`
}

// CacheConfig controls the badger-backed progress cache.
type CacheConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	InMemory         bool          `mapstructure:"in_memory"`
	Path             string        `mapstructure:"path"`
	RunningTTL       time.Duration `mapstructure:"running_ttl"`
	TerminalTTL      time.Duration `mapstructure:"terminal_ttl"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// TrackerConfig tunes lifecycle timers.
type TrackerConfig struct {
	CleanupDelay time.Duration `mapstructure:"cleanup_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. Environment variables use the
// SYNCPROGRESS_ prefix with dots replaced by underscores, e.g.
// SYNCPROGRESS_STORE_DSN.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNCPROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.heartbeat", "15s")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", DefaultStoreTable)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime", "30m")
	v.SetDefault("store.migrate", false)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.in_memory", true)
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.running_ttl", "600s")
	v.SetDefault("cache.terminal_ttl", "300s")
	v.SetDefault("cache.failure_threshold", 5)
	v.SetDefault("cache.cooldown", "30s")
	v.SetDefault("tracker.cleanup_delay", "5m")
	v.SetDefault("tracker.poll_interval", "0s")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.driver is %q", DriverPostgres)
		}
		if c.Store.Migrate && c.Store.Table != "" && c.Store.Table != DefaultStoreTable {
			return fmt.Errorf("store.table must be %q when store.migrate is enabled, got %q", DefaultStoreTable, c.Store.Table)
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Store.Driver)
	}
	if c.Store.MinConns < 0 || c.Store.MaxConns < 0 || (c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns) {
		return fmt.Errorf("store.min_conns must be between 0 and store.max_conns")
	}
	if c.Cache.Enabled && !c.Cache.InMemory && c.Cache.Path == "" {
		return fmt.Errorf("cache.path must be set unless cache.in_memory is enabled")
	}
	if c.Cache.RunningTTL < 0 || c.Cache.TerminalTTL < 0 {
		return fmt.Errorf("cache ttls must be >= 0")
	}
	if c.Tracker.CleanupDelay <= 0 {
		return fmt.Errorf("tracker.cleanup_delay must be > 0")
	}
	if c.Tracker.PollInterval < 0 {
		return fmt.Errorf("tracker.poll_interval must be >= 0")
	}
	return nil
}
