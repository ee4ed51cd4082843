// Package config loads keyrotate configuration from defaults, an optional file
// and KEYROTATE_* environment variables.
package config

import (
	"os"
	"time"
)

// Database type constants
const (
	DatabaseTypeSQLite   = "sqlite"
	DatabaseTypePostgres = "postgres"
	DatabaseTypeMySQL    = "mysql"
	DatabaseTypeRedis    = "redis"
	DatabaseTypeMemory   = "memory"
)

// Config is the root configuration structure.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	HTTP          HTTPConfig          `mapstructure:"http" yaml:"http"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Rotation      RotationConfig      `mapstructure:"rotation" yaml:"rotation"`
	Ownership     OwnershipConfig     `mapstructure:"ownership" yaml:"ownership"`
	Fetcher       FetcherConfig       `mapstructure:"fetcher" yaml:"fetcher"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and tunes the key store backend.
type DatabaseConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"`
	URL             string        `mapstructure:"url" yaml:"url"`
	TablePrefix     string        `mapstructure:"table_prefix" yaml:"table_prefix"`
	RedisPrefix     string        `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
}

// RotationConfig holds scheduler defaults.
type RotationConfig struct {
	DefaultIntervalSeconds int `mapstructure:"default_interval_seconds" yaml:"default_interval_seconds"`
}

// OwnershipConfig configures the cross-process owner record.
// A zero LeaseTTL records an owner that never expires.
type OwnershipConfig struct {
	InstanceID    string        `mapstructure:"instance_id" yaml:"instance_id"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval" yaml:"renew_interval"`
}

// FetcherConfig configures the upstream proxy provider client.
type FetcherConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	KeyParam  string        `mapstructure:"key_param" yaml:"key_param"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int           `mapstructure:"burst" yaml:"burst"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
	// BreakerFailures consecutive upstream outages pause fetching for
	// BreakerCooldown; zero disables the breaker.
	BreakerFailures int           `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "keyrotate",
			Environment: "development",
		},
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Type:            DatabaseTypeSQLite,
			URL:             "keyrotate.db",
			TablePrefix:     "keyrotate",
			RedisPrefix:     "keyrotate",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Rotation: RotationConfig{
			DefaultIntervalSeconds: 60,
		},
		Ownership: OwnershipConfig{
			InstanceID: DefaultInstanceID(),
		},
		Fetcher: FetcherConfig{
			BaseURL:         "https://proxyxoay.org/api/get.php",
			KeyParam:        "key",
			Timeout:         30 * time.Second,
			Burst:           1,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEndpoint:   "localhost:4317",
			TracingSampleRate: 1.0,
		},
	}
}

// DefaultInstanceID is the hostname. It must stay stable across restarts so a
// restarted process can reclaim its own owner record; set ownership.instance_id
// explicitly when several instances share a host.
func DefaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "keyrotate"
	}
	return host
}

// EffectiveRenewInterval returns RenewInterval or a third of LeaseTTL.
func (c OwnershipConfig) EffectiveRenewInterval() time.Duration {
	if c.RenewInterval > 0 {
		return c.RenewInterval
	}
	return c.LeaseTTL / 3
}
