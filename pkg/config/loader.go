package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "KEYROTATE"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
}

// ViperLoader implements Loader using Viper.
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a loader. configFile may be empty.
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{configFile: configFile, envPrefix: envPrefix}
}

// FlagKeys maps command-line flag names to the settings they override.
var FlagKeys = map[string]string{
	"port":          "http.port",
	"database-type": "database.type",
	"database-url":  "database.url",
	"instance-id":   "ownership.instance_id",
	"log-level":     "observability.log_level",
	"log-format":    "observability.log_format",
}

// WithFlags binds the flags named in FlagKeys; a flag only wins when it was set.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// Load applies precedence flags > ENV > file > defaults and validates the result.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Database.Type = strings.ToLower(strings.TrimSpace(cfg.Database.Type))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// envKeys lists every bindable setting; the env name is the upper-cased key
// with dots replaced by underscores.
var envKeys = []string{
	"service.name",
	"service.environment",

	"http.port",
	"http.read_timeout",
	"http.write_timeout",
	"http.idle_timeout",
	"http.shutdown_timeout",

	"database.type",
	"database.url",
	"database.table_prefix",
	"database.redis_prefix",
	"database.max_open_conns",
	"database.max_idle_conns",
	"database.conn_max_lifetime",
	"database.query_timeout",

	"rotation.default_interval_seconds",

	"ownership.instance_id",
	"ownership.lease_ttl",
	"ownership.renew_interval",

	"fetcher.base_url",
	"fetcher.key_param",
	"fetcher.timeout",
	"fetcher.rate_limit",
	"fetcher.burst",
	"fetcher.user_agent",
	"fetcher.breaker_failures",
	"fetcher.breaker_cooldown",

	"observability.log_level",
	"observability.log_format",
	"observability.tracing_enabled",
	"observability.tracing_endpoint",
	"observability.tracing_sample_rate",
}

func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	for _, key := range envKeys {
		env := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, l.prefixedEnv(env))
	}
	// Conventional short forms.
	_ = v.BindEnv("database.url", l.prefixedEnv("DATABASE_URL"), "DATABASE_URL")
	_ = v.BindEnv("http.port", l.prefixedEnv("HTTP_PORT"), "PORT")
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range FlagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Redacted returns a copy safe to print: credentials in the database URL are masked.
func (c Config) Redacted() Config {
	c.Database.URL = redactURL(c.Database.URL)
	return c
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)

	v.SetDefault("database.type", cfg.Database.Type)
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.table_prefix", cfg.Database.TablePrefix)
	v.SetDefault("database.redis_prefix", cfg.Database.RedisPrefix)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)

	v.SetDefault("rotation.default_interval_seconds", cfg.Rotation.DefaultIntervalSeconds)

	v.SetDefault("ownership.instance_id", cfg.Ownership.InstanceID)
	v.SetDefault("ownership.lease_ttl", cfg.Ownership.LeaseTTL)
	v.SetDefault("ownership.renew_interval", cfg.Ownership.RenewInterval)

	v.SetDefault("fetcher.base_url", cfg.Fetcher.BaseURL)
	v.SetDefault("fetcher.key_param", cfg.Fetcher.KeyParam)
	v.SetDefault("fetcher.timeout", cfg.Fetcher.Timeout)
	v.SetDefault("fetcher.rate_limit", cfg.Fetcher.RateLimit)
	v.SetDefault("fetcher.burst", cfg.Fetcher.Burst)
	v.SetDefault("fetcher.user_agent", cfg.Fetcher.UserAgent)
	v.SetDefault("fetcher.breaker_failures", cfg.Fetcher.BreakerFailures)
	v.SetDefault("fetcher.breaker_cooldown", cfg.Fetcher.BreakerCooldown)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
}
