package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.Name) == "" {
		return fmt.Errorf("service.name is required")
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be positive")
	}

	switch c.Database.Type {
	case DatabaseTypeSQLite, DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeRedis:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("database.url is required for database.type %q", c.Database.Type)
		}
	case DatabaseTypeMemory:
	default:
		return fmt.Errorf("database.type %q is not supported (sqlite, postgres, mysql, redis, memory)", c.Database.Type)
	}

	if c.Rotation.DefaultIntervalSeconds <= 0 {
		return fmt.Errorf("rotation.default_interval_seconds must be positive")
	}

	if strings.TrimSpace(c.Ownership.InstanceID) == "" {
		return fmt.Errorf("ownership.instance_id is required")
	}
	if c.Ownership.LeaseTTL < 0 {
		return fmt.Errorf("ownership.lease_ttl must not be negative")
	}
	if c.Ownership.LeaseTTL > 0 && c.Ownership.EffectiveRenewInterval() >= c.Ownership.LeaseTTL {
		return fmt.Errorf("ownership.renew_interval must be shorter than ownership.lease_ttl")
	}

	u, err := url.Parse(c.Fetcher.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("fetcher.base_url must be an absolute url")
	}
	if strings.TrimSpace(c.Fetcher.KeyParam) == "" {
		return fmt.Errorf("fetcher.key_param is required")
	}
	if c.Fetcher.RateLimit < 0 {
		return fmt.Errorf("fetcher.rate_limit must not be negative")
	}
	if c.Fetcher.RateLimit > 0 && c.Fetcher.Burst < 1 {
		return fmt.Errorf("fetcher.burst must be at least 1 when rate limiting")
	}
	if c.Fetcher.BreakerFailures < 0 {
		return fmt.Errorf("fetcher.breaker_failures must not be negative")
	}

	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("observability.log_level %q is invalid", c.Observability.LogLevel)
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "text", "console":
	default:
		return fmt.Errorf("observability.log_format %q is invalid", c.Observability.LogFormat)
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		return fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1")
	}
	return nil
}
