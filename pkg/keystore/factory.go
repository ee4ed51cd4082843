package keystore

import (
	"fmt"
	"strings"

	"github.com/nimburion/keyrotate/pkg/config"
	"github.com/nimburion/keyrotate/pkg/observability/logger"
)

// New selects and opens the store backend named by cfg.Type.
func New(cfg config.DatabaseConfig, log logger.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.DatabaseTypeSQLite, config.DatabaseTypePostgres, config.DatabaseTypeMySQL:
		store, err := NewSQLStore(SQLConfig{
			Driver:          cfg.Type,
			DSN:             cfg.URL,
			TablePrefix:     cfg.TablePrefix,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			QueryTimeout:    cfg.QueryTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DatabaseTypeRedis:
		store, err := NewRedisStore(RedisConfig{
			URL:              cfg.URL,
			Prefix:           cfg.RedisPrefix,
			OperationTimeout: cfg.QueryTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DatabaseTypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database.type %q (supported: sqlite, postgres, mysql, redis, memory)", cfg.Type)
	}
}
