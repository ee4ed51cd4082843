package keystore

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

type dialect struct {
	name string
	// driverName is the database/sql driver registered by the imported package.
	driverName string
	numbered   bool
	// upsertSetting and insertOwner are templates taking the table name.
	upsertSetting string
	insertOwner   string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:          DriverSQLite,
		driverName:    "sqlite",
		upsertSetting: `INSERT INTO %s (name, value, updated_at) VALUES (?, ?, ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		insertOwner:   `INSERT INTO %s (lock_key, owner, expires_at, updated_at) VALUES (?, '', 0, ?) ON CONFLICT (lock_key) DO NOTHING`,
	},
	DriverPostgres: {
		name:          DriverPostgres,
		driverName:    "postgres",
		numbered:      true,
		upsertSetting: `INSERT INTO %s (name, value, updated_at) VALUES (?, ?, ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		insertOwner:   `INSERT INTO %s (lock_key, owner, expires_at, updated_at) VALUES (?, '', 0, ?) ON CONFLICT (lock_key) DO NOTHING`,
	},
	DriverMySQL: {
		name:          DriverMySQL,
		driverName:    "mysql",
		upsertSetting: `INSERT INTO %s (name, value, updated_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`,
		insertOwner:   `INSERT IGNORE INTO %s (lock_key, owner, expires_at, updated_at) VALUES (?, '', 0, ?)`,
	},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(driver))]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders to $n for drivers that need numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Column types are chosen to be valid on all three engines. Timestamps are
// unix milliseconds so no driver-specific time parsing is needed.
const (
	keysDDL = `CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	secret TEXT NOT NULL,
	url VARCHAR(2048) NOT NULL DEFAULT '',
	expiration_date VARCHAR(255) NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at BIGINT NOT NULL,
	last_rotated_at BIGINT NOT NULL,
	rotation_interval INTEGER NOT NULL DEFAULT 60,
	payload TEXT NULL,
	last_attempt_at BIGINT NOT NULL DEFAULT 0,
	last_error TEXT NULL,
	success_count BIGINT NOT NULL DEFAULT 0,
	failure_count BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0
)`
	settingsDDL = `CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(64) PRIMARY KEY,
	value VARCHAR(255) NOT NULL,
	updated_at BIGINT NOT NULL DEFAULT 0
)`
	ownerDDL = `CREATE TABLE IF NOT EXISTS %s (
	lock_key VARCHAR(64) PRIMARY KEY,
	owner VARCHAR(255) NOT NULL DEFAULT '',
	expires_at BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0
)`
)

// likePattern builds a case-insensitive substring pattern escaped with '!'.
func likePattern(text string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return "%" + r.Replace(strings.ToLower(text)) + "%"
}
