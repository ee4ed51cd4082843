package keystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nimburion/keyrotate/pkg/observability/logger"
)

const (
	defaultTablePrefix  = "keyrotate"
	defaultQueryTimeout = 5 * time.Second
	defaultSQLiteBusyMS = 5000

	autoRunSetting = "auto_running"
	ownerLockKey   = "auto_run"

	keyColumns = `id, secret, url, expiration_date, is_active, created_at, last_rotated_at, rotation_interval, payload, last_attempt_at, last_error, success_count, failure_count, updated_at`
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLConfig configures an SQL-backed store.
type SQLConfig struct {
	Driver          string
	DSN             string
	TablePrefix     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

func (c *SQLConfig) normalize() {
	if strings.TrimSpace(c.TablePrefix) == "" {
		c.TablePrefix = defaultTablePrefix
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
}

// SQLStore persists keys in sqlite, postgres or mysql.
type SQLStore struct {
	db      *sql.DB
	log     logger.Logger
	config  SQLConfig
	dialect dialect
	now     func() time.Time

	keysTable     string
	settingsTable string
	ownerTable    string
}

// NewSQLStore opens the database and verifies connectivity. Call Migrate to
// create tables.
func NewSQLStore(cfg SQLConfig, log logger.Logger) (*SQLStore, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("database url is required")
	}
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store, err := newSQLStoreWithDB(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := store.opContext(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s failed: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = "+strconv.Itoa(defaultSQLiteBusyMS))
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	}

	log.Info("key store connected", "driver", d.name, "table_prefix", store.config.TablePrefix)
	return store, nil
}

func newSQLStoreWithDB(db *sql.DB, cfg SQLConfig, log logger.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.TablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", cfg.TablePrefix)
	}
	return &SQLStore{
		db:            db,
		log:           log,
		config:        cfg,
		dialect:       d,
		now:           time.Now,
		keysTable:     cfg.TablePrefix + "_keys",
		settingsTable: cfg.TablePrefix + "_settings",
		ownerTable:    cfg.TablePrefix + "_owner",
	}, nil
}

func (s *SQLStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

func (s *SQLStore) q(format string, args ...any) string {
	return s.dialect.rebind(fmt.Sprintf(format, args...))
}

// Migrate creates the tables when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	for _, stmt := range []string{
		fmt.Sprintf(keysDDL, s.keysTable),
		fmt.Sprintf(settingsDDL, s.settingsTable),
		fmt.Sprintf(ownerDDL, s.ownerTable),
	} {
		if _, err := s.db.ExecContext(opCtx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.name, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (Key, error) {
	var (
		k                                          Key
		active                                     int
		createdAt, rotatedAt, attemptAt, updatedAt int64
		payload, lastError                         sql.NullString
	)
	if err := row.Scan(&k.ID, &k.Secret, &k.URL, &k.ExpirationDate, &active, &createdAt, &rotatedAt,
		&k.RotationIntervalSeconds, &payload, &attemptAt, &lastError, &k.SuccessCount, &k.FailureCount, &updatedAt); err != nil {
		return Key{}, err
	}
	k.IsActive = active != 0
	k.CreatedAt = fromMillis(createdAt)
	k.LastRotatedAt = fromMillis(rotatedAt)
	k.LastAttemptAt = fromMillis(attemptAt)
	k.UpdatedAt = fromMillis(updatedAt)
	if payload.Valid && payload.String != "" {
		k.Payload = json.RawMessage(payload.String)
	}
	k.LastError = lastError.String
	return k, nil
}

func (s *SQLStore) queryKeys(ctx context.Context, query string, args ...any) ([]Key, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := []Key{}
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLStore) ListKeys(ctx context.Context) ([]Key, error) {
	return s.queryKeys(ctx, s.q(`SELECT %s FROM %s ORDER BY created_at DESC, id ASC`, keyColumns, s.keysTable))
}

func (s *SQLStore) SearchKeys(ctx context.Context, q SearchQuery) (SearchResult, error) {
	q = q.Normalize()
	where := ""
	var args []any
	if q.Text != "" {
		where = ` WHERE LOWER(secret) LIKE ? ESCAPE '!'`
		args = append(args, likePattern(q.Text))
	}

	var total int
	countCtx, cancel := s.opContext(ctx)
	err := s.db.QueryRowContext(countCtx, s.q(`SELECT COUNT(*) FROM %s%s`, s.keysTable, where), args...).Scan(&total)
	cancel()
	if err != nil {
		return SearchResult{}, fmt.Errorf("count keys: %w", err)
	}

	items, err := s.queryKeys(ctx,
		s.q(`SELECT %s FROM %s%s ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, keyColumns, s.keysTable, where),
		append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Items: items, Total: total}, nil
}

func (s *SQLStore) GetKey(ctx context.Context, id string) (Key, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(opCtx, s.q(`SELECT %s FROM %s WHERE id = ?`, keyColumns, s.keysTable), id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Key{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Key{}, fmt.Errorf("get key: %w", err)
	}
	return k, nil
}

func (s *SQLStore) exists(ctx context.Context, id string) (bool, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(opCtx, s.q(`SELECT COUNT(*) FROM %s WHERE id = ?`, s.keysTable), id).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) CreateKey(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(opCtx,
		s.q(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.keysTable, keyColumns),
		key.ID, key.Secret, key.URL, key.ExpirationDate, boolInt(key.IsActive), toMillis(key.CreatedAt),
		toMillis(key.LastRotatedAt), key.RotationIntervalSeconds, nullPayload(key.Payload),
		toMillis(key.LastAttemptAt), nullString(key.LastError), key.SuccessCount, key.FailureCount, toMillis(key.UpdatedAt))
	if err != nil {
		if found, lookupErr := s.exists(ctx, key.ID); lookupErr == nil && found {
			return fmt.Errorf("%w: %s", ErrConflict, key.ID)
		}
		return fmt.Errorf("create key: %w", err)
	}
	return nil
}

// UpdateKey writes the operator-editable fields and updated_at. Rotation
// columns are left to RecordRotation.
func (s *SQLStore) UpdateKey(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(opCtx,
		s.q(`UPDATE %s SET secret = ?, url = ?, expiration_date = ?, is_active = ?, rotation_interval = ?, updated_at = ? WHERE id = ?`, s.keysTable),
		key.Secret, key.URL, key.ExpirationDate, boolInt(key.IsActive), key.RotationIntervalSeconds,
		toMillis(key.UpdatedAt), key.ID)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	return s.requireRow(ctx, res, key.ID)
}

func (s *SQLStore) DeleteKey(ctx context.Context, id string) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(opCtx, s.q(`DELETE FROM %s WHERE id = ?`, s.keysTable), id)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return s.requireRow(ctx, res, id)
}

func (s *SQLStore) RecordRotation(ctx context.Context, id string, result RotationResult) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	var (
		res sql.Result
		err error
	)
	if result.Succeeded() {
		res, err = s.db.ExecContext(opCtx,
			s.q(`UPDATE %s SET payload = ?, last_rotated_at = ?, last_attempt_at = ?, last_error = NULL, success_count = success_count + 1 WHERE id = ?`, s.keysTable),
			nullPayload(result.Payload), toMillis(result.At), toMillis(result.At), id)
	} else {
		res, err = s.db.ExecContext(opCtx,
			s.q(`UPDATE %s SET last_attempt_at = ?, last_error = ?, failure_count = failure_count + 1 WHERE id = ?`, s.keysTable),
			toMillis(result.At), result.Err.Error(), id)
	}
	if err != nil {
		return fmt.Errorf("record rotation: %w", err)
	}
	return s.requireRow(ctx, res, id)
}

// requireRow maps zero affected rows to ErrNotFound. MySQL reports unchanged
// rows as unaffected, so existence is confirmed before failing.
func (s *SQLStore) requireRow(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if s.dialect.name == DriverMySQL {
		if found, err := s.exists(ctx, id); err == nil && found {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *SQLStore) GetAutoRunStatus(ctx context.Context) (bool, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	var value string
	err := s.db.QueryRowContext(opCtx, s.q(`SELECT value FROM %s WHERE name = ?`, s.settingsTable), autoRunSetting).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read auto-run status: %w", err)
	}
	running, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse auto-run status %q: %w", value, err)
	}
	return running, nil
}

func (s *SQLStore) SetAutoRunStatus(ctx context.Context, running bool) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(opCtx, s.q(s.dialect.upsertSetting, s.settingsTable),
		autoRunSetting, strconv.FormatBool(running), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("write auto-run status: %w", err)
	}
	return nil
}

func (s *SQLStore) CurrentOwner(ctx context.Context) (Owner, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	var (
		o                    Owner
		expiresAt, updatedAt int64
	)
	err := s.db.QueryRowContext(opCtx, s.q(`SELECT owner, expires_at, updated_at FROM %s WHERE lock_key = ?`, s.ownerTable), ownerLockKey).
		Scan(&o.InstanceID, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Owner{}, nil
	}
	if err != nil {
		return Owner{}, fmt.Errorf("read owner: %w", err)
	}
	o.ExpiresAt = fromMillis(expiresAt)
	o.UpdatedAt = fromMillis(updatedAt)
	return o, nil
}

func (s *SQLStore) ClaimOwner(ctx context.Context, instanceID string, ttl time.Duration) (Owner, bool, error) {
	if strings.TrimSpace(instanceID) == "" {
		return Owner{}, false, errors.New("instance id is required")
	}
	now := s.now()
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, s.q(s.dialect.insertOwner, s.ownerTable), ownerLockKey, toMillis(now)); err != nil {
		return Owner{}, false, fmt.Errorf("seed owner row: %w", err)
	}
	_, err := s.db.ExecContext(opCtx,
		s.q(`UPDATE %s SET owner = ?, expires_at = ?, updated_at = ? WHERE lock_key = ? AND (owner = '' OR owner = ? OR (expires_at > 0 AND expires_at <= ?))`, s.ownerTable),
		instanceID, toMillis(expiry(now, ttl)), toMillis(now), ownerLockKey, instanceID, toMillis(now))
	if err != nil {
		return Owner{}, false, fmt.Errorf("claim owner: %w", err)
	}
	owner, err := s.CurrentOwner(ctx)
	if err != nil {
		return Owner{}, false, err
	}
	return owner, owner.InstanceID == instanceID, nil
}

func (s *SQLStore) RenewOwner(ctx context.Context, instanceID string, ttl time.Duration) error {
	now := s.now()
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(opCtx,
		s.q(`UPDATE %s SET expires_at = ?, updated_at = ? WHERE lock_key = ? AND owner = ?`, s.ownerTable),
		toMillis(expiry(now, ttl)), toMillis(now), ownerLockKey, instanceID)
	if err != nil {
		return fmt.Errorf("renew owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrOwnershipLost, instanceID)
	}
	return nil
}

func (s *SQLStore) ReleaseOwner(ctx context.Context, instanceID string) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(opCtx,
		s.q(`UPDATE %s SET owner = '', expires_at = 0, updated_at = ? WHERE lock_key = ? AND owner = ?`, s.ownerTable),
		toMillis(s.now()), ownerLockKey, instanceID)
	if err != nil {
		return fmt.Errorf("release owner: %w", err)
	}
	return nil
}

// HealthCheck pings the database with a short timeout.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.log.Error("key store health check failed", "driver", s.dialect.name, "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.dialect.name, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullPayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
