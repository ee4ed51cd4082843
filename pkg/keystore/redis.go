package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/keyrotate/pkg/observability/logger"
)

const (
	defaultRedisPrefix    = "keyrotate"
	defaultRedisOpTimeout = 3 * time.Second
	maxOptimisticAttempts = 5
)

var (
	claimOwnerScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if (not current) or current == ARGV[1] then
  if tonumber(ARGV[2]) > 0 then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  else
    redis.call("SET", KEYS[1], ARGV[1])
  end
  return 1
end
return 0
`)

	renewOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  if tonumber(ARGV[2]) > 0 then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
  end
  redis.call("PERSIST", KEYS[1])
  return 1
end
return 0
`)

	releaseOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisConfig configures the redis-backed store.
type RedisConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOpTimeout
	}
}

// RedisStore keeps each key as a JSON document plus an id index set. The
// owner record is a single string key whose TTL is the ownership lease.
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
	config RedisConfig
	now    func() time.Time
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, log logger.Logger) (*RedisStore, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(opts)
	store, err := newRedisStoreWithClient(client, cfg, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	ctx, cancel := store.opContext(context.Background())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}
	log.Info("key store connected", "driver", "redis", "prefix", store.config.Prefix)
	return store, nil
}

func newRedisStoreWithClient(client *redis.Client, cfg RedisConfig, log logger.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &RedisStore{client: client, log: log, config: cfg, now: time.Now}, nil
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *RedisStore) keyDoc(id string) string { return s.config.Prefix + ":key:" + id }
func (s *RedisStore) indexKey() string        { return s.config.Prefix + ":keys" }
func (s *RedisStore) settingKey() string      { return s.config.Prefix + ":settings:" + autoRunSetting }
func (s *RedisStore) ownerKey() string        { return s.config.Prefix + ":owner:" + ownerLockKey }

func (s *RedisStore) ListKeys(ctx context.Context) ([]Key, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	ids, err := s.client.SMembers(opCtx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list key ids: %w", err)
	}
	if len(ids) == 0 {
		return []Key{}, nil
	}
	docs := make([]string, len(ids))
	for i, id := range ids {
		docs[i] = s.keyDoc(id)
	}
	values, err := s.client.MGet(opCtx, docs...).Result()
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	keys := make([]Key, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var k Key
		if err := json.Unmarshal([]byte(raw), &k); err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}

// SearchKeys filters and pages in process; the key population is small.
func (s *RedisStore) SearchKeys(ctx context.Context, q SearchQuery) (SearchResult, error) {
	keys, err := s.ListKeys(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	return searchKeys(keys, q), nil
}

func (s *RedisStore) GetKey(ctx context.Context, id string) (Key, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.load(opCtx, s.client, id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c stringGetter, id string) (Key, error) {
	raw, err := c.Get(ctx, s.keyDoc(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Key{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Key{}, fmt.Errorf("get key: %w", err)
	}
	var k Key
	if err := json.Unmarshal(raw, &k); err != nil {
		return Key{}, fmt.Errorf("decode key: %w", err)
	}
	return k, nil
}

func (s *RedisStore) CreateKey(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	created, err := s.client.SetNX(opCtx, s.keyDoc(key.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrConflict, key.ID)
	}
	if err := s.client.SAdd(opCtx, s.indexKey(), key.ID).Err(); err != nil {
		return fmt.Errorf("index key: %w", err)
	}
	return nil
}

// mutate runs fn against the stored document under WATCH, retrying on contention.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Key)) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	docKey := s.keyDoc(id)
	for range maxOptimisticAttempts {
		err := s.client.Watch(opCtx, func(tx *redis.Tx) error {
			k, err := s.load(opCtx, tx, id)
			if err != nil {
				return err
			}
			fn(&k)
			raw, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("encode key: %w", err)
			}
			_, err = tx.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
				pipe.Set(opCtx, docKey, raw, 0)
				return nil
			})
			return err
		}, docKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update key %s: too much contention", id)
}

func (s *RedisStore) UpdateKey(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, key.ID, func(stored *Key) { stored.applyEdit(key) })
}

func (s *RedisStore) RecordRotation(ctx context.Context, id string, result RotationResult) error {
	return s.mutate(ctx, id, result.apply)
}

func (s *RedisStore) DeleteKey(ctx context.Context, id string) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(opCtx, s.keyDoc(id))
		pipe.SRem(opCtx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *RedisStore) GetAutoRunStatus(ctx context.Context) (bool, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	value, err := s.client.Get(opCtx, s.settingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read auto-run status: %w", err)
	}
	return strconv.ParseBool(value)
}

func (s *RedisStore) SetAutoRunStatus(ctx context.Context, running bool) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.client.Set(opCtx, s.settingKey(), strconv.FormatBool(running), 0).Err(); err != nil {
		return fmt.Errorf("write auto-run status: %w", err)
	}
	return nil
}

func (s *RedisStore) CurrentOwner(ctx context.Context) (Owner, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	id, err := s.client.Get(opCtx, s.ownerKey()).Result()
	if errors.Is(err, redis.Nil) {
		return Owner{}, nil
	}
	if err != nil {
		return Owner{}, fmt.Errorf("read owner: %w", err)
	}
	owner := Owner{InstanceID: id}
	ttl, err := s.client.PTTL(opCtx, s.ownerKey()).Result()
	if err != nil {
		return Owner{}, fmt.Errorf("read owner ttl: %w", err)
	}
	if ttl > 0 {
		owner.ExpiresAt = s.now().Add(ttl)
	}
	return owner, nil
}

func (s *RedisStore) ClaimOwner(ctx context.Context, instanceID string, ttl time.Duration) (Owner, bool, error) {
	if strings.TrimSpace(instanceID) == "" {
		return Owner{}, false, errors.New("instance id is required")
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	claimed, err := claimOwnerScript.Run(opCtx, s.client, []string{s.ownerKey()}, instanceID, ttl.Milliseconds()).Int64()
	if err != nil {
		return Owner{}, false, fmt.Errorf("claim owner: %w", err)
	}
	owner, err := s.CurrentOwner(ctx)
	if err != nil {
		return Owner{}, false, err
	}
	return owner, claimed == 1, nil
}

func (s *RedisStore) RenewOwner(ctx context.Context, instanceID string, ttl time.Duration) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	renewed, err := renewOwnerScript.Run(opCtx, s.client, []string{s.ownerKey()}, instanceID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew owner: %w", err)
	}
	if renewed == 0 {
		return fmt.Errorf("%w: %s", ErrOwnershipLost, instanceID)
	}
	return nil
}

func (s *RedisStore) ReleaseOwner(ctx context.Context, instanceID string) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if err := releaseOwnerScript.Run(opCtx, s.client, []string{s.ownerKey()}, instanceID).Err(); err != nil {
		return fmt.Errorf("release owner: %w", err)
	}
	return nil
}

// Migrate is a no-op; redis needs no schema.
func (s *RedisStore) Migrate(ctx context.Context) error { return nil }

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Error("key store health check failed", "driver", "redis", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
