package keystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs tests and the
// "memory" database type.
type MemoryStore struct {
	mu      sync.RWMutex
	keys    map[string]Key
	autoRun *bool
	owner   Owner
	now     func() time.Time
	closed  bool
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for owner expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{keys: make(map[string]Key), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) ListKeys(ctx context.Context) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(), nil
}

func (s *MemoryStore) SearchKeys(ctx context.Context, q SearchQuery) (SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return searchKeys(s.sortedLocked(), q), nil
}

// sortedLocked returns clones ordered newest first.
func (s *MemoryStore) sortedLocked() []Key {
	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k.Clone())
	}
	sortKeys(out)
	return out
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].ID < keys[j].ID
	})
}

// searchKeys filters sorted keys by a case-insensitive secret substring and pages them.
func searchKeys(sorted []Key, q SearchQuery) SearchResult {
	q = q.Normalize()
	filter := strings.ToLower(q.Text)
	matched := sorted
	if filter != "" {
		matched = make([]Key, 0, len(sorted))
		for _, k := range sorted {
			if strings.Contains(strings.ToLower(k.Secret), filter) {
				matched = append(matched, k)
			}
		}
	}
	res := SearchResult{Total: len(matched), Items: []Key{}}
	start := q.Offset()
	if start >= len(matched) {
		return res
	}
	res.Items = matched[start:min(start+q.PageSize, len(matched))]
	return res
}

func (s *MemoryStore) GetKey(ctx context.Context, id string) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return Key{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return k.Clone(), nil
}

func (s *MemoryStore) CreateKey(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.ID]; exists {
		return fmt.Errorf("%w: %s", ErrConflict, key.ID)
	}
	s.keys[key.ID] = key.Clone()
	return nil
}

func (s *MemoryStore) UpdateKey(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.keys[key.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key.ID)
	}
	stored.applyEdit(key)
	s.keys[key.ID] = stored
	return nil
}

func (s *MemoryStore) DeleteKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.keys, id)
	return nil
}

func (s *MemoryStore) RecordRotation(ctx context.Context, id string, result RotationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, exists := s.keys[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	result.apply(&k)
	s.keys[id] = k
	return nil
}

func (s *MemoryStore) GetAutoRunStatus(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.autoRun == nil {
		return true, nil
	}
	return *s.autoRun, nil
}

func (s *MemoryStore) SetAutoRunStatus(ctx context.Context, running bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRun = &running
	return nil
}

func (s *MemoryStore) CurrentOwner(ctx context.Context) (Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner, nil
}

func (s *MemoryStore) ClaimOwner(ctx context.Context, instanceID string, ttl time.Duration) (Owner, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.owner.HeldAt(now) && s.owner.InstanceID != instanceID {
		return s.owner, false, nil
	}
	s.owner = Owner{InstanceID: instanceID, ExpiresAt: expiry(now, ttl), UpdatedAt: now}
	return s.owner, true, nil
}

func (s *MemoryStore) RenewOwner(ctx context.Context, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner.InstanceID != instanceID {
		return fmt.Errorf("%w: held by %q", ErrOwnershipLost, s.owner.InstanceID)
	}
	now := s.now()
	s.owner.ExpiresAt = expiry(now, ttl)
	s.owner.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReleaseOwner(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner.InstanceID == instanceID {
		s.owner = Owner{UpdatedAt: s.now()}
	}
	return nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
