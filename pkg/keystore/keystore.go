// Package keystore persists rotation keys, the global auto-run flag and the
// record of which process currently drives rotations.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrConflict is returned when creating a key whose id already exists.
	ErrConflict = errors.New("key already exists")
	// ErrInvalidKey is returned when a key record fails validation.
	ErrInvalidKey = errors.New("invalid key")
	// ErrOwnershipLost is returned when renewing an owner record held by someone else.
	ErrOwnershipLost = errors.New("ownership lost")
)

// DefaultRotationIntervalSeconds applies when a key is created without an interval.
const DefaultRotationIntervalSeconds = 60

// Paging bounds applied by SearchQuery.Normalize.
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Key is a rotating external credential and the data last fetched for it.
type Key struct {
	ID                      string          `json:"id"`
	Secret                  string          `json:"key"`
	URL                     string          `json:"url"`
	ExpirationDate          string          `json:"expirationDate"`
	IsActive                bool            `json:"isActive"`
	CreatedAt               time.Time       `json:"createdAt"`
	LastRotatedAt           time.Time       `json:"lastRotatedAt"`
	RotationIntervalSeconds int             `json:"rotationInterval"`
	Payload                 json.RawMessage `json:"proxyData,omitempty"`
	// UpdatedAt is the last operator change to scheduling fields. It anchors
	// the next fire together with LastRotatedAt.
	UpdatedAt time.Time `json:"updatedAt,omitzero"`

	LastAttemptAt time.Time `json:"lastAttemptAt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
	SuccessCount  int64     `json:"successCount"`
	FailureCount  int64     `json:"failureCount"`
}

// Validate checks the fields every backend relies on.
func (k Key) Validate() error {
	switch {
	case strings.TrimSpace(k.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidKey)
	case strings.TrimSpace(k.Secret) == "":
		return fmt.Errorf("%w: key value is required", ErrInvalidKey)
	case k.RotationIntervalSeconds <= 0:
		return fmt.Errorf("%w: rotation interval must be positive", ErrInvalidKey)
	}
	return nil
}

// ScheduleAnchor is the later of LastRotatedAt and UpdatedAt; the next fire
// is due one interval after it.
func (k Key) ScheduleAnchor() time.Time {
	if k.UpdatedAt.After(k.LastRotatedAt) {
		return k.UpdatedAt
	}
	return k.LastRotatedAt
}

// Clone returns a deep copy so callers cannot mutate stored payload bytes.
func (k Key) Clone() Key {
	if k.Payload != nil {
		k.Payload = append(json.RawMessage(nil), k.Payload...)
	}
	return k
}

// applyEdit copies the operator-editable fields of edit onto k.
func (k *Key) applyEdit(edit Key) {
	k.Secret = edit.Secret
	k.URL = edit.URL
	k.ExpirationDate = edit.ExpirationDate
	k.IsActive = edit.IsActive
	k.RotationIntervalSeconds = edit.RotationIntervalSeconds
	k.UpdatedAt = edit.UpdatedAt
}

// RotationResult is the outcome of one fetch attempt.
type RotationResult struct {
	At      time.Time
	Payload json.RawMessage
	Err     error
}

// Succeeded reports whether the attempt produced a payload.
func (r RotationResult) Succeeded() bool { return r.Err == nil }

// apply folds the result into k. LastRotatedAt and Payload only move on success.
func (r RotationResult) apply(k *Key) {
	k.LastAttemptAt = r.At
	if r.Err != nil {
		k.LastError = r.Err.Error()
		k.FailureCount++
		return
	}
	k.LastError = ""
	k.SuccessCount++
	k.LastRotatedAt = r.At
	k.Payload = append(json.RawMessage(nil), r.Payload...)
}

// Owner is the persisted record of the process driving rotations.
type Owner struct {
	InstanceID string    `json:"instanceId"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
}

// HeldAt reports whether the record names a live owner at now.
func (o Owner) HeldAt(now time.Time) bool {
	if o.InstanceID == "" {
		return false
	}
	return o.ExpiresAt.IsZero() || now.Before(o.ExpiresAt)
}

// SearchQuery filters and pages the key listing.
type SearchQuery struct {
	Text     string
	Page     int
	PageSize int
}

// Normalize clamps paging values.
func (q SearchQuery) Normalize() SearchQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	q.Text = strings.TrimSpace(q.Text)
	return q
}

// Offset returns the number of rows to skip.
func (q SearchQuery) Offset() int { return (q.Page - 1) * q.PageSize }

// SearchResult is one page of keys plus the total match count.
type SearchResult struct {
	Items []Key
	Total int
}

// Store is the persistence contract shared by every backend.
type Store interface {
	ListKeys(ctx context.Context) ([]Key, error)
	SearchKeys(ctx context.Context, q SearchQuery) (SearchResult, error)
	GetKey(ctx context.Context, id string) (Key, error)
	CreateKey(ctx context.Context, key Key) error
	// UpdateKey writes only the operator-editable fields; rotation state is untouched.
	UpdateKey(ctx context.Context, key Key) error
	DeleteKey(ctx context.Context, id string) error
	// RecordRotation writes only the rotation columns so concurrent edits survive.
	RecordRotation(ctx context.Context, id string, result RotationResult) error

	// GetAutoRunStatus returns true when the flag was never set.
	GetAutoRunStatus(ctx context.Context) (bool, error)
	SetAutoRunStatus(ctx context.Context, running bool) error

	CurrentOwner(ctx context.Context) (Owner, error)
	// ClaimOwner records instanceID as owner unless another live owner exists.
	// It returns the record after the attempt and whether instanceID holds it.
	// A ttl of zero records an owner that never expires.
	ClaimOwner(ctx context.Context, instanceID string, ttl time.Duration) (Owner, bool, error)
	RenewOwner(ctx context.Context, instanceID string, ttl time.Duration) error
	// ReleaseOwner clears the record only when instanceID holds it.
	ReleaseOwner(ctx context.Context, instanceID string) error

	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
