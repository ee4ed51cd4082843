package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nimburion/keyrotate/pkg/observability/logger"
)

type storeTestLogger struct{}

func (l *storeTestLogger) Debug(string, ...any)                      {}
func (l *storeTestLogger) Info(string, ...any)                       {}
func (l *storeTestLogger) Warn(string, ...any)                       {}
func (l *storeTestLogger) Error(string, ...any)                      {}
func (l *storeTestLogger) With(...any) logger.Logger                 { return l }
func (l *storeTestLogger) WithContext(context.Context) logger.Logger { return l }

func sampleKey(id, secret string, created time.Time) Key {
	return Key{
		ID:                      id,
		Secret:                  secret,
		URL:                     "https://example.test/" + id,
		ExpirationDate:          "2026-12-31",
		IsActive:                true,
		CreatedAt:               created,
		LastRotatedAt:           created,
		RotationIntervalSeconds: 60,
	}
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli()).UTC()

	t.Run("create and get", func(t *testing.T) {
		k := sampleKey("k-1", "SecretAlpha", base)
		if err := store.CreateKey(ctx, k); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := store.GetKey(ctx, "k-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Secret != "SecretAlpha" || !got.IsActive || got.RotationIntervalSeconds != 60 {
			t.Fatalf("unexpected key %+v", got)
		}
		if !got.LastRotatedAt.Equal(base) {
			t.Fatalf("expected lastRotatedAt %s, got %s", base, got.LastRotatedAt)
		}
		if err := store.CreateKey(ctx, k); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := store.GetKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("invalid key rejected", func(t *testing.T) {
		bad := sampleKey("k-bad", "", base)
		if err := store.CreateKey(ctx, bad); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("update", func(t *testing.T) {
		k, err := store.GetKey(ctx, "k-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		edited := base.Add(5 * time.Second)
		k.RotationIntervalSeconds = 5
		k.IsActive = false
		k.UpdatedAt = edited
		if err := store.UpdateKey(ctx, k); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, err := store.GetKey(ctx, "k-1")
		if err != nil {
			t.Fatalf("get after update: %v", err)
		}
		if got.RotationIntervalSeconds != 5 || got.IsActive {
			t.Fatalf("update not persisted: %+v", got)
		}
		if !got.UpdatedAt.Equal(edited) || !got.ScheduleAnchor().Equal(edited) {
			t.Fatalf("expected updatedAt %s to round-trip and anchor the schedule, got %s", edited, got.UpdatedAt)
		}
		missing := sampleKey("nope", "x", base)
		if err := store.UpdateKey(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("record rotation", func(t *testing.T) {
		at := base.Add(10 * time.Second)
		payload := json.RawMessage(`{"status":100,"proxyhttp":"1.2.3.4:8080"}`)
		if err := store.RecordRotation(ctx, "k-1", RotationResult{At: at, Payload: payload}); err != nil {
			t.Fatalf("record success: %v", err)
		}
		got, _ := store.GetKey(ctx, "k-1")
		if !got.LastRotatedAt.Equal(at) || got.SuccessCount != 1 || got.LastError != "" {
			t.Fatalf("success not recorded: %+v", got)
		}
		var decoded map[string]any
		if err := json.Unmarshal(got.Payload, &decoded); err != nil || decoded["status"] != float64(100) {
			t.Fatalf("payload not stored: %s (%v)", got.Payload, err)
		}

		failAt := at.Add(10 * time.Second)
		if err := store.RecordRotation(ctx, "k-1", RotationResult{At: failAt, Err: errors.New("upstream 502")}); err != nil {
			t.Fatalf("record failure: %v", err)
		}
		got, _ = store.GetKey(ctx, "k-1")
		if !got.LastRotatedAt.Equal(at) {
			t.Fatalf("failure must not advance lastRotatedAt: %s", got.LastRotatedAt)
		}
		if !got.LastAttemptAt.Equal(failAt) || got.FailureCount != 1 || got.LastError != "upstream 502" {
			t.Fatalf("failure not recorded: %+v", got)
		}
		if len(got.Payload) == 0 {
			t.Fatal("failure must keep previous payload")
		}
		if got.RotationIntervalSeconds != 5 {
			t.Fatalf("rotation must not touch interval, got %d", got.RotationIntervalSeconds)
		}
		if err := store.RecordRotation(ctx, "missing", RotationResult{At: at}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		stale := got
		stale.LastRotatedAt = base
		stale.Payload = nil
		stale.URL = "https://example.test/edited"
		if err := store.UpdateKey(ctx, stale); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, _ = store.GetKey(ctx, "k-1")
		if !got.LastRotatedAt.Equal(at) || len(got.Payload) == 0 || got.URL != "https://example.test/edited" {
			t.Fatalf("update must leave rotation state alone: %+v", got)
		}
	})

	t.Run("search and list", func(t *testing.T) {
		for i := 2; i <= 6; i++ {
			k := sampleKey(fmt.Sprintf("k-%d", i), fmt.Sprintf("token_%d", i), base.Add(time.Duration(i)*time.Second))
			if err := store.CreateKey(ctx, k); err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
		}
		all, err := store.ListKeys(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 6 || all[0].ID != "k-6" {
			t.Fatalf("expected 6 keys newest first, got %d first=%s", len(all), all[0].ID)
		}

		page, err := store.SearchKeys(ctx, SearchQuery{Text: "TOKEN", Page: 2, PageSize: 2})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if page.Total != 5 || len(page.Items) != 2 || page.Items[0].ID != "k-4" {
			t.Fatalf("unexpected page: total=%d items=%v", page.Total, page.Items)
		}

		literal, err := store.SearchKeys(ctx, SearchQuery{Text: "n_3"})
		if err != nil {
			t.Fatalf("search literal: %v", err)
		}
		if literal.Total != 1 || literal.Items[0].ID != "k-3" {
			t.Fatalf("underscore must match literally, got %+v", literal)
		}

		empty, err := store.SearchKeys(ctx, SearchQuery{Page: 10, PageSize: 25})
		if err != nil {
			t.Fatalf("search beyond end: %v", err)
		}
		if empty.Total != 6 || len(empty.Items) != 0 {
			t.Fatalf("expected empty page, got %+v", empty)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.DeleteKey(ctx, "k-6"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := store.DeleteKey(ctx, "k-6"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("auto-run flag", func(t *testing.T) {
		running, err := store.GetAutoRunStatus(ctx)
		if err != nil || !running {
			t.Fatalf("expected default true, got %v (%v)", running, err)
		}
		if err := store.SetAutoRunStatus(ctx, false); err != nil {
			t.Fatalf("set: %v", err)
		}
		running, _ = store.GetAutoRunStatus(ctx)
		if running {
			t.Fatal("expected false after set")
		}
		if err := store.SetAutoRunStatus(ctx, true); err != nil {
			t.Fatalf("set: %v", err)
		}
		running, _ = store.GetAutoRunStatus(ctx)
		if !running {
			t.Fatal("expected true after set")
		}
	})

	t.Run("ownership", func(t *testing.T) {
		owner, err := store.CurrentOwner(ctx)
		if err != nil || owner.InstanceID != "" {
			t.Fatalf("expected no owner, got %+v (%v)", owner, err)
		}
		if _, ok, err := store.ClaimOwner(ctx, "proc-a", 0); err != nil || !ok {
			t.Fatalf("proc-a claim: ok=%v err=%v", ok, err)
		}
		owner, ok, err := store.ClaimOwner(ctx, "proc-b", 0)
		if err != nil || ok || owner.InstanceID != "proc-a" {
			t.Fatalf("proc-b must be refused: owner=%+v ok=%v err=%v", owner, ok, err)
		}
		if _, ok, _ := store.ClaimOwner(ctx, "proc-a", 0); !ok {
			t.Fatal("owner re-claim must succeed")
		}
		if err := store.RenewOwner(ctx, "proc-b", time.Minute); !errors.Is(err, ErrOwnershipLost) {
			t.Fatalf("expected ErrOwnershipLost, got %v", err)
		}
		if err := store.ReleaseOwner(ctx, "proc-b"); err != nil {
			t.Fatalf("foreign release: %v", err)
		}
		owner, _ = store.CurrentOwner(ctx)
		if owner.InstanceID != "proc-a" {
			t.Fatalf("foreign release must not clear owner, got %+v", owner)
		}
		if err := store.ReleaseOwner(ctx, "proc-a"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if _, ok, _ := store.ClaimOwner(ctx, "proc-b", time.Minute); !ok {
			t.Fatal("proc-b claim after release must succeed")
		}
		if err := store.RenewOwner(ctx, "proc-b", time.Minute); err != nil {
			t.Fatalf("renew: %v", err)
		}
		_ = store.ReleaseOwner(ctx, "proc-b")
	})

	t.Run("health", func(t *testing.T) {
		if err := store.HealthCheck(ctx); err != nil {
			t.Fatalf("health: %v", err)
		}
	})
}
