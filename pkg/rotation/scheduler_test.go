package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/keyrotate/pkg/keystore"
	"github.com/nimburion/keyrotate/pkg/testutil"
)

func TestNewScheduler_Validation(t *testing.T) {
	store := keystore.NewMemoryStore()
	f := newFakeFetcher()
	log := &rotationTestLogger{}

	cases := map[string]func() error{
		"nil store": func() error {
			_, err := NewScheduler(nil, f, log, Config{InstanceID: "a"})
			return err
		},
		"nil fetcher": func() error {
			_, err := NewScheduler(store, nil, log, Config{InstanceID: "a"})
			return err
		},
		"nil logger": func() error {
			_, err := NewScheduler(store, f, nil, Config{InstanceID: "a"})
			return err
		},
		"blank instance": func() error {
			_, err := NewScheduler(store, f, log, Config{InstanceID: " "})
			return err
		},
		"negative ttl": func() error {
			_, err := NewScheduler(store, f, log, Config{InstanceID: "a", LeaseTTL: -time.Second})
			return err
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			if err := fn(); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestStartKey_NoopWhileAutoRunOff(t *testing.T) {
	store := keystore.NewMemoryStore()
	s := newTestScheduler(t, store, newFakeFetcher(), Config{})

	if s.StartKey(testKey("k1", 10, time.Now())) {
		t.Fatal("expected StartKey to be a no-op before auto-run is enabled")
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("expected no scheduled keys")
	}
}

func TestStartKey_IdempotentAndSkipsInactive(t *testing.T) {
	store := keystore.NewMemoryStore()
	s := newTestScheduler(t, store, newFakeFetcher(), Config{IntervalUnit: time.Hour})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	key := testKey("k1", 1, time.Now())
	if !s.StartKey(key) {
		t.Fatal("expected first StartKey to schedule")
	}
	if s.StartKey(key) {
		t.Fatal("expected second StartKey to be a no-op")
	}

	inactive := testKey("k2", 1, time.Now())
	inactive.IsActive = false
	if s.StartKey(inactive) {
		t.Fatal("expected inactive key to be ignored")
	}

	snap := s.Snapshot()
	if len(snap) != 1 || !snap["k1"].Scheduled {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestInitialize_RestoresScheduleFromPersistedState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := keystore.NewMemoryStore()
	mustCreate(t, store, testKey("recent", 2, now.Add(-30*time.Minute)))
	mustCreate(t, store, testKey("overdue", 1, now.Add(-3*time.Hour)))
	edited := testKey("edited", 1, now.Add(-50*time.Minute))
	edited.UpdatedAt = now.Add(-10 * time.Minute)
	mustCreate(t, store, edited)

	f := newFakeFetcher()
	s := newTestScheduler(t, store, f, Config{IntervalUnit: time.Hour},
		WithClock(func() time.Time { return now }))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap := s.Snapshot()
	if got, want := snap["recent"].DueAt, now.Add(90*time.Minute); !got.Equal(want) {
		t.Fatalf("recent: expected due %s, got %s", want, got)
	}
	if got, want := snap["edited"].DueAt, now.Add(50*time.Minute); !got.Equal(want) {
		t.Fatalf("edited: expected due %s, got %s", want, got)
	}
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() bool {
		return f.count("secret-overdue") == 1
	}, "overdue key should fire immediately")
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() bool {
		return s.Snapshot()["overdue"].DueAt.Equal(now.Add(time.Hour))
	}, "overdue key should be rescheduled a full interval after the fetch")
}

func TestInitialize_FiresRemainingTimeAfterRestart(t *testing.T) {
	store := keystore.NewMemoryStore()
	f := newFakeFetcher()
	start := time.Now()
	// 1000ms interval, rotated 950ms ago: only ~50ms remain.
	mustCreate(t, store, testKey("k1", 1000, start.Add(-950*time.Millisecond)))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	testutil.Eventually(t, 600*time.Millisecond, 5*time.Millisecond, func() bool {
		return f.count("secret-k1") >= 1
	}, "key should fire using the remaining time, not a full interval")

	key := mustGet(t, store, "k1")
	if !key.LastRotatedAt.After(start) {
		t.Fatalf("expected lastRotatedAt to advance, got %s", key.LastRotatedAt)
	}
	if key.SuccessCount != 1 || len(key.Payload) == 0 {
		t.Fatalf("expected recorded success, got %+v", key)
	}
}

func TestInitialize_DisabledFlagStaysIdle(t *testing.T) {
	store := keystore.NewMemoryStore()
	if err := store.SetAutoRunStatus(context.Background(), false); err != nil {
		t.Fatalf("set status: %v", err)
	}
	f := newFakeFetcher()
	mustCreate(t, store, testKey("k1", 1, time.Now().Add(-time.Hour)))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if s.GetAutoRunStatus() {
		t.Fatal("expected auto-run to stay off")
	}
	if f.count("secret-k1") != 0 {
		t.Fatal("expected no fetches while auto-run is off")
	}
}

func TestStopKey_PreventsPendingFire(t *testing.T) {
	store := keystore.NewMemoryStore()
	f := newFakeFetcher()
	key := testKey("k1", 40, time.Now())
	mustCreate(t, store, key)

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	s.StopKey("k1")
	time.Sleep(100 * time.Millisecond)

	if f.count("secret-k1") != 0 {
		t.Fatal("expected stopped key not to fire")
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot after StopKey")
	}
}

func TestFire_DeactivatedDuringFetchDoesNotReschedule(t *testing.T) {
	store := keystore.NewMemoryStore()
	f := newFakeFetcher()
	f.block = make(chan struct{})
	f.started = make(chan string, 1)
	mustCreate(t, store, testKey("k1", 10, time.Now().Add(-time.Second)))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	select {
	case <-f.started:
	case <-time.After(time.Second):
		t.Fatal("fetch never started")
	}
	if st := s.Snapshot()["k1"]; !st.Fetching || st.Scheduled {
		t.Fatalf("expected in-flight latch without timer, got %+v", st)
	}

	key := mustGet(t, store, "k1")
	key.IsActive = false
	if err := store.UpdateKey(context.Background(), key); err != nil {
		t.Fatalf("update: %v", err)
	}
	close(f.block)

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() bool {
		return len(s.Snapshot()) == 0
	}, "deactivated key should leave the schedule")
	time.Sleep(50 * time.Millisecond)
	if got := f.count("secret-k1"); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
}

func TestFire_DeletedDuringFetchIsDropped(t *testing.T) {
	store := keystore.NewMemoryStore()
	f := newFakeFetcher()
	f.block = make(chan struct{})
	f.started = make(chan string, 1)
	mustCreate(t, store, testKey("k1", 10, time.Now().Add(-time.Second)))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	<-f.started
	if err := store.DeleteKey(context.Background(), "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	close(f.block)

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() bool {
		return len(s.Snapshot()) == 0
	}, "deleted key should leave the schedule")
}

func TestFire_FailureKeepsLastRotatedAt(t *testing.T) {
	store := keystore.NewMemoryStore()
	f := newFakeFetcher()
	f.err = errors.New("upstream unavailable")
	rotated := time.Now().Add(-time.Second)
	mustCreate(t, store, testKey("k1", 30, rotated))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() bool {
		return f.count("secret-k1") >= 2
	}, "failed fetch should be retried at the normal interval")

	key := mustGet(t, store, "k1")
	if !key.LastRotatedAt.Equal(rotated) {
		t.Fatalf("expected lastRotatedAt unchanged, got %s", key.LastRotatedAt)
	}
	if key.FailureCount < 1 || key.LastError == "" || key.LastAttemptAt.IsZero() {
		t.Fatalf("expected failure bookkeeping, got %+v", key)
	}
}

func TestFire_PanicIsRecoveredAndRescheduled(t *testing.T) {
	store := keystore.NewMemoryStore()
	f := newFakeFetcher()
	f.panicOn = "secret-k1"
	mustCreate(t, store, testKey("k1", 20, time.Now().Add(-time.Second)))
	mustCreate(t, store, testKey("k2", 20, time.Now().Add(-time.Second)))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() bool {
		return f.count("secret-k1") >= 2 && f.count("secret-k2") >= 2
	}, "panicking key should keep its schedule without affecting others")
}

func TestFire_PanicAfterFetchIsRecoveredAndRescheduled(t *testing.T) {
	store := newFlakyStore()
	store.getPanicAt[2] = true
	f := newFakeFetcher()
	mustCreate(t, store.MemoryStore, testKey("k1", 20, time.Now().Add(-time.Second)))
	mustCreate(t, store.MemoryStore, testKey("k2", 20, time.Now().Add(-time.Second)))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() bool {
		return f.count("secret-k1") >= 3 && f.count("secret-k2") >= 3
	}, "a panic while reloading after the fetch must not stop any key")
	if st, ok := s.Snapshot()["k1"]; !ok || (!st.Scheduled && !st.Fetching) {
		t.Fatalf("expected k1 to stay scheduled, got %+v (tracked=%v)", st, ok)
	}
	if got := mustGet(t, store.MemoryStore, "k1"); got.SuccessCount < 3 {
		t.Fatalf("expected every fetch to be recorded, got %d", got.SuccessCount)
	}
}

func TestFire_RecordFailureKeepsSchedule(t *testing.T) {
	store := newFlakyStore()
	store.failRecord = true
	f := newFakeFetcher()
	rotated := time.Now().Add(-time.Second)
	mustCreate(t, store.MemoryStore, testKey("k1", 30, rotated))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return f.count("secret-k1") >= 3
	}, "a failing store write must not stop rotations")
	if gap := minGap(f.times("secret-k1")); gap < 25*time.Millisecond {
		t.Fatalf("expected fires at the normal interval, smallest gap %s", gap)
	}
	if store.records() < 2 {
		t.Fatalf("expected each result to be written, got %d writes", store.records())
	}
	if st, ok := s.Snapshot()["k1"]; !ok || (!st.Scheduled && !st.Fetching) {
		t.Fatalf("expected k1 to stay scheduled, got %+v (tracked=%v)", st, ok)
	}
	if got := mustGet(t, store.MemoryStore, "k1"); !got.LastRotatedAt.Equal(rotated) || got.SuccessCount != 0 {
		t.Fatalf("failed writes must not reach the store, got %+v", got)
	}
}

func TestFire_LoadFailureBeforeFetchKeepsSchedule(t *testing.T) {
	store := newFlakyStore()
	store.getErrAt[1] = true
	f := newFakeFetcher()
	mustCreate(t, store.MemoryStore, testKey("k1", 30, time.Now().Add(-time.Second)))

	s := newTestScheduler(t, store, f, Config{})
	start := time.Now()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return f.count("secret-k1") >= 2
	}, "a failed pre-fetch load must only skip one cycle")
	times := f.times("secret-k1")
	if first := times[0].Sub(start); first < 25*time.Millisecond {
		t.Fatalf("expected the skipped cycle to wait one interval, first fetch after %s", first)
	}
	if gap := minGap(times); gap < 25*time.Millisecond {
		t.Fatalf("expected fires at the normal interval, smallest gap %s", gap)
	}
	if st, ok := s.Snapshot()["k1"]; !ok || (!st.Scheduled && !st.Fetching) {
		t.Fatalf("expected k1 to stay scheduled, got %+v (tracked=%v)", st, ok)
	}
}

func TestFire_NextDelayStartsAfterFetchCompletes(t *testing.T) {
	store := keystore.NewMemoryStore()
	f := newFakeFetcher()
	f.delay = 60 * time.Millisecond
	mustCreate(t, store, testKey("k1", 40, time.Now().Add(-time.Second)))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return f.count("secret-k1") >= 3
	}, "expected repeated fetches")

	times := f.times("secret-k1")
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 95*time.Millisecond {
			t.Fatalf("fire %d came %s after the previous one; expected fetch time plus interval", i, gap)
		}
	}
	if f.peak() != 1 {
		t.Fatalf("expected at most one in-flight fetch, saw %d", f.peak())
	}
}

func TestRefreshKey_EditedIntervalReanchors(t *testing.T) {
	store := keystore.NewMemoryStore()
	f := newFakeFetcher()
	mustCreate(t, store, testKey("k1", 60_000, time.Now()))

	s := newTestScheduler(t, store, f, Config{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	key := mustGet(t, store, "k1")
	key.RotationIntervalSeconds = 30
	key.UpdatedAt = time.Now()
	if err := store.UpdateKey(context.Background(), key); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !s.RefreshKey(key) {
		t.Fatal("expected refresh to reschedule an active key")
	}

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() bool {
		return f.count("secret-k1") >= 1
	}, "edited interval should take effect immediately")
}

func TestRefreshKey_InactiveStops(t *testing.T) {
	store := keystore.NewMemoryStore()
	s := newTestScheduler(t, store, newFakeFetcher(), Config{IntervalUnit: time.Hour})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	key := testKey("k1", 1, time.Now())
	s.StartKey(key)
	key.IsActive = false
	if s.RefreshKey(key) {
		t.Fatal("expected refresh of inactive key to only stop it")
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("expected key to be unscheduled")
	}
}

func TestClose_StopsTimersAndReleasesOwner(t *testing.T) {
	store := keystore.NewMemoryStore()
	mustCreate(t, store, testKey("k1", 1, time.Now()))
	s := newTestScheduler(t, store, newFakeFetcher(), Config{IntervalUnit: time.Hour})
	ctx := context.Background()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(s.Snapshot()) != 0 {
		t.Fatal("expected no timers after close")
	}
	if err := s.HealthCheck(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	owner, _ := store.CurrentOwner(ctx)
	if owner.InstanceID != "" {
		t.Fatalf("expected ownership released, got %q", owner.InstanceID)
	}
	running, _ := store.GetAutoRunStatus(ctx)
	if !running {
		t.Fatal("expected persisted flag to survive shutdown")
	}
	if err := s.InitializeAll(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
