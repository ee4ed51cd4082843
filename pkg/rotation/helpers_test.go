package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/keyrotate/pkg/keystore"
	"github.com/nimburion/keyrotate/pkg/observability/logger"
)

type rotationTestLogger struct{}

func (l *rotationTestLogger) Debug(string, ...any)                      {}
func (l *rotationTestLogger) Info(string, ...any)                       {}
func (l *rotationTestLogger) Warn(string, ...any)                       {}
func (l *rotationTestLogger) Error(string, ...any)                      {}
func (l *rotationTestLogger) With(...any) logger.Logger                 { return l }
func (l *rotationTestLogger) WithContext(context.Context) logger.Logger { return l }

type fakeFetcher struct {
	mu          sync.Mutex
	calls       map[string][]time.Time
	inflight    map[string]int
	maxInflight int
	delay       time.Duration
	err         error
	panicOn     string
	block       chan struct{}
	started     chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:    make(map[string][]time.Time),
		inflight: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, secret string) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls[secret] = append(f.calls[secret], time.Now())
	f.inflight[secret]++
	if f.inflight[secret] > f.maxInflight {
		f.maxInflight = f.inflight[secret]
	}
	delay, err, panicOn, block, started := f.delay, f.err, f.panicOn, f.block, f.started
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight[secret]--
		f.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- secret:
		default:
		}
	}
	if panicOn == secret {
		panic("fetcher exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{"status":100,"message":"ok"}`), nil
}

func (f *fakeFetcher) count(secret string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[secret])
}

func (f *fakeFetcher) times(secret string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls[secret]...)
}

func (f *fakeFetcher) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

// testKey builds an active key whose interval is expressed in milliseconds
// once the scheduler runs with a millisecond IntervalUnit.
func testKey(id string, intervalMillis int, lastRotated time.Time) keystore.Key {
	return keystore.Key{
		ID:                      id,
		Secret:                  "secret-" + id,
		IsActive:                true,
		CreatedAt:               lastRotated,
		LastRotatedAt:           lastRotated,
		RotationIntervalSeconds: intervalMillis,
	}
}

func newTestScheduler(t *testing.T, store KeyStore, f *fakeFetcher, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	if cfg.InstanceID == "" {
		cfg.InstanceID = "test-instance"
	}
	if cfg.IntervalUnit == 0 {
		cfg.IntervalUnit = time.Millisecond
	}
	s, err := NewScheduler(store, f, &rotationTestLogger{}, cfg, opts...)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func mustCreate(t *testing.T, store *keystore.MemoryStore, key keystore.Key) {
	t.Helper()
	if err := store.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("create key %s: %v", key.ID, err)
	}
}

func mustGet(t *testing.T, store *keystore.MemoryStore, id string) keystore.Key {
	t.Helper()
	key, err := store.GetKey(context.Background(), id)
	if err != nil {
		t.Fatalf("get key %s: %v", id, err)
	}
	return key
}

var errStoreDown = errors.New("store unavailable")

// flakyStore wraps a MemoryStore and injects failures into the calls the
// fire handler makes. GetKey calls are counted per key, starting at 1.
type flakyStore struct {
	*keystore.MemoryStore

	mu          sync.Mutex
	gets        map[string]int
	getErrAt    map[int]bool
	getPanicAt  map[int]bool
	failRecord  bool
	recordCalls int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		MemoryStore: keystore.NewMemoryStore(),
		gets:        make(map[string]int),
		getErrAt:    make(map[int]bool),
		getPanicAt:  make(map[int]bool),
	}
}

func (s *flakyStore) GetKey(ctx context.Context, id string) (keystore.Key, error) {
	s.mu.Lock()
	s.gets[id]++
	n := s.gets[id]
	fail, explode := s.getErrAt[n], s.getPanicAt[n]
	s.mu.Unlock()
	if explode {
		panic(fmt.Sprintf("get %s exploded on call %d", id, n))
	}
	if fail {
		return keystore.Key{}, errStoreDown
	}
	return s.MemoryStore.GetKey(ctx, id)
}

func (s *flakyStore) RecordRotation(ctx context.Context, id string, result keystore.RotationResult) error {
	s.mu.Lock()
	s.recordCalls++
	fail := s.failRecord
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemoryStore.RecordRotation(ctx, id, result)
}

func (s *flakyStore) records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordCalls
}

// minGap returns the smallest spacing between consecutive times.
func minGap(times []time.Time) time.Duration {
	gap := time.Duration(-1)
	for i := 1; i < len(times); i++ {
		if d := times[i].Sub(times[i-1]); gap < 0 || d < gap {
			gap = d
		}
	}
	return gap
}
