// Package rotation drives periodic refreshes of every active key. It keeps at
// most one pending timer and one in-flight fetch per key, derives timing from
// persisted key state so schedules survive restarts, and coordinates with other
// processes through an owner record so only one of them drives refreshes.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/keyrotate/pkg/fetcher"
	"github.com/nimburion/keyrotate/pkg/keystore"
	"github.com/nimburion/keyrotate/pkg/observability/logger"
	"github.com/nimburion/keyrotate/pkg/observability/tracing"
)

const (
	DefaultIntervalUnit = time.Second
	DefaultStoreTimeout = 10 * time.Second
)

// KeyStore is the persistence surface the scheduler consumes.
type KeyStore interface {
	ListKeys(ctx context.Context) ([]keystore.Key, error)
	GetKey(ctx context.Context, id string) (keystore.Key, error)
	RecordRotation(ctx context.Context, id string, result keystore.RotationResult) error
	GetAutoRunStatus(ctx context.Context) (bool, error)
	SetAutoRunStatus(ctx context.Context, running bool) error
	CurrentOwner(ctx context.Context) (keystore.Owner, error)
	ClaimOwner(ctx context.Context, instanceID string, ttl time.Duration) (keystore.Owner, bool, error)
	RenewOwner(ctx context.Context, instanceID string, ttl time.Duration) error
	ReleaseOwner(ctx context.Context, instanceID string) error
}

// Config controls scheduler behavior.
type Config struct {
	// InstanceID identifies this process in the owner record.
	InstanceID string
	// LeaseTTL bounds the owner record lifetime; zero means it never expires.
	LeaseTTL time.Duration
	// RenewInterval is how often a leased owner record is extended.
	RenewInterval time.Duration
	// IntervalUnit scales Key.RotationIntervalSeconds.
	IntervalUnit time.Duration
	// StoreTimeout bounds each store call made from the fire handler.
	StoreTimeout time.Duration
}

func (c *Config) normalize() {
	if c.IntervalUnit <= 0 {
		c.IntervalUnit = DefaultIntervalUnit
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.LeaseTTL > 0 && c.RenewInterval <= 0 {
		c.RenewInterval = c.LeaseTTL / 3
	}
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock used for delay computation and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// slot is the in-memory state for one key. A slot exists while the key has
// a pending timer or a fetch in flight; gen changes whenever StopKey discards it.
type slot struct {
	gen      uint64
	timer    *time.Timer
	dueAt    time.Time
	interval time.Duration
	fetching bool
}

// Scheduler owns one logical timer per active key.
type Scheduler struct {
	store   KeyStore
	fetcher fetcher.Fetcher
	log     logger.Logger
	config  Config
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	gate   *keyGate

	mu      sync.Mutex
	slots   map[string]*slot
	nextGen uint64
	autoRun bool
	owned   bool
	closed  bool

	toggleMu    sync.Mutex
	renewCancel context.CancelFunc
	renewDone   chan struct{}

	initOnce sync.Once
	initErr  error
}

// NewScheduler validates its collaborators. Auto-run starts disabled until
// Initialize reads the persisted flag.
func NewScheduler(store KeyStore, f fetcher.Fetcher, log logger.Logger, cfg Config, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, rotationError(ErrValidation, "key store is required")
	}
	if f == nil {
		return nil, rotationError(ErrValidation, "fetcher is required")
	}
	if log == nil {
		return nil, rotationError(ErrValidation, "logger is required")
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return nil, rotationError(ErrValidation, "instance id is required")
	}
	if cfg.LeaseTTL < 0 {
		return nil, rotationError(ErrValidation, "lease ttl must not be negative")
	}
	cfg.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:   store,
		fetcher: f,
		log:     log.With("component", "rotation", "instance_id", cfg.InstanceID),
		config:  cfg,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		gate:    newKeyGate(),
		slots:   make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) interval(key keystore.Key) time.Duration {
	return time.Duration(key.RotationIntervalSeconds) * s.config.IntervalUnit
}

// initialDelay is the time remaining until one interval after the key's
// schedule anchor, never negative.
func (s *Scheduler) initialDelay(key keystore.Key) time.Duration {
	due := key.ScheduleAnchor().Add(s.interval(key))
	if d := due.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

// StartKey schedules the key's next fire. It is a no-op, returning false, when
// auto-run is disabled, the key is inactive, or the key already has a pending
// timer or in-flight fetch.
func (s *Scheduler) StartKey(key keystore.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.autoRun || !key.IsActive || key.RotationIntervalSeconds <= 0 {
		return false
	}
	if _, exists := s.slots[key.ID]; exists {
		return false
	}
	s.nextGen++
	sl := &slot{gen: s.nextGen, interval: s.interval(key)}
	s.slots[key.ID] = sl
	delay := s.initialDelay(key)
	s.armLocked(key.ID, sl, delay)
	s.log.Debug("key scheduled", "key_id", key.ID, "delay", delay, "interval", sl.interval)
	return true
}

// StopKey discards any pending timer and latch for id. An in-flight fetch is
// left to finish but will not reschedule.
func (s *Scheduler) StopKey(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopLocked(id) {
		s.log.Debug("key stopped", "key_id", id)
	}
}

// RefreshKey applies a freshly loaded key record: the old schedule is dropped
// and, when the key is active, a new one is computed from the record.
func (s *Scheduler) RefreshKey(key keystore.Key) bool {
	s.mu.Lock()
	s.stopLocked(key.ID)
	s.mu.Unlock()
	return s.StartKey(key)
}

// InitializeAll resets every local timer and schedules each active key.
// It does nothing while auto-run is disabled.
func (s *Scheduler) InitializeAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.autoRun {
		s.mu.Unlock()
		return nil
	}
	s.stopAllLocked()
	s.mu.Unlock()

	keys, err := s.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	started := 0
	for _, key := range keys {
		if s.StartKey(key) {
			started++
		}
	}
	s.log.Info("rotation timers initialized", "keys", len(keys), "scheduled", started)
	return nil
}

// GetAutoRunStatus reports whether this process is driving rotations.
func (s *Scheduler) GetAutoRunStatus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRun
}

func (s *Scheduler) armLocked(id string, sl *slot, delay time.Duration) {
	gen := sl.gen
	sl.dueAt = s.now().Add(delay)
	sl.timer = time.AfterFunc(delay, func() { s.fire(id, gen) })
	s.updateGaugesLocked()
}

func (s *Scheduler) stopLocked(id string) bool {
	sl, ok := s.slots[id]
	if !ok {
		return false
	}
	if sl.timer != nil {
		sl.timer.Stop()
	}
	delete(s.slots, id)
	s.updateGaugesLocked()
	return true
}

func (s *Scheduler) stopAllLocked() {
	for id := range s.slots {
		s.stopLocked(id)
	}
}

func (s *Scheduler) updateGaugesLocked() {
	scheduled, fetching := 0, 0
	for _, sl := range s.slots {
		if sl.timer != nil {
			scheduled++
		}
		if sl.fetching {
			fetching++
		}
	}
	rotationScheduledKeys.Set(float64(scheduled))
	rotationInFlight.Set(float64(fetching))
}

// current reports whether gen is still the live slot generation for id.
func (s *Scheduler) current(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	return ok && sl.gen == gen
}

// fire is the timer callback. Every failure is absorbed here.
func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	sl, ok := s.slots[id]
	if s.closed || !ok || sl.gen != gen {
		s.mu.Unlock()
		return
	}
	sl.timer = nil
	if !s.autoRun || sl.fetching {
		if !sl.fetching {
			delete(s.slots, id)
		}
		s.updateGaugesLocked()
		s.mu.Unlock()
		return
	}
	sl.fetching = true
	fallback := sl.interval
	s.wg.Add(1)
	s.updateGaugesLocked()
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, span := tracing.StartRotationSpan(s.ctx, id)
	defer span.End()
	log := s.log.WithContext(ctx).With("key_id", id)

	settled := false
	settle := func(delay time.Duration, reschedule bool) {
		settled = true
		s.finish(id, gen, delay, reschedule)
	}
	defer func() {
		if r := recover(); r != nil {
			rotationPanicsTotal.Inc()
			log.Error("panic in rotation cycle", "panic", fmt.Sprint(r))
			if !settled {
				s.finish(id, gen, fallback, true)
			}
		}
	}()

	if !s.rotate(ctx, log, id, gen, settle) {
		return
	}

	next, active, err := s.reload(ctx, id)
	switch {
	case err != nil:
		log.Error("reload after fetch failed, keeping previous interval", "error", err)
		settle(fallback, true)
	case !active:
		log.Info("key removed or deactivated during fetch, not rescheduling")
		settle(0, false)
	default:
		settle(s.interval(next), true)
	}
}

// rotate re-validates the key, fetches and records the result. It returns
// false when the cycle ended without needing a reschedule.
func (s *Scheduler) rotate(ctx context.Context, log logger.Logger, id string, gen uint64, settle func(time.Duration, bool)) bool {
	release, err := s.gate.acquire(ctx, id)
	if err != nil {
		settle(0, false)
		return false
	}
	defer release()
	if !s.current(id, gen) {
		return false
	}

	key, active, err := s.reload(ctx, id)
	if err != nil {
		log.Error("load key before fetch failed", "error", err)
		return true
	}
	if !active {
		log.Info("key removed or deactivated, stopping rotation")
		settle(0, false)
		return false
	}

	start := s.now()
	payload, fetchErr := s.fetcher.Fetch(ctx, key.Secret)
	done := s.now()
	elapsed := done.Sub(start)

	result := keystore.RotationResult{At: done, Payload: payload, Err: fetchErr}
	if fetchErr != nil {
		recordFetch("failure", elapsed.Seconds())
		log.Warn("fetch failed", "error", fetchErr, "duration", elapsed)
	} else {
		recordFetch("success", elapsed.Seconds())
		log.Info("key rotated", "duration", elapsed)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	if err := s.store.RecordRotation(storeCtx, id, result); err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			log.Info("key deleted during fetch, result dropped")
		} else {
			log.Error("persist rotation result failed", "error", err)
		}
	}
	return true
}

// reload reads the key; active is false when it is missing or inactive.
func (s *Scheduler) reload(ctx context.Context, id string) (keystore.Key, bool, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	key, err := s.store.GetKey(storeCtx, id)
	if errors.Is(err, keystore.ErrNotFound) {
		return keystore.Key{}, false, nil
	}
	if err != nil {
		return keystore.Key{}, false, err
	}
	return key, key.IsActive && key.RotationIntervalSeconds > 0, nil
}

// finish clears the latch and, if the slot is still current and auto-run is
// on, arms the next fire delay after now.
func (s *Scheduler) finish(id string, gen uint64, delay time.Duration, reschedule bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok || sl.gen != gen {
		return
	}
	sl.fetching = false
	if !reschedule || s.closed || !s.autoRun {
		delete(s.slots, id)
		s.updateGaugesLocked()
		return
	}
	sl.interval = delay
	s.armLocked(id, sl, delay)
}

// KeyState is a point-in-time view of one key's scheduling state.
type KeyState struct {
	Scheduled bool
	Fetching  bool
	DueAt     time.Time
}

// Snapshot returns the scheduling state of every tracked key.
func (s *Scheduler) Snapshot() map[string]KeyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]KeyState, len(s.slots))
	for id, sl := range s.slots {
		st := KeyState{Scheduled: sl.timer != nil, Fetching: sl.fetching}
		if st.Scheduled {
			st.DueAt = sl.dueAt
		}
		out[id] = st
	}
	return out
}

// HealthCheck fails once the scheduler is closed.
func (s *Scheduler) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every timer, waits for in-flight fetches until ctx is done and
// releases the owner record. The persisted auto-run flag is left as is so the
// next process to start resumes rotations.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopAllLocked()
	owned := s.owned
	s.owned = false
	s.autoRun = false
	s.mu.Unlock()
	setAutoRunningGauge(false)

	s.stopRenewal()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.log.Warn("in-flight fetches did not finish before shutdown deadline")
	}
	s.cancel()

	if owned {
		if err := s.store.ReleaseOwner(context.WithoutCancel(ctx), s.config.InstanceID); err != nil {
			return fmt.Errorf("release ownership: %w", err)
		}
	}
	s.log.Info("rotation scheduler closed")
	return nil
}
