package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/keyrotate/pkg/keystore"
)

// Status describes the auto-run state seen by this process.
type Status struct {
	IsAutoRunning bool           `json:"isAutoRunning"`
	Owned         bool           `json:"owned"`
	InstanceID    string         `json:"instanceId"`
	Owner         keystore.Owner `json:"owner"`
	ScheduledKeys int            `json:"scheduledKeys"`
}

// Initialize reads the persisted auto-run flag once per process. When it is
// set, the scheduler claims ownership and schedules every active key; a claim
// refused because another process holds it leaves auto-run off locally.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.initialize(ctx)
	})
	return s.initErr
}

func (s *Scheduler) initialize(ctx context.Context) error {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	running, err := s.store.GetAutoRunStatus(ctx)
	if err != nil {
		return fmt.Errorf("read auto-run status: %w", err)
	}
	if !running {
		s.log.Info("auto-run disabled, rotations idle")
		return nil
	}
	owner, claimed, err := s.store.ClaimOwner(ctx, s.config.InstanceID, s.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("claim auto-run ownership: %w", err)
	}
	if !claimed {
		s.log.Warn("auto-run owned by another instance, staying idle", "owner", owner.InstanceID, "expires_at", owner.ExpiresAt)
		return nil
	}
	if !s.enable() {
		return ErrClosed
	}
	s.log.Info("auto-run resumed")
	return s.InitializeAll(ctx)
}

// ToggleAutoRun flips the persisted auto-run flag and returns the new state.
// Turning on fails with ErrOwnershipConflict while another process owns
// auto-run. Turning off stops every timer and releases ownership.
func (s *Scheduler) ToggleAutoRun(ctx context.Context) (bool, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	s.mu.Lock()
	closed, running := s.closed, s.autoRun
	s.mu.Unlock()
	if closed {
		return running, ErrClosed
	}
	if running {
		return false, s.turnOff(ctx)
	}
	return s.turnOn(ctx)
}

func (s *Scheduler) turnOn(ctx context.Context) (bool, error) {
	owner, claimed, err := s.store.ClaimOwner(ctx, s.config.InstanceID, s.config.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("claim auto-run ownership: %w", err)
	}
	if !claimed {
		return false, fmt.Errorf("%w: owned by %s", ErrOwnershipConflict, owner.InstanceID)
	}
	if err := s.store.SetAutoRunStatus(ctx, true); err != nil {
		if relErr := s.store.ReleaseOwner(ctx, s.config.InstanceID); relErr != nil {
			s.log.Warn("release ownership after failed toggle", "error", relErr)
		}
		return false, fmt.Errorf("persist auto-run status: %w", err)
	}
	if !s.enable() {
		return false, ErrClosed
	}
	s.log.Info("auto-run enabled")
	if err := s.InitializeAll(ctx); err != nil {
		s.log.Error("schedule keys after enabling auto-run", "error", err)
	}
	return true, nil
}

func (s *Scheduler) turnOff(ctx context.Context) error {
	if err := s.store.SetAutoRunStatus(ctx, false); err != nil {
		return fmt.Errorf("persist auto-run status: %w", err)
	}
	s.disable()
	s.stopRenewal()
	if err := s.store.ReleaseOwner(ctx, s.config.InstanceID); err != nil {
		s.log.Warn("release ownership", "error", err)
	}
	s.log.Info("auto-run disabled")
	return nil
}

// enable marks this process as the owner and starts lease renewal.
func (s *Scheduler) enable() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.autoRun = true
	s.owned = true
	s.mu.Unlock()
	setAutoRunningGauge(true)
	s.startRenewal()
	return true
}

// disable stops every local timer without touching the persisted flag.
func (s *Scheduler) disable() {
	s.mu.Lock()
	s.autoRun = false
	s.owned = false
	s.stopAllLocked()
	s.mu.Unlock()
	setAutoRunningGauge(false)
}

// Status reports the local auto-run state together with the persisted owner.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	st := Status{
		IsAutoRunning: s.autoRun,
		Owned:         s.owned,
		InstanceID:    s.config.InstanceID,
	}
	for _, sl := range s.slots {
		if sl.timer != nil {
			st.ScheduledKeys++
		}
	}
	s.mu.Unlock()

	owner, err := s.store.CurrentOwner(ctx)
	if err != nil && !errors.Is(err, keystore.ErrNotFound) {
		return st, fmt.Errorf("read owner: %w", err)
	}
	st.Owner = owner
	return st, nil
}

func (s *Scheduler) startRenewal() {
	if s.config.LeaseTTL <= 0 {
		return
	}
	s.stopRenewal()
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.renewCancel = cancel
	s.renewDone = done
	s.mu.Unlock()
	go s.renewLoop(ctx, done)
}

func (s *Scheduler) stopRenewal() {
	s.mu.Lock()
	cancel, done := s.renewCancel, s.renewDone
	s.renewCancel, s.renewDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// renewLoop extends the lease until ctx is cancelled. Losing the lease turns
// auto-run off locally; the persisted flag stays set for the new owner.
func (s *Scheduler) renewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.config.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		renewCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
		err := s.store.RenewOwner(renewCtx, s.config.InstanceID, s.config.LeaseTTL)
		cancel()
		switch {
		case err == nil:
			rotationOwnershipRenewTotal.WithLabelValues("success").Inc()
		case errors.Is(err, keystore.ErrOwnershipLost):
			rotationOwnershipRenewTotal.WithLabelValues("lost").Inc()
			s.log.Error("auto-run ownership lost, stopping rotations")
			s.disable()
			return
		case ctx.Err() != nil:
			return
		default:
			rotationOwnershipRenewTotal.WithLabelValues("failure").Inc()
			s.log.Warn("renew auto-run ownership failed", "error", err)
		}
	}
}
