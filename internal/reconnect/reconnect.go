// Package reconnect implements ReconnectScheduler (spec.md §4.9, component
// C12): exponential-backoff reconnection driven by ConnectivityGuard, plus
// a periodic health-check poll and a pause/resume gate SyncCoordinator
// uses during manual operations (spec.md I6). Grounded on the teacher's
// internal/sync/drive_runner.go backoff-step shape and
// internal/sync/failure_tracker.go's injectable-clock/timer pattern.
package reconnect

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fridaysync/vaultsync/internal/connguard"
)

// Timing constants (spec.md §5 "Reconnect base 10 s, backoff x 1.5, cap 5
// min" and §4.9 "Periodic health-check every 60 s").
const (
	BaseDelay           = 10 * time.Second
	BackoffFactor       = 1.5
	MaxDelay            = 5 * time.Minute
	HealthCheckInterval = 60 * time.Second
)

// Checker is the narrow ConnectivityGuard surface the scheduler consumes.
type Checker interface {
	Check(ctx context.Context, settings connguard.Settings, force bool) connguard.Result
}

// SettingsFunc supplies the current connection settings at fire time, so a
// config reload between schedules is picked up automatically.
type SettingsFunc func() connguard.Settings

// ResumeFunc attempts to resume continuous live-sync replication once the
// guard reports REACHABLE (spec.md §4.9 "resume continuous replication").
// It returns true on success.
type ResumeFunc func(ctx context.Context) bool

// HealthCheckFunc reports whether the coordinator's current status
// warrants an immediate reconnect attempt (spec.md §4.9 "if status is
// ERRORED or CLOSED while network appears up, schedule a 5 s reconnect").
type HealthCheckFunc func() bool

// timerFactory abstracts time.AfterFunc for deterministic tests.
type timerFactory func(d time.Duration, f func()) canceler

type canceler interface {
	Stop() bool
}

// Scheduler implements ReconnectScheduler.
type Scheduler struct {
	logger *slog.Logger

	checker      Checker
	settingsFn   SettingsFunc
	onReachable  ResumeFunc
	liveSync     func() bool
	healthCheck  HealthCheckFunc

	newTimer timerFactory

	mu          sync.Mutex
	paused      bool
	failures    int
	timer       canceler
	healthTimer canceler
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithTimerFactory overrides timer construction, used by tests to avoid
// real wall-clock sleeps.
func WithTimerFactory(fn func(d time.Duration, f func()) canceler) Option {
	return func(s *Scheduler) { s.newTimer = fn }
}

// New constructs a Scheduler. liveSync reports whether continuous
// replication is configured; healthCheck is optional (nil disables the
// periodic poll).
func New(logger *slog.Logger, checker Checker, settingsFn SettingsFunc, onReachable ResumeFunc, liveSync func() bool, healthCheck HealthCheckFunc, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		logger:      logger,
		checker:     checker,
		settingsFn:  settingsFn,
		onReachable: onReachable,
		liveSync:    liveSync,
		healthCheck: healthCheck,
		newTimer: func(d time.Duration, f func()) canceler {
			return time.AfterFunc(d, f)
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Schedule arms a reconnect attempt after delay, replacing any pending
// timer (spec.md §4.9 "schedule(delay_ms): replaces any pending timer").
func (s *Scheduler) Schedule(ctx context.Context, delay time.Duration) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = s.newTimer(delay, func() { s.fire(ctx) })
	s.mu.Unlock()
}

// Cancel stops any pending reconnect timer without firing it.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pause stops the scheduler from initiating new connections while a manual
// operation is in progress (spec.md I6). Any already-pending timer is
// cancelled; Resume does not automatically re-arm it — callers that still
// need a reconnect re-Schedule explicitly after Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// Resume undoes Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.paused
}

// fire runs one reconnect attempt (spec.md §4.9 "On fire").
func (s *Scheduler) fire(ctx context.Context) {
	if s.isPaused() {
		s.logger.Debug("reconnect: skipping fire, paused for manual operation")

		return
	}

	result := s.checker.Check(ctx, s.settingsFn(), true)

	if result.Status == connguard.Reachable {
		s.onReconnected(ctx)

		return
	}

	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	delay := NextDelay(failures)
	s.logger.Info("reconnect: still unreachable, backing off", "failures", failures, "next_delay", delay)
	s.Schedule(ctx, delay)
}

func (s *Scheduler) onReconnected(ctx context.Context) {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	if s.liveSync != nil && s.liveSync() && s.onReachable != nil {
		if s.onReachable(ctx) {
			s.logger.Info("reconnect: continuous replication resumed")

			return
		}

		s.logger.Warn("reconnect: reachable but resume failed, will retry")
		s.Schedule(ctx, BaseDelay)

		return
	}

	s.logger.Info("reconnect: server reachable")
}

// NextDelay computes the backoff delay for the given number of consecutive
// failures (spec.md §4.9 "min(10s * 1.5^failures, 5min)", §8 P9 backoff
// monotonicity).
func NextDelay(failures int) time.Duration {
	if failures <= 0 {
		return BaseDelay
	}

	scaled := float64(BaseDelay) * math.Pow(BackoffFactor, float64(failures))
	if scaled > float64(MaxDelay) {
		return MaxDelay
	}

	return time.Duration(scaled)
}

// StartHealthLoop begins the periodic health-check poll (spec.md §4.9).
// It runs until StopHealthLoop is called; cancelling ctx does not end it.
func (s *Scheduler) StartHealthLoop(ctx context.Context) {
	if s.healthCheck == nil {
		return
	}

	s.mu.Lock()
	if s.healthTimer != nil {
		s.healthTimer.Stop()
	}

	var loop func()

	loop = func() {
		if !s.isPaused() && s.healthCheck() {
			s.logger.Info("reconnect: health check detected stale connection, scheduling reconnect")
			s.Schedule(ctx, healthCheckReconnectDelay)
		}

		s.mu.Lock()
		s.healthTimer = s.newTimer(HealthCheckInterval, loop)
		s.mu.Unlock()
	}

	s.healthTimer = s.newTimer(HealthCheckInterval, loop)
	s.mu.Unlock()
}

// healthCheckReconnectDelay is the delay scheduled when the periodic health
// check finds a stale connection (spec.md §4.9 "schedule a 5 s reconnect").
const healthCheckReconnectDelay = 5 * time.Second

// StopHealthLoop cancels the periodic health-check poll.
func (s *Scheduler) StopHealthLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.healthTimer != nil {
		s.healthTimer.Stop()
		s.healthTimer = nil
	}
}
