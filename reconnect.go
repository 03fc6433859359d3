package spike

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"pkt.systems/pslog"

	"pkt.systems/spike/internal/svcfields"
)

const (
	// DefaultReconnectInitialDelay seeds the exponential backoff.
	DefaultReconnectInitialDelay = 1 * time.Second
	// DefaultReconnectMaxDelay caps the backoff.
	DefaultReconnectMaxDelay = 30 * time.Second
	// DefaultReconnectMaxAttempts bounds retries per upstream before the
	// scheduler gives up.
	DefaultReconnectMaxAttempts = 5
)

// ReconnectFunc performs one reconnect attempt. The scheduler is a pure
// policy layer; it never touches upstream state directly.
type ReconnectFunc func(ctx context.Context, name string, cfg UpstreamConfig) error

// ReconnectScheduler retries failed upstreams with exponential backoff and
// a per-upstream attempt cap.
type ReconnectScheduler struct {
	initial     time.Duration
	max         time.Duration
	maxAttempts int
	reconnect   ReconnectFunc
	logger      pslog.Logger

	mu       sync.Mutex
	attempts map[string]int
	timers   map[string]*time.Timer
	closed   bool
}

// NewReconnectScheduler builds a scheduler with the default delay policy.
// Zero durations and a zero cap fall back to the defaults.
func NewReconnectScheduler(initial, max time.Duration, maxAttempts int, reconnect ReconnectFunc, logger pslog.Logger) *ReconnectScheduler {
	if initial <= 0 {
		initial = DefaultReconnectInitialDelay
	}
	if max <= 0 {
		max = DefaultReconnectMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultReconnectMaxAttempts
	}
	return &ReconnectScheduler{
		initial:     initial,
		max:         max,
		maxAttempts: maxAttempts,
		reconnect:   reconnect,
		logger:      svcfields.WithSubsystem(ensureLogger(logger), "fleet.reconnect"),
		attempts:    map[string]int{},
		timers:      map[string]*time.Timer{},
	}
}

// CalculateBackoff returns the delay before attempt n (0-based):
// min(initial * 2^n, max). The policy is delegated to backoff/v5 with
// randomisation disabled so the schedule is deterministic.
func (s *ReconnectScheduler) CalculateBackoff(attempt int) time.Duration {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     s.initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.max,
	}
	policy.Reset()
	delay := policy.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	if delay > s.max {
		delay = s.max
	}
	return delay
}

// ScheduleReconnect installs a one-shot timer for the named upstream. On
// firing it invokes the reconnect function; success clears the attempt
// record, failure schedules the next attempt until the cap is reached.
func (s *ReconnectScheduler) ScheduleReconnect(ctx context.Context, name string, cfg UpstreamConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	attempt := s.attempts[name]
	if attempt >= s.maxAttempts {
		s.logger.Error("reconnect.gave_up", "server", name, "attempts", attempt)
		delete(s.attempts, name)
		return
	}
	if existing, ok := s.timers[name]; ok {
		existing.Stop()
	}
	delay := s.CalculateBackoff(attempt)
	s.logger.Info("reconnect.scheduled", "server", name, "attempt", attempt+1, "delay", delay)
	s.timers[name] = time.AfterFunc(delay, func() {
		s.fire(ctx, name, cfg)
	})
}

func (s *ReconnectScheduler) fire(ctx context.Context, name string, cfg UpstreamConfig) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	s.attempts[name]++
	attempt := s.attempts[name]
	s.mu.Unlock()

	err := s.reconnect(ctx, name, cfg)
	if err == nil {
		s.mu.Lock()
		delete(s.attempts, name)
		s.mu.Unlock()
		s.logger.Info("reconnect.succeeded", "server", name, "attempt", attempt)
		return
	}
	s.logger.Warn("reconnect.attempt_failed", "server", name, "attempt", attempt, "error", err)
	s.ScheduleReconnect(ctx, name, cfg)
}

// CancelAll stops every pending timer and clears attempt records. Called
// on shutdown.
func (s *ReconnectScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.attempts = map[string]int{}
}

// PendingReconnects reports how many timers are armed.
func (s *ReconnectScheduler) PendingReconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
