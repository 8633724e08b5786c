package provider

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthState tracks a provider's operational state.
//
// State transitions:
//
//	Healthy -> Degraded:  after DegradedAfter consecutive failures
//	Degraded -> Disabled: after DisabledAfter consecutive failures
//	any -> Healthy:       on a successful probe or manual reset
type HealthState int

const (
	StateHealthy HealthState = iota
	StateDegraded
	StateDisabled
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// HealthConfig holds the failure thresholds. Both are deployment
// configuration, not hard-coded constants.
type HealthConfig struct {
	// Name identifies the provider this tracker guards.
	Name string

	// DegradedAfter is the number of consecutive failures before the
	// provider is marked degraded.
	DegradedAfter int

	// DisabledAfter is the number of consecutive failures before the
	// provider is disabled and excluded from selection entirely.
	DisabledAfter int
}

// DefaultHealthConfig returns the documented defaults: 3 consecutive
// failures to degrade, 10 to disable.
func DefaultHealthConfig(name string) HealthConfig {
	return HealthConfig{
		Name:          name,
		DegradedAfter: 3,
		DisabledAfter: 10,
	}
}

// HealthTracker maintains a provider's health state from its send
// outcomes. A disabled provider stays disabled until the periodic
// health probe succeeds or an operator resets it.
type HealthTracker struct {
	mu     sync.RWMutex
	config HealthConfig
	logger *zap.Logger

	state           HealthState
	failureCount    int
	lastFailureTime time.Time
	lastStateChange time.Time

	totalSends     int64
	totalFailures  int64
	totalSuccesses int64

	// onTransition, if set, is invoked (outside the lock) with the new
	// state whenever it changes. Used to persist health to the store.
	onTransition func(HealthState)
}

// NewHealthTracker creates a tracker in the healthy state.
func NewHealthTracker(cfg HealthConfig, logger *zap.Logger) *HealthTracker {
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 3
	}
	if cfg.DisabledAfter <= cfg.DegradedAfter {
		cfg.DisabledAfter = cfg.DegradedAfter + 7
	}

	return &HealthTracker{
		config:          cfg,
		logger:          logger,
		state:           StateHealthy,
		lastStateChange: time.Now(),
	}
}

// OnTransition registers a callback fired on every state change.
func (h *HealthTracker) OnTransition(fn func(HealthState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTransition = fn
}

// RecordSuccess resets the consecutive-failure count. A degraded
// provider recovers to healthy on success; a disabled one does not —
// it waits for a probe or a manual reset.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	h.totalSends++
	h.totalSuccesses++
	h.failureCount = 0

	var fire func(HealthState)
	var next HealthState
	if h.state == StateDegraded {
		fire, next = h.transitionLocked(StateHealthy)
		h.logger.Info("provider recovered", zap.String("provider", h.config.Name))
	}
	h.mu.Unlock()

	if fire != nil {
		fire(next)
	}
}

// RecordFailure increments the consecutive-failure count and applies
// the degraded/disabled thresholds.
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	h.totalSends++
	h.totalFailures++
	h.failureCount++
	h.lastFailureTime = time.Now()

	var fire func(HealthState)
	var next HealthState
	switch {
	case h.state != StateDisabled && h.failureCount >= h.config.DisabledAfter:
		fire, next = h.transitionLocked(StateDisabled)
		h.logger.Warn("provider DISABLED - too many consecutive failures",
			zap.String("provider", h.config.Name),
			zap.Int("failures", h.failureCount),
			zap.Int("threshold", h.config.DisabledAfter),
		)
	case h.state == StateHealthy && h.failureCount >= h.config.DegradedAfter:
		fire, next = h.transitionLocked(StateDegraded)
		h.logger.Warn("provider degraded",
			zap.String("provider", h.config.Name),
			zap.Int("failures", h.failureCount),
			zap.Int("threshold", h.config.DegradedAfter),
		)
	}
	h.mu.Unlock()

	if fire != nil {
		fire(next)
	}
}

// MarkHealthy returns the provider to healthy. Called by the periodic
// health probe on success.
func (h *HealthTracker) MarkHealthy() {
	h.mu.Lock()
	h.failureCount = 0
	fire, next := h.transitionLocked(StateHealthy)
	h.mu.Unlock()

	if fire != nil {
		h.logger.Info("provider marked healthy", zap.String("provider", h.config.Name))
		fire(next)
	}
}

// Reset is the operator override: back to healthy, counters cleared.
func (h *HealthTracker) Reset() {
	h.mu.Lock()
	h.failureCount = 0
	fire, next := h.transitionLocked(StateHealthy)
	h.mu.Unlock()

	h.logger.Info("provider health manually reset", zap.String("provider", h.config.Name))
	if fire != nil {
		fire(next)
	}
}

// State returns the current health state.
func (h *HealthTracker) State() HealthState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// HealthStats is a snapshot for the management API.
type HealthStats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalSends      int64  `json:"total_sends"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns current tracker statistics.
func (h *HealthTracker) Stats() HealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := HealthStats{
		Name:            h.config.Name,
		State:           h.state.String(),
		FailureCount:    h.failureCount,
		TotalSends:      h.totalSends,
		TotalFailures:   h.totalFailures,
		TotalSuccesses:  h.totalSuccesses,
		LastStateChange: h.lastStateChange.Format(time.RFC3339),
	}
	if !h.lastFailureTime.IsZero() {
		s.LastFailure = h.lastFailureTime.Format(time.RFC3339)
	}
	return s
}

// transitionLocked changes state (must be called with lock held).
// Returns the callback to fire after releasing the lock, or nil.
func (h *HealthTracker) transitionLocked(next HealthState) (func(HealthState), HealthState) {
	if h.state == next {
		return nil, next
	}

	prev := h.state
	h.state = next
	h.lastStateChange = time.Now()

	h.logger.Debug("provider health transition",
		zap.String("provider", h.config.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)

	return h.onTransition, next
}

// String returns a human-readable representation.
func (h *HealthTracker) String() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return fmt.Sprintf("HealthTracker[%s] state=%s failures=%d",
		h.config.Name, h.state, h.failureCount)
}
