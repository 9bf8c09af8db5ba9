package events

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/util"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// transitionHistoryCap bounds the retained transition records.
const transitionHistoryCap = 100

// BreakerConfig configures the failure detector guarding the sink.
type BreakerConfig struct {
	// FailureThreshold is the failure count that trips the breaker.
	FailureThreshold int `json:"failure_threshold"`

	// RecoveryTimeoutMS is how long the breaker stays open before
	// admitting a probe.
	RecoveryTimeoutMS int `json:"recovery_timeout_ms"`

	// MonitoringPeriodMS is the window within which failures are
	// considered recent. Counters reset when the window elapses.
	MonitoringPeriodMS int `json:"monitoring_period_ms"`

	// MinimumThroughput is the request count below which the breaker
	// never trips, regardless of the failure ratio.
	MinimumThroughput int `json:"minimum_throughput"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   5,
		RecoveryTimeoutMS:  30000,
		MonitoringPeriodMS: 60000,
		MinimumThroughput:  10,
	}
}

// Transition records one state change.
type Transition struct {
	From   BreakerState `json:"from"`
	To     BreakerState `json:"to"`
	At     time.Time    `json:"at"`
	Reason string       `json:"reason"`
}

// BreakerSnapshot is the externally visible breaker state record.
type BreakerSnapshot struct {
	State         BreakerState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	LastFailureAt time.Time    `json:"last_failure_at,omitzero"`
	LastSuccessAt time.Time    `json:"last_success_at,omitzero"`
	NextAttemptAt time.Time    `json:"next_attempt_at,omitzero"`
}

// CircuitBreaker is a three-state failure detector shared across the
// worker pool. All state is guarded by a single mutex; the half-open
// probe slot is a single-admission gate.
type CircuitBreaker struct {
	cfg     BreakerConfig
	onTrip  func()
	store   StateStore

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	successCount  int
	requestCount  int
	windowStart   time.Time
	lastFailureAt time.Time
	lastSuccessAt time.Time
	nextAttemptAt time.Time
	probing       bool
	transitions   []Transition
}

// NewCircuitBreaker creates a closed breaker. onTrip is invoked once
// per CLOSED to OPEN transition (nil allowed); store persists state
// snapshots across restarts (nil allowed).
func NewCircuitBreaker(cfg BreakerConfig, onTrip func(), store StateStore) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:         cfg,
		onTrip:      onTrip,
		store:       store,
		state:       BreakerClosed,
		windowStart: time.Now(),
	}
}

// Restore loads the persisted breaker snapshot, if any. Called once at
// startup before the first Execute.
func (cb *CircuitBreaker) Restore(ctx context.Context) {
	if cb.store == nil {
		return
	}
	snap, err := cb.store.Load(ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not restore breaker state")
		return
	}
	if snap == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = snap.State
	cb.failureCount = snap.FailureCount
	cb.successCount = snap.SuccessCount
	cb.lastFailureAt = snap.LastFailureAt
	cb.lastSuccessAt = snap.LastSuccessAt
	cb.nextAttemptAt = snap.NextAttemptAt
}

// Execute runs op under the breaker. When the breaker is open before
// its recovery deadline, or half-open with the probe slot taken, op is
// not called and ErrCircuitOpen is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.admit(ctx); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		cb.onFailure(ctx, err)
		return err
	}
	cb.onSuccess(ctx)
	return nil
}

func (cb *CircuitBreaker) admit(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollWindow()

	switch cb.state {
	case BreakerOpen:
		if time.Now().Before(cb.nextAttemptAt) {
			return ErrCircuitOpen
		}
		cb.transition(ctx, BreakerHalfOpen, "recovery timeout elapsed")
		cb.probing = true
	case BreakerHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	case BreakerClosed:
		cb.requestCount++
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.lastSuccessAt = time.Now()

	switch cb.state {
	case BreakerHalfOpen:
		cb.probing = false
		cb.failureCount = 0
		cb.transition(ctx, BreakerClosed, "probe succeeded")
	case BreakerClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) onFailure(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureAt = time.Now()

	switch cb.state {
	case BreakerHalfOpen:
		cb.probing = false
		cb.nextAttemptAt = time.Now().Add(cb.recoveryTimeout())
		cb.transition(ctx, BreakerOpen, "probe failed: "+err.Error())
	case BreakerClosed:
		if cb.failureCount >= cb.cfg.FailureThreshold && cb.requestCount >= cb.cfg.MinimumThroughput {
			cb.nextAttemptAt = time.Now().Add(cb.recoveryTimeout())
			cb.transition(ctx, BreakerOpen, "failure threshold reached")
			if cb.onTrip != nil {
				cb.onTrip()
			}
		}
	}
}

// rollWindow resets the monitoring counters once the period elapses.
// Must be called with the mutex held.
func (cb *CircuitBreaker) rollWindow() {
	period := time.Duration(cb.cfg.MonitoringPeriodMS) * time.Millisecond
	if period <= 0 {
		return
	}
	if time.Since(cb.windowStart) >= period {
		cb.windowStart = time.Now()
		cb.requestCount = 0
		if cb.state == BreakerClosed {
			cb.failureCount = 0
		}
	}
}

func (cb *CircuitBreaker) recoveryTimeout() time.Duration {
	return time.Duration(cb.cfg.RecoveryTimeoutMS) * time.Millisecond
}

// transition appends a history record and persists the snapshot.
// Must be called with the mutex held.
func (cb *CircuitBreaker) transition(ctx context.Context, to BreakerState, reason string) {
	from := cb.state
	cb.state = to

	cb.transitions = append(cb.transitions, Transition{
		From:   from,
		To:     to,
		At:     time.Now().UTC(),
		Reason: reason,
	})
	if len(cb.transitions) > transitionHistoryCap {
		cb.transitions = cb.transitions[len(cb.transitions)-transitionHistoryCap:]
	}

	util.Log(ctx).Info("circuit breaker state change",
		"from", string(from),
		"to", string(to),
		"reason", reason)

	if cb.store != nil {
		snap := cb.snapshotLocked()
		if err := cb.store.Save(ctx, &snap); err != nil {
			util.Log(ctx).WithError(err).Warn("could not persist breaker state")
		}
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollWindow()
	return cb.state
}

// Snapshot returns the current state record.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

func (cb *CircuitBreaker) snapshotLocked() BreakerSnapshot {
	return BreakerSnapshot{
		State:         cb.state,
		FailureCount:  cb.failureCount,
		SuccessCount:  cb.successCount,
		LastFailureAt: cb.lastFailureAt,
		LastSuccessAt: cb.lastSuccessAt,
		NextAttemptAt: cb.nextAttemptAt,
	}
}

// Transitions returns a copy of the retained transition history.
func (cb *CircuitBreaker) Transitions() []Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]Transition, len(cb.transitions))
	copy(out, cb.transitions)
	return out
}
