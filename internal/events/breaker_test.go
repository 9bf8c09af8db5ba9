package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-sub004/internal/events"
)

func testBreakerConfig() events.BreakerConfig {
	return events.BreakerConfig{
		FailureThreshold:   3,
		RecoveryTimeoutMS:  50,
		MonitoringPeriodMS: 60_000,
		MinimumThroughput:  1,
	}
}

func failOp(_ context.Context) error { return errors.New("sink down") }

func okOp(_ context.Context) error { return nil }

// trip drives the breaker from CLOSED to OPEN.
func trip(t *testing.T, cb *events.CircuitBreaker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < testBreakerConfig().FailureThreshold; i++ {
		err := cb.Execute(ctx, failOp)
		require.Error(t, err)
		require.NotErrorIs(t, err, events.ErrCircuitOpen)
	}
	require.Equal(t, events.BreakerOpen, cb.State())
}

func TestBreaker_StartsClosed(t *testing.T) {
	cb := events.NewCircuitBreaker(testBreakerConfig(), nil, nil)
	assert.Equal(t, events.BreakerClosed, cb.State())
}

func TestBreaker_TripsAtFailureThreshold(t *testing.T) {
	ctx := context.Background()
	trips := 0
	cb := events.NewCircuitBreaker(testBreakerConfig(), func() { trips++ }, nil)

	trip(t, cb)
	assert.Equal(t, 1, trips)

	// While open, calls fast-fail without invoking the operation.
	calls := 0
	err := cb.Execute(ctx, func(_ context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, events.ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	cb := events.NewCircuitBreaker(testBreakerConfig(), nil, nil)

	// Two failures, then a success, then two more failures: the breaker
	// must stay closed because the count reset in between.
	require.Error(t, cb.Execute(ctx, failOp))
	require.Error(t, cb.Execute(ctx, failOp))
	require.NoError(t, cb.Execute(ctx, okOp))
	require.Error(t, cb.Execute(ctx, failOp))
	require.Error(t, cb.Execute(ctx, failOp))

	assert.Equal(t, events.BreakerClosed, cb.State())
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	ctx := context.Background()
	cb := events.NewCircuitBreaker(testBreakerConfig(), nil, nil)
	trip(t, cb)

	time.Sleep(60 * time.Millisecond)

	// The first admitted call is the probe; its success closes the breaker.
	require.NoError(t, cb.Execute(ctx, okOp))
	assert.Equal(t, events.BreakerClosed, cb.State())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb := events.NewCircuitBreaker(testBreakerConfig(), nil, nil)
	trip(t, cb)

	time.Sleep(60 * time.Millisecond)

	require.Error(t, cb.Execute(ctx, failOp))
	assert.Equal(t, events.BreakerOpen, cb.State())

	// The recovery timer restarted; an immediate call fast-fails again.
	err := cb.Execute(ctx, okOp)
	assert.ErrorIs(t, err, events.ErrCircuitOpen)
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	ctx := context.Background()
	cb := events.NewCircuitBreaker(testBreakerConfig(), nil, nil)
	trip(t, cb)

	time.Sleep(60 * time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	probeErr := make(chan error, 1)

	go func() {
		probeErr <- cb.Execute(ctx, func(_ context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted

	// While the probe is in flight every other call is rejected.
	err := cb.Execute(ctx, okOp)
	assert.ErrorIs(t, err, events.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-probeErr)
	assert.Equal(t, events.BreakerClosed, cb.State())
}

func TestBreaker_MinimumThroughputGate(t *testing.T) {
	ctx := context.Background()
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 2
	cfg.MinimumThroughput = 10
	cb := events.NewCircuitBreaker(cfg, nil, nil)

	// Failures beyond the threshold do not trip the breaker while the
	// request count is below the throughput floor.
	for i := 0; i < 5; i++ {
		require.Error(t, cb.Execute(ctx, failOp))
	}
	assert.Equal(t, events.BreakerClosed, cb.State())
}

func TestBreaker_WindowResetsCounters(t *testing.T) {
	ctx := context.Background()
	cfg := testBreakerConfig()
	cfg.MonitoringPeriodMS = 30
	cb := events.NewCircuitBreaker(cfg, nil, nil)

	require.Error(t, cb.Execute(ctx, failOp))
	require.Error(t, cb.Execute(ctx, failOp))

	time.Sleep(40 * time.Millisecond)

	// The window rolled, so this third failure is the window's first.
	require.Error(t, cb.Execute(ctx, failOp))
	assert.Equal(t, events.BreakerClosed, cb.State())
}

func TestBreaker_TransitionsRecorded(t *testing.T) {
	ctx := context.Background()
	cb := events.NewCircuitBreaker(testBreakerConfig(), nil, nil)
	trip(t, cb)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, okOp))

	transitions := cb.Transitions()
	require.Len(t, transitions, 3)
	assert.Equal(t, events.BreakerClosed, transitions[0].From)
	assert.Equal(t, events.BreakerOpen, transitions[0].To)
	assert.Equal(t, events.BreakerHalfOpen, transitions[1].To)
	assert.Equal(t, events.BreakerClosed, transitions[2].To)
}

func TestBreaker_PersistsAndRestoresState(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryStateStore()

	cfg := testBreakerConfig()
	cfg.RecoveryTimeoutMS = 60_000
	cb := events.NewCircuitBreaker(cfg, nil, store)
	trip(t, cb)

	// A fresh breaker over the same store resumes OPEN.
	restored := events.NewCircuitBreaker(cfg, nil, store)
	restored.Restore(ctx)
	assert.Equal(t, events.BreakerOpen, restored.State())

	err := restored.Execute(ctx, okOp)
	assert.ErrorIs(t, err, events.ErrCircuitOpen)
}

func TestBreaker_SnapshotReflectsCounts(t *testing.T) {
	ctx := context.Background()
	cb := events.NewCircuitBreaker(testBreakerConfig(), nil, nil)

	require.NoError(t, cb.Execute(ctx, okOp))
	require.Error(t, cb.Execute(ctx, failOp))

	snap := cb.Snapshot()
	assert.Equal(t, events.BreakerClosed, snap.State)
	assert.Equal(t, 1, snap.SuccessCount)
	assert.Equal(t, 1, snap.FailureCount)
	assert.False(t, snap.LastFailureAt.IsZero())
	assert.False(t, snap.LastSuccessAt.IsZero())
}
