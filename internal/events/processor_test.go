package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-sub004/internal/audit"
	"github.com/smedrec/smart-logs-sub004/internal/events"
)

// scriptedSink fails a configured number of inserts before succeeding,
// or always fails with a fixed error.
type scriptedSink struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	alwaysErr error
	inserted  []*audit.Event
	calls     int
	nextRef   int64
}

func (s *scriptedSink) Insert(_ context.Context, event *audit.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.alwaysErr != nil {
		return 0, s.alwaysErr
	}
	if s.calls <= s.failures {
		if s.failWith != nil {
			return 0, s.failWith
		}
		return 0, errors.New("connection refused")
	}
	s.nextRef++
	s.inserted = append(s.inserted, event.Clone())
	return s.nextRef, nil
}

func (s *scriptedSink) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func (s *scriptedSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type pipeline struct {
	processor *events.Processor
	sink      *scriptedSink
	store     *events.MemoryDeadLetterStore
	collector *events.Collector
	breaker   *events.CircuitBreaker
	publisher *capturingPublisher
}

func newPipeline(t *testing.T, sink *scriptedSink, mutate func(cfg *events.ProcessorConfig)) *pipeline {
	t.Helper()

	cfg := events.DefaultProcessorConfig()
	cfg.Concurrency = 2
	cfg.GracePeriod = 2 * time.Second
	cfg.Retry = fastRetryConfig(2)
	cfg.Breaker = events.BreakerConfig{
		FailureThreshold:   3,
		RecoveryTimeoutMS:  60_000,
		MonitoringPeriodMS: 60_000,
		MinimumThroughput:  1,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	collector := events.NewCollector(nil)
	breaker := events.NewCircuitBreaker(cfg.Breaker, collector.RecordBreakerTrip, nil)
	store := events.NewMemoryDeadLetterStore()
	pub := &capturingPublisher{}
	publisher := events.NewQueuePublisher(pub.publish)

	dlqCfg := events.DefaultDeadLetterHandlerConfig()
	dlqCfg.SourceQueueName = cfg.QueueName
	dlq := events.NewDeadLetterHandler(dlqCfg, store, publisher, collector)

	p := events.NewProcessor(cfg, nil, sink, breaker, dlq, collector, publisher)
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	return &pipeline{
		processor: p,
		sink:      sink,
		store:     store,
		collector: collector,
		breaker:   breaker,
		publisher: pub,
	}
}

// deliver simulates one queue delivery of the event and returns the
// ack decision.
func (pl *pipeline) deliver(t *testing.T, event *audit.Event) error {
	t.Helper()
	env := events.NewEnvelope("audit.events", event)
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	return pl.processor.Handle(context.Background(), env.Headers(), payload)
}

func processorEvent() *audit.Event {
	return &audit.Event{
		Timestamp:   time.Now().UTC(),
		TenantID:    "org-1",
		PrincipalID: "user-42",
		Action:      "fhir.patient.read",
		Status:      audit.StatusSuccess,
		Details:     map[string]any{"ip": "10.0.0.1"},
	}
}

func TestProcessor_SuccessfulEventPersisted(t *testing.T) {
	pl := newPipeline(t, &scriptedSink{}, nil)

	err := pl.deliver(t, processorEvent())
	require.NoError(t, err)

	assert.Equal(t, 1, pl.sink.insertedCount())

	snap := pl.collector.Snapshot()
	assert.Equal(t, int64(1), snap.SuccessfullyProcessed)
	assert.Zero(t, snap.FailedProcessed)
}

func TestProcessor_SubmitPublishesEnvelope(t *testing.T) {
	pl := newPipeline(t, &scriptedSink{}, nil)

	jobID, err := pl.processor.Submit(context.Background(), processorEvent())
	require.NoError(t, err)
	assert.False(t, jobID.IsZero())

	msgs := pl.publisher.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "audit.events", msgs[0].queueName)
	assert.Equal(t, jobID.String(), msgs[0].envelope.JobID.String())
}

func TestProcessor_SubmitRejectsInvalidEvent(t *testing.T) {
	pl := newPipeline(t, &scriptedSink{}, nil)

	bad := processorEvent()
	bad.TenantID = ""

	_, err := pl.processor.Submit(context.Background(), bad)
	assert.ErrorIs(t, err, audit.ErrMissingTenant)
	assert.Empty(t, pl.publisher.messages())
}

func TestProcessor_SubmitFailsWhenQueueRejects(t *testing.T) {
	pl := newPipeline(t, &scriptedSink{}, nil)
	pl.publisher.err = errors.New("broker unavailable")

	_, err := pl.processor.Submit(context.Background(), processorEvent())
	assert.Error(t, err)
}

func TestProcessor_TransientFailureRetriedThenPersisted(t *testing.T) {
	sink := &scriptedSink{failures: 2}
	pl := newPipeline(t, sink, nil)

	err := pl.deliver(t, processorEvent())
	require.NoError(t, err)

	assert.Equal(t, 3, sink.callCount())
	assert.Equal(t, 1, sink.insertedCount())

	snap := pl.collector.Snapshot()
	assert.Equal(t, int64(1), snap.SuccessfullyProcessed)
	assert.Equal(t, int64(2), snap.RetriedEvents)

	count, err := pl.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProcessor_PermanentFailureGoesToDLQAndAcks(t *testing.T) {
	sink := &scriptedSink{alwaysErr: events.NewPermanent("ESCHEMA", "bad column", nil)}
	pl := newPipeline(t, sink, nil)

	// The delivery is acked because the failure was durably recorded.
	err := pl.deliver(t, processorEvent())
	require.NoError(t, err)

	// Permanent errors never retry.
	assert.Equal(t, 1, sink.callCount())

	count, err := pl.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	snap := pl.collector.Snapshot()
	assert.Equal(t, int64(1), snap.FailedProcessed)
	assert.Equal(t, int64(1), snap.DeadLetterEvents)
}

func TestProcessor_RetryExhaustionCarriesHistoryToDLQ(t *testing.T) {
	sink := &scriptedSink{alwaysErr: errors.New("connection refused")}
	pl := newPipeline(t, sink, nil)

	err := pl.deliver(t, processorEvent())
	require.NoError(t, err)

	// maxRetries=2 means exactly 3 tries.
	assert.Equal(t, 3, sink.callCount())

	recs, err := pl.store.List(context.Background(), events.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, events.KindRetryExhausted, recs[0].FailureKind)
	assert.Len(t, recs[0].RetryHistory, 3)
}

func TestProcessor_BreakerTripsAndFastFails(t *testing.T) {
	sink := &scriptedSink{alwaysErr: events.NewPermanent("EDOWN", "sink rejects all", nil)}
	pl := newPipeline(t, sink, nil)

	// Three permanent failures trip the breaker (threshold 3).
	for i := 0; i < 3; i++ {
		require.NoError(t, pl.deliver(t, processorEvent()))
	}
	require.Equal(t, events.BreakerOpen, pl.breaker.State())

	// The next delivery never reaches the sink and lands in the DLQ
	// with a breaker-open classification.
	callsBefore := sink.callCount()
	require.NoError(t, pl.deliver(t, processorEvent()))
	assert.Equal(t, callsBefore, sink.callCount())

	recs, err := pl.store.List(context.Background(), events.DeadLetterFilter{FailureKind: events.KindCircuitOpen})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	snap := pl.collector.Snapshot()
	assert.Equal(t, int64(1), snap.CircuitBreakerTrips)
}

func TestProcessor_UndecodablePayloadGoesToDLQ(t *testing.T) {
	pl := newPipeline(t, &scriptedSink{}, nil)

	err := pl.processor.Handle(context.Background(), nil, []byte("{not json"))
	require.NoError(t, err)

	count, err := pl.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcessor_HandleAfterStopRejects(t *testing.T) {
	pl := newPipeline(t, &scriptedSink{}, nil)
	require.NoError(t, pl.processor.Stop(context.Background()))

	err := pl.deliver(t, processorEvent())
	assert.ErrorIs(t, err, events.ErrProcessorStopped)

	_, err = pl.processor.Submit(context.Background(), processorEvent())
	assert.ErrorIs(t, err, events.ErrProcessorStopped)
}

func TestProcessor_ConcurrentDeliveries(t *testing.T) {
	sink := &scriptedSink{}
	pl := newPipeline(t, sink, func(cfg *events.ProcessorConfig) {
		cfg.Concurrency = 5
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, pl.deliver(t, processorEvent()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, sink.insertedCount())
	snap := pl.collector.Snapshot()
	assert.Equal(t, int64(20), snap.SuccessfullyProcessed)
}

func TestProcessor_HealthScoreDegrades(t *testing.T) {
	ctx := context.Background()

	healthy := newPipeline(t, &scriptedSink{}, nil)
	require.NoError(t, healthy.deliver(t, processorEvent()))

	report := healthy.processor.HealthReport(ctx)
	assert.Equal(t, 100, report.Score)
	assert.Equal(t, events.BreakerClosed, report.BreakerState)

	// A pipeline with a tripped breaker and dead letters scores lower.
	sick := newPipeline(t, &scriptedSink{alwaysErr: events.NewPermanent("EDOWN", "sink down", nil)}, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, sick.deliver(t, processorEvent()))
	}

	sickReport := sick.processor.HealthReport(ctx)
	assert.Equal(t, events.BreakerOpen, sickReport.BreakerState)
	assert.Equal(t, int64(3), sickReport.DLQCount)
	assert.InDelta(t, 1.0, sickReport.FailureRate, 0.001)
	// 100 - 30 (open) - 30 (failure rate) - 3 (dlq) = 37
	assert.Equal(t, 37, sickReport.Score)
}
