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

// capturingPublisher records everything published through it.
type capturingPublisher struct {
	mu        sync.Mutex
	published []capturedMessage
	err       error
}

type capturedMessage struct {
	queueName string
	envelope  *events.Envelope
}

func (p *capturingPublisher) publish(_ context.Context, queueName string, payload any, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}

	var env events.Envelope
	if data, ok := payload.([]byte); ok {
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
	}
	p.published = append(p.published, capturedMessage{queueName: queueName, envelope: &env})
	return nil
}

func (p *capturingPublisher) messages() []capturedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]capturedMessage, len(p.published))
	copy(out, p.published)
	return out
}

// flakyDLQStore fails Upsert a configured number of times.
type flakyDLQStore struct {
	*events.MemoryDeadLetterStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyDLQStore) Upsert(ctx context.Context, rec *events.DeadLetterRecord) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("database connection lost")
	}
	return s.MemoryDeadLetterStore.Upsert(ctx, rec)
}

func dlqEvent() *audit.Event {
	e := &audit.Event{
		Timestamp: time.Now().UTC(),
		TenantID:  "org-1",
		Action:    "fhir.patient.read",
		Status:    audit.StatusFailure,
	}
	e.Normalize()
	return e
}

func newDLQHandler(store events.DeadLetterStore, pub *capturingPublisher) *events.DeadLetterHandler {
	cfg := events.DefaultDeadLetterHandlerConfig()
	var publisher *events.QueuePublisher
	if pub != nil {
		publisher = events.NewQueuePublisher(pub.publish)
	}
	return events.NewDeadLetterHandler(cfg, store, publisher, nil)
}

func TestDLQ_EnqueueFailedStoresRecord(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryDeadLetterStore()
	h := newDLQHandler(store, nil)

	jobID := audit.NewJobID()
	history := []events.RetryHistoryEntry{
		{Attempt: 1, Timestamp: time.Now().Add(-2 * time.Second), ErrorMessage: "timeout"},
		{Attempt: 2, Timestamp: time.Now().Add(-time.Second), ErrorMessage: "timeout"},
	}

	err := h.EnqueueFailed(ctx, dlqEvent(), errors.New("db timeout"), jobID, "audit.events", history)
	require.NoError(t, err)

	rec, err := h.Get(ctx, jobID.String())
	require.NoError(t, err)
	assert.Equal(t, "db timeout", rec.FailureReason)
	assert.Equal(t, 2, rec.FailureCount)
	assert.Equal(t, jobID.String(), rec.OriginalJobID.String())
	assert.Equal(t, "audit.events", rec.OriginalQueueName)
	assert.Len(t, rec.RetryHistory, 2)
}

func TestDLQ_EnqueueFailedIdempotentPerJobID(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryDeadLetterStore()
	h := newDLQHandler(store, nil)

	jobID := audit.NewJobID()
	require.NoError(t, h.EnqueueFailed(ctx, dlqEvent(), errors.New("first"), jobID, "audit.events", nil))
	require.NoError(t, h.EnqueueFailed(ctx, dlqEvent(), errors.New("second"), jobID, "audit.events", nil))

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rec, err := h.Get(ctx, jobID.String())
	require.NoError(t, err)
	assert.Equal(t, "second", rec.FailureReason)
}

func TestDLQ_DistinctJobIDsAreNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryDeadLetterStore()
	h := newDLQHandler(store, nil)

	// The same logical event failing under two deliveries keeps two
	// records.
	event := dlqEvent()
	require.NoError(t, h.EnqueueFailed(ctx, event, errors.New("boom"), audit.NewJobID(), "audit.events", nil))
	require.NoError(t, h.EnqueueFailed(ctx, event, errors.New("boom"), audit.NewJobID(), "audit.events", nil))

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestDLQ_WriteRetriedOnTransientStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyDLQStore{MemoryDeadLetterStore: events.NewMemoryDeadLetterStore(), failures: 2}
	h := newDLQHandler(store, nil)

	err := h.EnqueueFailed(ctx, dlqEvent(), errors.New("boom"), audit.NewJobID(), "audit.events", nil)
	require.NoError(t, err)

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDLQ_WriteFailureEscalatesAsInfrastructure(t *testing.T) {
	ctx := context.Background()
	store := &flakyDLQStore{MemoryDeadLetterStore: events.NewMemoryDeadLetterStore(), failures: 100}
	h := newDLQHandler(store, nil)

	err := h.EnqueueFailed(ctx, dlqEvent(), errors.New("boom"), audit.NewJobID(), "audit.events", nil)
	require.Error(t, err)
	assert.Equal(t, events.KindInfrastructure, events.KindOf(err))
}

func TestDLQ_AlertFiresAtThresholdWithCooldown(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryDeadLetterStore()

	cfg := events.DefaultDeadLetterHandlerConfig()
	cfg.AlertThreshold = 3
	cfg.AlertCooldown = time.Hour
	h := events.NewDeadLetterHandler(cfg, store, nil, nil)

	var mu sync.Mutex
	alerts := 0
	h.OnAlert(func(_ context.Context, _ *events.DeadLetterMetrics) {
		mu.Lock()
		alerts++
		mu.Unlock()
	})

	for i := 0; i < 6; i++ {
		require.NoError(t, h.EnqueueFailed(ctx, dlqEvent(), errors.New("boom"), audit.NewJobID(), "audit.events", nil))
	}

	// Below threshold nothing fires; at and above, the cooldown caps it
	// to a single round.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, alerts)
}

func TestDLQ_ReprocessRepublishesAndRemoves(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryDeadLetterStore()
	pub := &capturingPublisher{}
	h := newDLQHandler(store, pub)

	jobID := audit.NewJobID()
	event := dlqEvent()
	require.NoError(t, h.EnqueueFailed(ctx, event, errors.New("boom"), jobID, "audit.events", nil))

	require.NoError(t, h.Reprocess(ctx, jobID.String()))

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "audit.events", msgs[0].queueName)
	assert.Equal(t, event.Action, msgs[0].envelope.Event.Action)
	assert.Equal(t, 0, msgs[0].envelope.RetryCount)
	// A fresh delivery gets a fresh job ID.
	assert.NotEqual(t, jobID.String(), msgs[0].envelope.JobID.String())

	_, err := h.Get(ctx, jobID.String())
	assert.ErrorIs(t, err, events.ErrDeadLetterNotFound)
}

func TestDLQ_ReprocessTwiceIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryDeadLetterStore()
	pub := &capturingPublisher{}
	h := newDLQHandler(store, pub)

	jobID := audit.NewJobID()
	require.NoError(t, h.EnqueueFailed(ctx, dlqEvent(), errors.New("boom"), jobID, "audit.events", nil))

	require.NoError(t, h.Reprocess(ctx, jobID.String()))
	require.NoError(t, h.Reprocess(ctx, jobID.String()))

	assert.Len(t, pub.messages(), 1)
}

func TestDLQ_DiscardRemovesWithoutPublishing(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryDeadLetterStore()
	pub := &capturingPublisher{}
	h := newDLQHandler(store, pub)

	jobID := audit.NewJobID()
	require.NoError(t, h.EnqueueFailed(ctx, dlqEvent(), errors.New("boom"), jobID, "audit.events", nil))

	require.NoError(t, h.Discard(ctx, jobID.String()))
	assert.Empty(t, pub.messages())

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDLQ_ListFiltersAndMetrics(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryDeadLetterStore()
	h := newDLQHandler(store, nil)

	readEvent := dlqEvent()
	writeEvent := dlqEvent()
	writeEvent.Action = "fhir.patient.update"

	require.NoError(t, h.EnqueueFailed(ctx, readEvent, errors.New("timeout"), audit.NewJobID(), "audit.events", nil))
	require.NoError(t, h.EnqueueFailed(ctx, writeEvent, errors.New("timeout"), audit.NewJobID(), "audit.events", nil))
	require.NoError(t, h.EnqueueFailed(ctx, writeEvent.Clone(), errors.New("schema"), audit.NewJobID(), "audit.events", nil))

	updates, err := h.List(ctx, events.DeadLetterFilter{Action: "fhir.patient.update"})
	require.NoError(t, err)
	assert.Len(t, updates, 2)

	m, err := h.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.TotalEvents)
	assert.Equal(t, int64(3), m.EventsToday)
	require.NotEmpty(t, m.TopFailureReasons)
	assert.Equal(t, "timeout", m.TopFailureReasons[0].Reason)
	assert.Equal(t, int64(2), m.TopFailureReasons[0].Count)
}

func TestDLQ_CleanupHonorsRetention(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryDeadLetterStore()

	// Seed one stale record directly.
	stale := &events.DeadLetterRecord{
		ID:            "stale",
		Event:         dlqEvent(),
		FailureReason: "old",
		LastFailureAt: time.Now().UTC().AddDate(0, 0, -45),
	}
	require.NoError(t, store.Upsert(ctx, stale))

	h := newDLQHandler(store, nil)
	require.NoError(t, h.EnqueueFailed(ctx, dlqEvent(), errors.New("fresh"), audit.NewJobID(), "audit.events", nil))

	removed, err := h.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
