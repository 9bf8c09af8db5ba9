package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/time/rate"

	"github.com/smedrec/smart-logs-sub004/internal/audit"
)

// DLQ errors.
var (
	ErrDeadLetterNotFound = errors.New("dead letter record not found")
)

// DLQ defaults.
const (
	DefaultDLQAlertThreshold   = 10
	DefaultDLQAlertCooldown    = 5 * time.Minute
	DefaultDLQMaxRetentionDays = 30

	// dlqWriteRetries bounds the internal retry of a DLQ write before
	// the failure is escalated to the caller.
	dlqWriteRetries = 3
)

// RetryHistoryEntry is one attempt carried into the DLQ record.
type RetryHistoryEntry struct {
	Attempt      int       `json:"attempt"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage string    `json:"error_message"`
}

// DeadLetterRecord is the durable record of a permanently failed event.
type DeadLetterRecord struct {
	// ID is the storage identifier, derived from the original job ID so
	// that duplicate enqueues collapse onto one record.
	ID string `json:"id"`

	Event *audit.Event `json:"event"`

	FailureReason  string    `json:"failure_reason"`
	FailureKind    ErrorKind `json:"failure_kind"`
	FailureCount   int       `json:"failure_count"`
	FirstFailureAt time.Time `json:"first_failure_at"`
	LastFailureAt  time.Time `json:"last_failure_at"`

	OriginalJobID     audit.JobID `json:"original_job_id"`
	OriginalQueueName string      `json:"original_queue_name"`

	ErrorStack   string              `json:"error_stack,omitempty"`
	RetryHistory []RetryHistoryEntry `json:"retry_history,omitempty"`
}

// DeadLetterMetrics summarizes the DLQ contents.
type DeadLetterMetrics struct {
	TotalEvents       int64          `json:"total_events"`
	EventsToday       int64          `json:"events_today"`
	Oldest            *time.Time     `json:"oldest,omitempty"`
	Newest            *time.Time     `json:"newest,omitempty"`
	TopFailureReasons []ReasonCount  `json:"top_failure_reasons"`
}

// ReasonCount pairs a failure reason with its occurrence count.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// DeadLetterFilter narrows List results.
type DeadLetterFilter struct {
	TenantID    string    `json:"tenant_id,omitempty"`
	Action      string    `json:"action,omitempty"`
	FailureKind ErrorKind `json:"failure_kind,omitempty"`
	After       time.Time `json:"after,omitzero"`
	Before      time.Time `json:"before,omitzero"`
	Limit       int       `json:"limit,omitempty"`
	Offset      int       `json:"offset,omitempty"`
}

// DeadLetterStore persists dead letter records. Upsert must be
// idempotent per original job ID; implementations back this with a
// unique constraint or keyed map.
type DeadLetterStore interface {
	Upsert(ctx context.Context, rec *DeadLetterRecord) error
	Get(ctx context.Context, id string) (*DeadLetterRecord, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterRecord, error)
	Count(ctx context.Context) (int64, error)
	Metrics(ctx context.Context) (*DeadLetterMetrics, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertFunc is invoked when the DLQ size crosses the alert threshold.
type AlertFunc func(ctx context.Context, metrics *DeadLetterMetrics)

// DeadLetterHandlerConfig configures the handler.
type DeadLetterHandlerConfig struct {
	// SourceQueueName is where reprocessed events are re-published.
	SourceQueueName string

	// AlertThreshold fires alert callbacks when the DLQ size reaches it.
	AlertThreshold int

	// AlertCooldown is the minimum gap between alert rounds.
	AlertCooldown time.Duration

	// MaxRetentionDays bounds how long records are kept.
	MaxRetentionDays int
}

// DefaultDeadLetterHandlerConfig returns the default configuration.
func DefaultDeadLetterHandlerConfig() DeadLetterHandlerConfig {
	return DeadLetterHandlerConfig{
		SourceQueueName:  DefaultQueueName,
		AlertThreshold:   DefaultDLQAlertThreshold,
		AlertCooldown:    DefaultDLQAlertCooldown,
		MaxRetentionDays: DefaultDLQMaxRetentionDays,
	}
}

// DeadLetterHandler persists permanently failed events and exposes the
// operator surface over them: inspection, reprocessing and retention.
type DeadLetterHandler struct {
	cfg       DeadLetterHandlerConfig
	store     DeadLetterStore
	publisher *QueuePublisher
	metrics   *Collector

	alertMu      sync.Mutex
	alerts       []AlertFunc
	alertLimiter *rate.Limiter
}

// NewDeadLetterHandler creates a handler. publisher may be nil when
// reprocessing is not wired (tests); metrics may be nil.
func NewDeadLetterHandler(cfg DeadLetterHandlerConfig, store DeadLetterStore, publisher *QueuePublisher, metrics *Collector) *DeadLetterHandler {
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = DefaultDLQAlertThreshold
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = DefaultDLQAlertCooldown
	}
	if cfg.MaxRetentionDays <= 0 {
		cfg.MaxRetentionDays = DefaultDLQMaxRetentionDays
	}
	if cfg.SourceQueueName == "" {
		cfg.SourceQueueName = DefaultQueueName
	}
	return &DeadLetterHandler{
		cfg:          cfg,
		store:        store,
		publisher:    publisher,
		metrics:      metrics,
		alertLimiter: rate.NewLimiter(rate.Every(cfg.AlertCooldown), 1),
	}
}

// OnAlert registers a callback fired when the DLQ size crosses the
// threshold, subject to the cooldown.
func (h *DeadLetterHandler) OnAlert(fn AlertFunc) {
	h.alertMu.Lock()
	defer h.alertMu.Unlock()
	h.alerts = append(h.alerts, fn)
}

// EnqueueFailed durably records a permanently failed event. The write
// is retried a bounded number of times; an ultimate failure is logged
// at ERROR, alerted, and returned as an infrastructure error so the
// caller does not ack the source job. Idempotent per original job ID.
func (h *DeadLetterHandler) EnqueueFailed(
	ctx context.Context,
	event *audit.Event,
	cause error,
	jobID audit.JobID,
	queueName string,
	history []RetryHistoryEntry,
) error {
	now := time.Now().UTC()

	rec := &DeadLetterRecord{
		ID:                jobID.String(),
		Event:             event,
		FailureReason:     cause.Error(),
		FailureKind:       KindOf(cause),
		FailureCount:      len(history),
		LastFailureAt:     now,
		OriginalJobID:     jobID,
		OriginalQueueName: queueName,
		ErrorStack:        fmt.Sprintf("%+v", cause),
		RetryHistory:      history,
	}
	if rec.FailureCount == 0 {
		rec.FailureCount = 1
	}
	if len(history) > 0 {
		rec.FirstFailureAt = history[0].Timestamp
	} else {
		rec.FirstFailureAt = now
	}

	writeCfg := RetryConfig{
		MaxRetries:                 dlqWriteRetries,
		Strategy:                   StrategyFixed,
		BaseDelayMS:                100,
		MaxDelayMS:                 100,
		RetryableCodes:             DefaultRetryableCodes(),
		RetryableMessageSubstrings: DefaultRetryableSubstrings(),
	}
	_, err := Run(ctx, writeCfg, func(ctx context.Context) error {
		return h.store.Upsert(ctx, rec)
	})
	if err != nil {
		log := util.Log(ctx)
		log.WithError(err).Error("dead letter write failed, original failure would be lost",
			"job_id", jobID.String(),
			"failure_reason", rec.FailureReason)
		h.fireAlerts(ctx)
		return NewInfrastructure("dead letter write failed", err)
	}

	if h.metrics != nil {
		h.metrics.RecordDeadLetter()
	}

	util.Log(ctx).Warn("event routed to dead letter queue",
		"job_id", jobID.String(),
		"action", event.Action,
		"failure_kind", string(rec.FailureKind),
		"failure_count", rec.FailureCount)

	h.maybeAlert(ctx)
	return nil
}

// maybeAlert fires the alert callbacks when the DLQ size has reached
// the threshold and the cooldown allows another round.
func (h *DeadLetterHandler) maybeAlert(ctx context.Context) {
	count, err := h.store.Count(ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not count DLQ records for alerting")
		return
	}
	if count < int64(h.cfg.AlertThreshold) {
		return
	}
	if !h.alertLimiter.Allow() {
		return
	}
	h.fireAlerts(ctx)
}

func (h *DeadLetterHandler) fireAlerts(ctx context.Context) {
	h.alertMu.Lock()
	alerts := make([]AlertFunc, len(h.alerts))
	copy(alerts, h.alerts)
	h.alertMu.Unlock()

	if len(alerts) == 0 {
		return
	}

	m, err := h.store.Metrics(ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not load DLQ metrics for alerting")
		m = &DeadLetterMetrics{}
	}
	for _, fn := range alerts {
		fn(ctx, m)
	}
}

// Metrics returns the DLQ summary.
func (h *DeadLetterHandler) Metrics(ctx context.Context) (*DeadLetterMetrics, error) {
	return h.store.Metrics(ctx)
}

// Count returns the number of records currently in the DLQ.
func (h *DeadLetterHandler) Count(ctx context.Context) (int64, error) {
	return h.store.Count(ctx)
}

// List returns DLQ records matching the filter.
func (h *DeadLetterHandler) List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterRecord, error) {
	return h.store.List(ctx, filter)
}

// Get returns a single DLQ record.
func (h *DeadLetterHandler) Get(ctx context.Context, id string) (*DeadLetterRecord, error) {
	return h.store.Get(ctx, id)
}

// Reprocess removes the record and re-publishes its event onto the
// source queue with a fresh job ID and a reset retry count. Calling it
// again for the same ID is a no-op.
func (h *DeadLetterHandler) Reprocess(ctx context.Context, id string) error {
	rec, err := h.store.Get(ctx, id)
	if errors.Is(err, ErrDeadLetterNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load dead letter record: %w", err)
	}
	if h.publisher == nil {
		return fmt.Errorf("no publisher configured for reprocessing")
	}

	env := NewEnvelope(h.cfg.SourceQueueName, rec.Event)
	if publishErr := h.publisher.Publish(ctx, h.cfg.SourceQueueName, env); publishErr != nil {
		return fmt.Errorf("republish dead letter event: %w", publishErr)
	}

	if removeErr := h.store.Remove(ctx, id); removeErr != nil && !errors.Is(removeErr, ErrDeadLetterNotFound) {
		return fmt.Errorf("remove dead letter record: %w", removeErr)
	}

	util.Log(ctx).Info("reprocessed dead letter record",
		"record_id", id,
		"new_job_id", env.JobID.String(),
		"target_queue", h.cfg.SourceQueueName)
	return nil
}

// Discard removes a record without reprocessing it.
func (h *DeadLetterHandler) Discard(ctx context.Context, id string) error {
	err := h.store.Remove(ctx, id)
	if errors.Is(err, ErrDeadLetterNotFound) {
		return nil
	}
	return err
}

// Cleanup removes records older than the retention window.
func (h *DeadLetterHandler) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -h.cfg.MaxRetentionDays)
	removed, err := h.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dead letter cleanup: %w", err)
	}
	if removed > 0 {
		util.Log(ctx).Info("dead letter retention cleanup", "removed", removed)
	}
	return removed, nil
}

// MemoryDeadLetterStore is a mutex-guarded in-memory DeadLetterStore,
// used in tests and in deployments without a relational store.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	records map[string]*DeadLetterRecord
}

// NewMemoryDeadLetterStore creates an empty in-memory store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{records: make(map[string]*DeadLetterRecord)}
}

// Upsert stores the record, merging failure counts when the same job ID
// arrives twice.
func (s *MemoryDeadLetterStore) Upsert(_ context.Context, rec *DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.ID]; ok {
		existing.LastFailureAt = rec.LastFailureAt
		existing.FailureReason = rec.FailureReason
		return nil
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

// Get returns the record with the given ID.
func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (*DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrDeadLetterNotFound
	}
	cp := *rec
	return &cp, nil
}

// Remove deletes the record with the given ID.
func (s *MemoryDeadLetterStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrDeadLetterNotFound
	}
	delete(s.records, id)
	return nil
}

// List returns records matching the filter, newest first.
func (s *MemoryDeadLetterStore) List(_ context.Context, filter DeadLetterFilter) ([]*DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DeadLetterRecord
	for _, rec := range s.records {
		if filter.TenantID != "" && (rec.Event == nil || rec.Event.TenantID != filter.TenantID) {
			continue
		}
		if filter.Action != "" && (rec.Event == nil || rec.Event.Action != filter.Action) {
			continue
		}
		if filter.FailureKind != "" && rec.FailureKind != filter.FailureKind {
			continue
		}
		if !filter.After.IsZero() && rec.LastFailureAt.Before(filter.After) {
			continue
		}
		if !filter.Before.IsZero() && rec.LastFailureAt.After(filter.Before) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastFailureAt.After(out[j].LastFailureAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *MemoryDeadLetterStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// Metrics summarizes the stored records.
func (s *MemoryDeadLetterStore) Metrics(_ context.Context) (*DeadLetterMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &DeadLetterMetrics{TotalEvents: int64(len(s.records))}
	reasons := make(map[string]int64)
	today := time.Now().UTC().Truncate(24 * time.Hour)

	for _, rec := range s.records {
		reasons[rec.FailureReason]++
		if !rec.LastFailureAt.Before(today) {
			m.EventsToday++
		}
		at := rec.FirstFailureAt
		if m.Oldest == nil || at.Before(*m.Oldest) {
			t := at
			m.Oldest = &t
		}
		if m.Newest == nil || at.After(*m.Newest) {
			t := at
			m.Newest = &t
		}
	}

	for reason, count := range reasons {
		m.TopFailureReasons = append(m.TopFailureReasons, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(m.TopFailureReasons, func(i, j int) bool {
		if m.TopFailureReasons[i].Count != m.TopFailureReasons[j].Count {
			return m.TopFailureReasons[i].Count > m.TopFailureReasons[j].Count
		}
		return m.TopFailureReasons[i].Reason < m.TopFailureReasons[j].Reason
	})
	if len(m.TopFailureReasons) > 10 {
		m.TopFailureReasons = m.TopFailureReasons[:10]
	}
	return m, nil
}

// DeleteOlderThan removes records whose last failure precedes cutoff.
func (s *MemoryDeadLetterStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.records {
		if rec.LastFailureAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
