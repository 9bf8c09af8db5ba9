package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smedrec/smart-logs-sub004/internal/audit"
	"github.com/smedrec/smart-logs-sub004/internal/events"
)

// PGDeadLetterStore is the PostgreSQL implementation of
// events.DeadLetterStore. Idempotency per original job ID is enforced
// by the unique constraint on original_job_id with an upsert.
type PGDeadLetterStore struct {
	pool pool.Pool
}

// NewDeadLetterStore creates a PostgreSQL dead-letter store.
func NewDeadLetterStore(pool pool.Pool) *PGDeadLetterStore {
	return &PGDeadLetterStore{pool: pool}
}

func (s *PGDeadLetterStore) db(ctx context.Context, readOnly bool) *gorm.DB {
	if s.pool == nil {
		return nil
	}
	return s.pool.DB(ctx, readOnly)
}

func rowFromRecord(rec *events.DeadLetterRecord) (*DeadLetterEvent, error) {
	eventJSON := JSONMap{}
	if rec.Event != nil {
		data, err := json.Marshal(rec.Event)
		if err != nil {
			return nil, fmt.Errorf("marshal original event: %w", err)
		}
		if err := json.Unmarshal(data, &eventJSON); err != nil {
			return nil, fmt.Errorf("remarshal original event: %w", err)
		}
	}

	metadata := JSONMap{
		"error_stack": rec.ErrorStack,
	}
	if len(rec.RetryHistory) > 0 {
		history := make([]any, 0, len(rec.RetryHistory))
		for _, h := range rec.RetryHistory {
			history = append(history, map[string]any{
				"attempt":       h.Attempt,
				"timestamp":     h.Timestamp.Format(time.RFC3339Nano),
				"error_message": h.ErrorMessage,
			})
		}
		metadata["retry_history"] = history
	}

	row := &DeadLetterEvent{
		ID:                rec.ID,
		Timestamp:         time.Now().UTC(),
		FailureReason:     rec.FailureReason,
		FailureKind:       string(rec.FailureKind),
		FailureCount:      rec.FailureCount,
		FirstFailureAt:    rec.FirstFailureAt,
		LastFailureAt:     rec.LastFailureAt,
		OriginalJobID:     rec.OriginalJobID.String(),
		OriginalQueueName: rec.OriginalQueueName,
		OriginalEvent:     eventJSON,
		Metadata:          metadata,
	}
	if rec.Event != nil {
		row.Action = rec.Event.Action
		row.Timestamp = rec.Event.Timestamp
	}
	return row, nil
}

func recordFromRow(row *DeadLetterEvent) (*events.DeadLetterRecord, error) {
	rec := &events.DeadLetterRecord{
		ID:                row.ID,
		FailureReason:     row.FailureReason,
		FailureKind:       events.ErrorKind(row.FailureKind),
		FailureCount:      row.FailureCount,
		FirstFailureAt:    row.FirstFailureAt,
		LastFailureAt:     row.LastFailureAt,
		OriginalQueueName: row.OriginalQueueName,
	}

	jobID, err := audit.ParseJobID(row.OriginalJobID)
	if err != nil {
		return nil, err
	}
	rec.OriginalJobID = jobID

	if len(row.OriginalEvent) > 0 {
		data, marshalErr := json.Marshal(row.OriginalEvent)
		if marshalErr != nil {
			return nil, fmt.Errorf("marshal stored event: %w", marshalErr)
		}
		var event audit.Event
		if unmarshalErr := json.Unmarshal(data, &event); unmarshalErr != nil {
			return nil, fmt.Errorf("unmarshal stored event: %w", unmarshalErr)
		}
		rec.Event = &event
	}

	if stack, ok := row.Metadata["error_stack"].(string); ok {
		rec.ErrorStack = stack
	}
	if rawHistory, ok := row.Metadata["retry_history"].([]any); ok {
		for _, item := range rawHistory {
			entry, entryOK := item.(map[string]any)
			if !entryOK {
				continue
			}
			h := events.RetryHistoryEntry{}
			if n, numOK := entry["attempt"].(float64); numOK {
				h.Attempt = int(n)
			}
			if ts, tsOK := entry["timestamp"].(string); tsOK {
				if parsed, parseErr := time.Parse(time.RFC3339Nano, ts); parseErr == nil {
					h.Timestamp = parsed
				}
			}
			if msg, msgOK := entry["error_message"].(string); msgOK {
				h.ErrorMessage = msg
			}
			rec.RetryHistory = append(rec.RetryHistory, h)
		}
	}
	return rec, nil
}

// Upsert stores the record. A conflicting original_job_id updates the
// failure bookkeeping on the existing row instead of duplicating it.
func (s *PGDeadLetterStore) Upsert(ctx context.Context, rec *events.DeadLetterRecord) error {
	db := s.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	row, err := rowFromRecord(rec)
	if err != nil {
		return err
	}

	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "original_job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"failure_reason", "failure_count", "last_failure_at", "metadata",
		}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("upsert dead letter record: %w", err)
	}
	return nil
}

// Get returns the record with the given ID.
func (s *PGDeadLetterStore) Get(ctx context.Context, id string) (*events.DeadLetterRecord, error) {
	db := s.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var row DeadLetterEvent
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, events.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("load dead letter record: %w", err)
	}
	return recordFromRow(&row)
}

// Remove deletes the record with the given ID.
func (s *PGDeadLetterStore) Remove(ctx context.Context, id string) error {
	db := s.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	res := db.Delete(&DeadLetterEvent{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete dead letter record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return events.ErrDeadLetterNotFound
	}
	return nil
}

// List returns records matching the filter, newest first.
func (s *PGDeadLetterStore) List(ctx context.Context, filter events.DeadLetterFilter) ([]*events.DeadLetterRecord, error) {
	db := s.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	q := db.Model(&DeadLetterEvent{})
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.FailureKind != "" {
		q = q.Where("failure_kind = ?", string(filter.FailureKind))
	}
	if filter.TenantID != "" {
		q = q.Where("original_event ->> 'tenant_id' = ?", filter.TenantID)
	}
	if !filter.After.IsZero() {
		q = q.Where("last_failure_at >= ?", filter.After)
	}
	if !filter.Before.IsZero() {
		q = q.Where("last_failure_at < ?", filter.Before)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []DeadLetterEvent
	if err := q.Order("last_failure_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list dead letter records: %w", err)
	}

	out := make([]*events.DeadLetterRecord, 0, len(rows))
	for i := range rows {
		rec, err := recordFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *PGDeadLetterStore) Count(ctx context.Context) (int64, error) {
	db := s.db(ctx, true)
	if db == nil {
		return 0, ErrDatabaseUnavailable
	}

	var count int64
	if err := db.Model(&DeadLetterEvent{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count dead letter records: %w", err)
	}
	return count, nil
}

// Metrics summarizes the stored records.
func (s *PGDeadLetterStore) Metrics(ctx context.Context) (*events.DeadLetterMetrics, error) {
	db := s.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	m := &events.DeadLetterMetrics{}
	if err := db.Model(&DeadLetterEvent{}).Count(&m.TotalEvents).Error; err != nil {
		return nil, fmt.Errorf("count dead letter records: %w", err)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if err := db.Model(&DeadLetterEvent{}).
		Where("last_failure_at >= ?", today).
		Count(&m.EventsToday).Error; err != nil {
		return nil, fmt.Errorf("count today's dead letters: %w", err)
	}

	var bounds struct {
		Oldest *time.Time
		Newest *time.Time
	}
	if err := db.Model(&DeadLetterEvent{}).
		Select("MIN(first_failure_at) AS oldest, MAX(first_failure_at) AS newest").
		Scan(&bounds).Error; err != nil {
		return nil, fmt.Errorf("dead letter bounds: %w", err)
	}
	m.Oldest = bounds.Oldest
	m.Newest = bounds.Newest

	var reasons []events.ReasonCount
	if err := db.Model(&DeadLetterEvent{}).
		Select("failure_reason AS reason, COUNT(*) AS count").
		Group("failure_reason").
		Order("count DESC").
		Limit(10).
		Scan(&reasons).Error; err != nil {
		return nil, fmt.Errorf("dead letter reasons: %w", err)
	}
	m.TopFailureReasons = reasons
	return m, nil
}

// DeleteOlderThan removes records whose last failure precedes cutoff.
func (s *PGDeadLetterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db := s.db(ctx, false)
	if db == nil {
		return 0, ErrDatabaseUnavailable
	}

	res := db.Delete(&DeadLetterEvent{}, "last_failure_at < ?", cutoff)
	if res.Error != nil {
		return 0, fmt.Errorf("dead letter retention delete: %w", res.Error)
	}
	return res.RowsAffected, nil
}
