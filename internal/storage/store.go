package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/util"
	"gorm.io/gorm"

	"github.com/smedrec/smart-logs-sub004/internal/audit"
	"github.com/smedrec/smart-logs-sub004/internal/integrity"
)

// Store is the audit store facade over the partitioned audit_log
// table: it enriches events with their integrity hash, routes them
// into the right monthly partition and appends integrity records.
type Store struct {
	pool       pool.Pool
	partitions *PartitionManager
}

// NewStore creates the facade. partitions may be nil, in which case
// inserts rely on pre-created partitions only.
func NewStore(pool pool.Pool, partitions *PartitionManager) *Store {
	return &Store{
		pool:       pool,
		partitions: partitions,
	}
}

func (s *Store) db(ctx context.Context, readOnly bool) *gorm.DB {
	if s.pool == nil {
		return nil
	}
	return s.pool.DB(ctx, readOnly)
}

// Insert persists the event, computing its hash first when it does not
// carry one. When the event's timestamp falls outside every existing
// partition, the missing partition is created before the insert.
// Implements events.Sink.
func (s *Store) Insert(ctx context.Context, event *audit.Event) (int64, error) {
	db := s.db(ctx, false)
	if db == nil {
		return 0, ErrDatabaseUnavailable
	}

	event.Normalize()
	if err := event.Validate(); err != nil {
		return 0, fmt.Errorf("invalid audit event: %w", err)
	}
	if event.Hash == "" {
		event.Hash = integrity.ComputeHash(event)
		event.HashAlgorithm = integrity.Algorithm
	}

	row := rowFromEvent(event)

	err := db.Create(row).Error
	if err != nil && isMissingPartition(err) && s.partitions != nil {
		if ensureErr := s.partitions.EnsurePartitionFor(ctx, event.Timestamp); ensureErr != nil {
			return 0, fmt.Errorf("create partition for %s: %w", event.Timestamp.Format("2006-01"), ensureErr)
		}
		err = db.Create(row).Error
	}
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return row.ID, nil
}

// isMissingPartition detects the PostgreSQL error raised when no child
// partition covers the inserted key.
func isMissingPartition(err error) bool {
	return strings.Contains(err.Error(), "no partition of relation")
}

func rowFromEvent(e *audit.Event) *AuditLog {
	return &AuditLog{
		Timestamp:           e.Timestamp,
		TenantID:            e.TenantID,
		PrincipalID:         e.PrincipalID,
		Action:              e.Action,
		TargetType:          e.TargetType,
		TargetID:            e.TargetID,
		Status:              string(e.Status),
		OutcomeDescription:  e.OutcomeDescription,
		Hash:                e.Hash,
		HashAlgorithm:       e.HashAlgorithm,
		EventVersion:        e.EventVersion,
		CorrelationID:       e.CorrelationID,
		DataClassification:  string(e.DataClassification),
		RetentionPolicy:     e.RetentionPolicy,
		ProcessingLatencyMS: e.ProcessingLatencyMS,
		Details:             JSONMap(e.Details),
	}
}

// eventFromRow rebuilds the domain event from a stored row.
func eventFromRow(r *AuditLog) *audit.Event {
	return &audit.Event{
		Timestamp:           r.Timestamp.UTC(),
		TenantID:            r.TenantID,
		PrincipalID:         r.PrincipalID,
		Action:              r.Action,
		TargetType:          r.TargetType,
		TargetID:            r.TargetID,
		Status:              audit.Status(r.Status),
		OutcomeDescription:  r.OutcomeDescription,
		Hash:                r.Hash,
		HashAlgorithm:       r.HashAlgorithm,
		EventVersion:        r.EventVersion,
		CorrelationID:       r.CorrelationID,
		DataClassification:  audit.DataClassification(r.DataClassification),
		RetentionPolicy:     r.RetentionPolicy,
		ProcessingLatencyMS: r.ProcessingLatencyMS,
		Details:             map[string]any(r.Details),
	}
}

// WriteVerification appends an integrity verification record.
// Implements integrity.RecordStore.
func (s *Store) WriteVerification(ctx context.Context, rec *integrity.Verification) error {
	db := s.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	row := &AuditIntegrityLog{
		AuditLogID:            rec.EventRef,
		VerificationTimestamp: rec.VerifiedAt,
		Status:                string(rec.Status),
		ComputedHash:          rec.ComputedHash,
		ExpectedHash:          rec.ExpectedHash,
		VerifierID:            rec.VerifierID,
		Details:               JSONMap(rec.Details),
	}
	if err := db.Create(row).Error; err != nil {
		return fmt.Errorf("write integrity record: %w", err)
	}
	return nil
}

// QueryFilter narrows audit event reads. All fields combine with AND.
type QueryFilter struct {
	TenantID    string
	PrincipalID string
	Action      string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// Query returns stored events matching the filter, newest first. The
// read path exists for operators and verification sweeps; it is not on
// the ingestion path.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]*audit.Event, []int64, error) {
	db := s.db(ctx, true)
	if db == nil {
		return nil, nil, ErrDatabaseUnavailable
	}

	q := db.Model(&AuditLog{})
	if filter.TenantID != "" {
		q = q.Where("organization_id = ?", filter.TenantID)
	}
	if filter.PrincipalID != "" {
		q = q.Where("principal_id = ?", filter.PrincipalID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if !filter.From.IsZero() {
		q = q.Where("timestamp >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("timestamp < ?", filter.To)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []AuditLog
	if err := q.Order("timestamp DESC").Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("query audit events: %w", err)
	}

	events := make([]*audit.Event, 0, len(rows))
	refs := make([]int64, 0, len(rows))
	for i := range rows {
		events = append(events, eventFromRow(&rows[i]))
		refs = append(refs, rows[i].ID)
	}
	return events, refs, nil
}

// VerifyRange re-verifies stored events in the given window using the
// verifier, returning how many rows failed verification. Used by
// compliance sweeps.
func (s *Store) VerifyRange(ctx context.Context, verifier *integrity.Verifier, filter QueryFilter) (int, error) {
	events, refs, err := s.Query(ctx, filter)
	if err != nil {
		return 0, err
	}

	var failures int
	for i, event := range events {
		res, verifyErr := verifier.Verify(ctx, event, refs[i])
		if verifyErr != nil {
			return failures, verifyErr
		}
		if res.Status == integrity.VerificationFailure {
			failures++
		}
	}
	if failures > 0 {
		util.Log(ctx).Warn("integrity sweep found failures",
			"checked", len(events),
			"failures", failures)
	}
	return failures, nil
}

// SeedRetentionPolicies inserts the default retention policies that do
// not already exist.
func (s *Store) SeedRetentionPolicies(ctx context.Context) error {
	db := s.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	for _, spec := range audit.DefaultRetentionPolicies() {
		var existing RetentionPolicyRow
		err := db.Where("name = ?", spec.Name).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check retention policy %s: %w", spec.Name, err)
		}

		row := &RetentionPolicyRow{
			Name:             spec.Name,
			RetentionDays:    spec.RetentionDays,
			ArchiveAfterDays: spec.ArchiveAfterDays,
			Classification:   string(spec.Classification),
			Active:           spec.Active,
			CreatedAt:        time.Now(),
			UpdatedAt:        time.Now(),
		}
		if createErr := db.Create(row).Error; createErr != nil {
			return fmt.Errorf("seed retention policy %s: %w", spec.Name, createErr)
		}
	}
	return nil
}

// RetentionPolicy returns the named policy.
func (s *Store) RetentionPolicy(ctx context.Context, name string) (*audit.RetentionPolicySpec, error) {
	db := s.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var row RetentionPolicyRow
	if err := db.Where("name = ? AND active = ?", name, true).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("retention policy %q not found", name)
		}
		return nil, fmt.Errorf("load retention policy: %w", err)
	}
	return &audit.RetentionPolicySpec{
		Name:             row.Name,
		RetentionDays:    row.RetentionDays,
		ArchiveAfterDays: row.ArchiveAfterDays,
		Classification:   audit.DataClassification(row.Classification),
		Active:           row.Active,
	}, nil
}
