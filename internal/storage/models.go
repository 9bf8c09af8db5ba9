// Package storage implements the partitioned relational audit store:
// gorm models, the insert facade, the dead-letter store, and the
// partition manager with its maintenance scheduler.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JSONMap stores a JSON object in a jsonb column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan type %T into JSONMap", value)
	}
}

// ErrDatabaseUnavailable is returned when the connection pool has no
// database behind it.
var ErrDatabaseUnavailable = errors.New("database connection is not available")

// AuditLog is one row of the range-partitioned audit_log table.
// Partition routing happens in the database: the row lands in the
// monthly child covering its timestamp.
type AuditLog struct {
	ID                  int64      `json:"id"                              gorm:"primaryKey;autoIncrement"`
	Timestamp           time.Time  `json:"timestamp"                       gorm:"not null;index"`
	TenantID            string     `json:"tenant_id"                       gorm:"column:organization_id;index"`
	PrincipalID         string     `json:"principal_id"                    gorm:"index"`
	Action              string     `json:"action"                          gorm:"not null;index"`
	TargetType          string     `json:"target_type,omitempty"`
	TargetID            string     `json:"target_id,omitempty"`
	Status              string     `json:"status"                          gorm:"not null"`
	OutcomeDescription  string     `json:"outcome_description,omitempty"`
	Hash                string     `json:"hash,omitempty"`
	HashAlgorithm       string     `json:"hash_algorithm,omitempty"`
	EventVersion        string     `json:"event_version,omitempty"`
	CorrelationID       string     `json:"correlation_id,omitempty"`
	DataClassification  string     `json:"data_classification"`
	RetentionPolicy     string     `json:"retention_policy"`
	ProcessingLatencyMS int64      `json:"processing_latency_ms,omitempty" gorm:"column:processing_latency_ms"`
	ArchivedAt          *time.Time `json:"archived_at,omitempty"`
	Details             JSONMap    `json:"details,omitempty"               gorm:"type:jsonb"`
}

// TableName returns the parent table name.
func (AuditLog) TableName() string {
	return "audit_log"
}

// AuditIntegrityLog is one appended integrity verification record.
// AuditLogID references the parent table without a declared foreign
// key: PostgreSQL requires the partition key in any referenced unique
// constraint, which would force (id, timestamp) pairs onto every
// reference. The column is indexed instead.
type AuditIntegrityLog struct {
	ID                    int64     `json:"id"                     gorm:"primaryKey;autoIncrement"`
	AuditLogID            int64     `json:"audit_log_id"           gorm:"index"`
	VerificationTimestamp time.Time `json:"verification_timestamp" gorm:"not null"`
	Status                string    `json:"status"                 gorm:"not null"`
	ComputedHash          string    `json:"computed_hash"`
	ExpectedHash          string    `json:"expected_hash,omitempty"`
	VerifierID            string    `json:"verifier_id"`
	Details               JSONMap   `json:"details,omitempty"      gorm:"type:jsonb"`
}

// TableName returns the integrity log table name.
func (AuditIntegrityLog) TableName() string {
	return "audit_integrity_log"
}

// DeadLetterEvent is one durable dead-letter record. OriginalJobID is
// unique so repeated enqueues of the same delivery collapse onto one
// row.
type DeadLetterEvent struct {
	ID                string    `json:"id"                  gorm:"primaryKey"`
	Timestamp         time.Time `json:"ts"                  gorm:"column:ts;not null;index"`
	Action            string    `json:"action"              gorm:"index"`
	FailureReason     string    `json:"failure_reason"`
	FailureKind       string    `json:"failure_kind"`
	FailureCount      int       `json:"failure_count"`
	FirstFailureAt    time.Time `json:"first_failure_at"`
	LastFailureAt     time.Time `json:"last_failure_at"     gorm:"index"`
	OriginalJobID     string    `json:"original_job_id"     gorm:"uniqueIndex;not null"`
	OriginalQueueName string    `json:"original_queue_name"`
	OriginalEvent     JSONMap   `json:"original_event"      gorm:"type:jsonb"`
	Metadata          JSONMap   `json:"metadata,omitempty"  gorm:"type:jsonb"`
}

// TableName returns the dead letter table name.
func (DeadLetterEvent) TableName() string {
	return "dead_letter_events"
}

// RetentionPolicyRow is a named retention policy referenced by events.
type RetentionPolicyRow struct {
	ID               int64     `json:"id"                 gorm:"primaryKey;autoIncrement"`
	Name             string    `json:"name"               gorm:"uniqueIndex;not null"`
	RetentionDays    int       `json:"retention_days"     gorm:"not null"`
	ArchiveAfterDays int       `json:"archive_after_days"`
	Classification   string    `json:"classification"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the retention policy table name.
func (RetentionPolicyRow) TableName() string {
	return "audit_retention_policy"
}
