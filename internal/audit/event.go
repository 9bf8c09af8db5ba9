package audit

import (
	"errors"
	"fmt"
	"time"
)

// Status is the outcome recorded on an audit event.
type Status string

const (
	StatusAttempt Status = "attempt"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// IsValid reports whether the status is one of the known values.
func (s Status) IsValid() bool {
	switch s {
	case StatusAttempt, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// DataClassification tags the sensitivity of the data an event touches.
// PHI triggers longer retention downstream; the pipeline itself treats the
// value as opaque.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationPHI          DataClassification = "PHI"
)

// IsValid reports whether the classification is one of the known values.
func (c DataClassification) IsValid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationPHI:
		return true
	}
	return false
}

// Defaults applied by Normalize.
const (
	DefaultRetentionPolicy = "standard"
	DefaultEventVersion    = "1.0"
	DefaultHashAlgorithm   = "SHA-256"
)

// Validation errors.
var (
	ErrMissingTimestamp     = errors.New("event timestamp is required")
	ErrMissingTenant        = errors.New("event tenant ID is required")
	ErrMissingAction        = errors.New("event action is required")
	ErrInvalidStatus        = errors.New("event status is invalid")
	ErrInvalidClassification = errors.New("event data classification is invalid")
)

// Event is a single audit event flowing through the pipeline.
//
// Once an event has been persisted its hash-covered fields are immutable;
// the store never updates a committed row.
type Event struct {
	// Timestamp is when the audited action occurred, UTC, millisecond
	// precision.
	Timestamp time.Time `json:"timestamp"`

	// TenantID is the opaque organization identifier. Required.
	TenantID string `json:"tenant_id"`

	// PrincipalID identifies the acting principal, if any.
	PrincipalID string `json:"principal_id,omitempty"`

	// Action is the dotted action namespace, e.g. "fhir.patient.read".
	Action string `json:"action"`

	// TargetType and TargetID identify the acted-upon resource.
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`

	// Status records the outcome of the audited action.
	Status Status `json:"status"`

	// OutcomeDescription is a free-text outcome note.
	OutcomeDescription string `json:"outcome_description,omitempty"`

	// DataClassification tags data sensitivity. Defaults to INTERNAL.
	DataClassification DataClassification `json:"data_classification"`

	// RetentionPolicy names the retention policy applied to the event.
	RetentionPolicy string `json:"retention_policy"`

	// CorrelationID links related events across services.
	CorrelationID string `json:"correlation_id,omitempty"`

	// EventVersion is the payload schema version.
	EventVersion string `json:"event_version"`

	// Details carries arbitrary structured context. Hash canonicalization
	// sorts its keys, so map ordering never affects the hash.
	Details map[string]any `json:"details,omitempty"`

	// Hash and HashAlgorithm are assigned at insert and immutable after.
	Hash          string `json:"hash,omitempty"`
	HashAlgorithm string `json:"hash_algorithm,omitempty"`

	// ProcessingLatencyMS is the pipeline latency observed for the event.
	ProcessingLatencyMS int64 `json:"processing_latency_ms,omitempty"`
}

// Normalize fills defaulted fields and truncates the timestamp to
// millisecond precision in UTC.
func (e *Event) Normalize() {
	if !e.Timestamp.IsZero() {
		e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)
	}
	if e.DataClassification == "" {
		e.DataClassification = ClassificationInternal
	}
	if e.RetentionPolicy == "" {
		e.RetentionPolicy = DefaultRetentionPolicy
	}
	if e.EventVersion == "" {
		e.EventVersion = DefaultEventVersion
	}
}

// Validate checks the fields that must be present before an event is
// accepted into the queue.
func (e *Event) Validate() error {
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if e.TenantID == "" {
		return ErrMissingTenant
	}
	if e.Action == "" {
		return ErrMissingAction
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}
	if e.DataClassification != "" && !e.DataClassification.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidClassification, e.DataClassification)
	}
	return nil
}

// Clone returns a deep copy of the event. Details is copied one level
// deep, which is sufficient because canonical hashing never mutates
// nested values.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

// RetentionPolicy describes how long events stamped with it are kept.
type RetentionPolicySpec struct {
	Name             string             `json:"name"`
	RetentionDays    int                `json:"retention_days"`
	ArchiveAfterDays int                `json:"archive_after_days,omitempty"`
	Classification   DataClassification `json:"classification"`
	Active           bool               `json:"active"`
}

// DefaultRetentionPolicies returns the policies seeded into a fresh store.
func DefaultRetentionPolicies() []RetentionPolicySpec {
	return []RetentionPolicySpec{
		{Name: "standard", RetentionDays: 2555, Classification: ClassificationInternal, Active: true},
		{Name: "extended", RetentionDays: 3650, ArchiveAfterDays: 2555, Classification: ClassificationPHI, Active: true},
		{Name: "minimal", RetentionDays: 365, Classification: ClassificationPublic, Active: true},
	}
}
