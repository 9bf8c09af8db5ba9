// Package audit defines the audit event domain model shared by the
// processing pipeline and the partitioned store.
package audit

import (
	"encoding/json"
	"fmt"

	"github.com/rs/xid"
)

// XID provides globally unique, sortable identifiers.
// Format: 20 characters, base32-hex encoded, 12 bytes.
//
// Properties:
//   - Sortable by creation time
//   - No coordination required
//   - URL-safe (base32-hex)
//   - Smaller than UUID (20 chars vs 36)

// EventID identifies a single audit event in flight.
type EventID struct {
	id xid.ID
}

// NewEventID generates a new event ID.
func NewEventID() EventID {
	return EventID{id: xid.New()}
}

// ParseEventID parses an event ID from string.
func ParseEventID(s string) (EventID, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event ID %q: %w", s, err)
	}
	return EventID{id: id}, nil
}

// String returns the string representation.
func (e EventID) String() string {
	return e.id.String()
}

// IsZero reports whether the ID is unset.
func (e EventID) IsZero() bool {
	return e.id.IsZero()
}

// MarshalJSON serializes the ID as a string.
func (e EventID) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.id.String())
}

// UnmarshalJSON deserializes the ID from a string.
func (e *EventID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*e = EventID{}
		return nil
	}
	id, err := xid.FromString(s)
	if err != nil {
		return fmt.Errorf("invalid event ID %q: %w", s, err)
	}
	e.id = id
	return nil
}

// JobID identifies a queue delivery. A logical event submitted twice
// carries two distinct job IDs and produces two rows; deduplication is
// applied only on the dead-letter path.
type JobID struct {
	id xid.ID
}

// NewJobID generates a new job ID.
func NewJobID() JobID {
	return JobID{id: xid.New()}
}

// ParseJobID parses a job ID from string.
func ParseJobID(s string) (JobID, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return JobID{}, fmt.Errorf("invalid job ID %q: %w", s, err)
	}
	return JobID{id: id}, nil
}

// String returns the string representation.
func (j JobID) String() string {
	return j.id.String()
}

// IsZero reports whether the ID is unset.
func (j JobID) IsZero() bool {
	return j.id.IsZero()
}

// MarshalJSON serializes the ID as a string.
func (j JobID) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.id.String())
}

// UnmarshalJSON deserializes the ID from a string.
func (j *JobID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*j = JobID{}
		return nil
	}
	id, err := xid.FromString(s)
	if err != nil {
		return fmt.Errorf("invalid job ID %q: %w", s, err)
	}
	j.id = id
	return nil
}
