package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/smedrec/smart-logs-sub004/internal/audit"
)

// VerificationStatus is the outcome of a single verification attempt.
type VerificationStatus string

const (
	// VerificationSuccess means the recomputed hash matched the stored one.
	VerificationSuccess VerificationStatus = "SUCCESS"

	// VerificationFailure means the hashes differ: the event was modified
	// after insert or the stored hash is corrupt.
	VerificationFailure VerificationStatus = "FAILURE"

	// VerificationWarning means the event carries no stored hash
	// (legacy or partially migrated data), so nothing could be compared.
	VerificationWarning VerificationStatus = "WARNING"
)

// Verification is one appended entry in the integrity verification log.
type Verification struct {
	// EventRef references the stored audit row, when known.
	EventRef int64 `json:"event_ref,omitempty"`

	VerifiedAt   time.Time          `json:"verified_at"`
	Status       VerificationStatus `json:"status"`
	ComputedHash string             `json:"computed_hash"`
	ExpectedHash string             `json:"expected_hash,omitempty"`
	VerifierID   string             `json:"verifier_id"`
	Details      map[string]any     `json:"details,omitempty"`
}

// Result is what Verify returns to the caller.
type Result struct {
	Status       VerificationStatus `json:"status"`
	ComputedHash string             `json:"computed_hash"`
	ExpectedHash string             `json:"expected_hash,omitempty"`
}

// RecordStore persists verification attempts. The log is append-only.
type RecordStore interface {
	WriteVerification(ctx context.Context, rec *Verification) error
}

// Verifier recomputes event hashes and records every verification
// attempt, successful or not.
type Verifier struct {
	store      RecordStore
	verifierID string
}

// NewVerifier creates a verifier. An empty verifierID gets a generated
// one so log entries always attribute their author.
func NewVerifier(store RecordStore, verifierID string) *Verifier {
	if verifierID == "" {
		verifierID = "verifier-" + xid.New().String()
	}
	return &Verifier{
		store:      store,
		verifierID: verifierID,
	}
}

// Enrich stamps the event with its computed hash and algorithm. Called
// once, immediately before insert.
func (v *Verifier) Enrich(e *audit.Event) {
	e.Hash = ComputeHash(e)
	e.HashAlgorithm = Algorithm
}

// Verify recomputes the event hash and compares it against the stored
// value. A verification record is written for every attempt; a record
// write failure is reported but does not change the verification outcome.
func (v *Verifier) Verify(ctx context.Context, e *audit.Event, eventRef int64) (*Result, error) {
	computed := ComputeHash(e)

	res := &Result{
		Status:       VerificationSuccess,
		ComputedHash: computed,
		ExpectedHash: e.Hash,
	}
	switch {
	case e.Hash == "":
		res.Status = VerificationWarning
	case computed != e.Hash:
		res.Status = VerificationFailure
	}

	rec := &Verification{
		EventRef:     eventRef,
		VerifiedAt:   time.Now().UTC(),
		Status:       res.Status,
		ComputedHash: computed,
		ExpectedHash: e.Hash,
		VerifierID:   v.verifierID,
	}
	if res.Status == VerificationFailure {
		rec.Details = map[string]any{
			"action":    e.Action,
			"tenant_id": e.TenantID,
		}
	}

	if v.store != nil {
		if err := v.store.WriteVerification(ctx, rec); err != nil {
			util.Log(ctx).WithError(err).Error("failed to append integrity verification record")
			return res, fmt.Errorf("write verification record: %w", err)
		}
	}

	if res.Status == VerificationFailure {
		util.Log(ctx).Warn("integrity verification failed",
			"event_ref", eventRef,
			"expected", e.Hash,
			"computed", computed)
	}

	return res, nil
}
