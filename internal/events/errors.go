// Package events implements the reliable audit event processor: retry
// engine, circuit breaker, dead-letter handling, metrics and the worker
// pool that composes them around the storage sink.
package events

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a processing failure for routing decisions.
type ErrorKind string

const (
	// KindTransient marks a temporary network or database failure that
	// is worth retrying.
	KindTransient ErrorKind = "transient"

	// KindPermanent marks a failure that retrying cannot fix
	// (validation, schema mismatch, unauthorized).
	KindPermanent ErrorKind = "permanent"

	// KindCircuitOpen marks a fast-fail produced while the breaker is
	// open or already probing.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindRetryExhausted wraps the last transient cause once the retry
	// budget is spent.
	KindRetryExhausted ErrorKind = "retry_exhausted"

	// KindInfrastructure marks pipeline-internal failures: DLQ write,
	// partition creation, integrity-store writes.
	KindInfrastructure ErrorKind = "infrastructure"
)

// ProcessingError is the typed failure value propagated through the
// pipeline. Code carries the machine-readable error code when the
// underlying failure had one.
type ProcessingError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	switch {
	case e.Code != "" && e.Cause != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Message, e.Code, e.Cause)
	case e.Code != "":
		return fmt.Sprintf("%s [%s]", e.Message, e.Code)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	default:
		return e.Message
	}
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the machine-readable code, satisfying the Coder
// interface so classification sees through wrapping.
func (e *ProcessingError) ErrorCode() string {
	return e.Code
}

// NewTransient builds a transient processing error.
func NewTransient(code, message string, cause error) *ProcessingError {
	return &ProcessingError{Kind: KindTransient, Code: code, Message: message, Cause: cause}
}

// NewPermanent builds a permanent processing error.
func NewPermanent(code, message string, cause error) *ProcessingError {
	return &ProcessingError{Kind: KindPermanent, Code: code, Message: message, Cause: cause}
}

// NewInfrastructure builds an infrastructure processing error.
func NewInfrastructure(message string, cause error) *ProcessingError {
	return &ProcessingError{Kind: KindInfrastructure, Message: message, Cause: cause}
}

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the operation.
var ErrCircuitOpen = &ProcessingError{Kind: KindCircuitOpen, Code: "EBREAKEROPEN", Message: "circuit breaker is open"}

// KindOf reports the classification of err, defaulting to transient for
// untyped errors so that plain handler failures keep their retry chance.
func KindOf(err error) ErrorKind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// Coder is implemented by errors carrying a machine-readable code, such
// as the errno-style codes surfaced by network and driver failures.
type Coder interface {
	ErrorCode() string
}

// CodeOf extracts the error code from err or any wrapped cause. Wrappers
// without a code of their own are skipped.
func CodeOf(err error) string {
	for err != nil {
		if c, ok := err.(Coder); ok {
			if code := c.ErrorCode(); code != "" {
				return code
			}
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// DefaultRetryableCodes are the error codes treated as transient.
func DefaultRetryableCodes() []string {
	return []string{
		"ECONNRESET",
		"ETIMEDOUT",
		"ENOTFOUND",
		"ECONNREFUSED",
		"EHOSTUNREACH",
		"ENETUNREACH",
		"EAI_AGAIN",
		"EPIPE",
		"ECONNABORTED",
	}
}

// DefaultRetryableSubstrings are matched case-insensitively against the
// error message when no code matches.
func DefaultRetryableSubstrings() []string {
	return []string{
		"connection",
		"timeout",
		"network",
		"unavailable",
		"temporary",
	}
}

// isRetryable reports whether err qualifies for another attempt: its
// code is in codes, or its lowercased message contains one of the
// substrings. A ProcessingError already classified as permanent never
// retries regardless of message content.
func isRetryable(err error, codes, substrings []string) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindPermanent, KindCircuitOpen:
			return false
		}
	}

	if code := CodeOf(err); code != "" {
		for _, c := range codes {
			if c == code {
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range substrings {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
