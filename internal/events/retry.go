package events

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects the backoff curve between attempts.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// RetryConfig defines retry behavior for a guarded operation.
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the initial try,
	// so the total number of tries is MaxRetries+1. Zero disables retry.
	MaxRetries int `json:"max_retries"`

	// Strategy selects the backoff curve.
	Strategy Strategy `json:"strategy"`

	// BaseDelayMS is the first retry delay in milliseconds.
	BaseDelayMS int `json:"base_delay_ms"`

	// MaxDelayMS caps the computed delay before jitter.
	MaxDelayMS int `json:"max_delay_ms"`

	// Jitter multiplies the delay by a uniform factor in [0.9, 1.1]
	// to avoid synchronized retries.
	Jitter bool `json:"jitter"`

	// RetryableCodes are error codes treated as transient.
	RetryableCodes []string `json:"retryable_codes,omitempty"`

	// RetryableMessageSubstrings are matched case-insensitively against
	// error messages when no code matches.
	RetryableMessageSubstrings []string `json:"retryable_message_substrings,omitempty"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:                 5,
		Strategy:                   StrategyExponential,
		BaseDelayMS:                1000,
		MaxDelayMS:                 30000,
		Jitter:                     true,
		RetryableCodes:             DefaultRetryableCodes(),
		RetryableMessageSubstrings: DefaultRetryableSubstrings(),
	}
}

// Delay computes the backoff before retry attempt n (1-based): the cap
// is applied after the strategy formula, jitter after the cap.
func (c RetryConfig) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}

	var delay float64
	switch c.Strategy {
	case StrategyLinear:
		delay = float64(c.BaseDelayMS) * float64(n)
	case StrategyFixed:
		delay = float64(c.BaseDelayMS)
	default:
		delay = float64(c.BaseDelayMS) * math.Pow(2, float64(n-1))
	}

	if delay > float64(c.MaxDelayMS) {
		delay = float64(c.MaxDelayMS)
	}

	if c.Jitter {
		delay *= 0.9 + rand.Float64()*0.2
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay) * time.Millisecond
}

// Attempt records a single try of the guarded operation.
type Attempt struct {
	// Number is the 1-based attempt counter.
	Number int `json:"attempt"`

	// DelayMS is the backoff waited before this attempt (0 for the
	// initial try).
	DelayMS int64 `json:"delay_ms"`

	// Error is the failure message, empty on success.
	Error string `json:"error,omitempty"`

	// At is when the attempt started.
	At time.Time `json:"at"`

	// Cancelled marks an attempt record appended when the caller's
	// context fired during a pending backoff.
	Cancelled bool `json:"cancelled,omitempty"`
}

// RetryResult reports the full attempt history of one Run call.
type RetryResult struct {
	Attempts []Attempt `json:"attempts"`
	TotalMS  int64     `json:"total_ms"`
}

// Retries returns how many attempts beyond the first were made.
func (r *RetryResult) Retries() int {
	if len(r.Attempts) <= 1 {
		return 0
	}
	return len(r.Attempts) - 1
}

// Run drives op through the bounded retry loop. It returns nil on any
// successful try. A non-retryable error short-circuits the loop as a
// permanent failure; an exhausted budget returns a retry-exhausted
// error wrapping the last cause. The budget is checked before waiting
// out the next backoff, and a context cancellation aborts a pending
// backoff immediately with a cancelled attempt record.
func Run(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) (*RetryResult, error) {
	started := time.Now()
	result := &RetryResult{}

	var delay time.Duration
	for attempt := 1; ; attempt++ {
		rec := Attempt{
			Number:  attempt,
			DelayMS: delay.Milliseconds(),
			At:      time.Now().UTC(),
		}

		err := op(ctx)
		if err == nil {
			result.Attempts = append(result.Attempts, rec)
			result.TotalMS = time.Since(started).Milliseconds()
			return result, nil
		}

		rec.Error = err.Error()
		result.Attempts = append(result.Attempts, rec)

		if !isRetryable(err, cfg.RetryableCodes, cfg.RetryableMessageSubstrings) {
			result.TotalMS = time.Since(started).Milliseconds()
			return result, &ProcessingError{
				Kind:    KindPermanent,
				Code:    CodeOf(err),
				Message: "non-retryable failure",
				Cause:   err,
			}
		}

		if attempt > cfg.MaxRetries {
			result.TotalMS = time.Since(started).Milliseconds()
			return result, &ProcessingError{
				Kind:    KindRetryExhausted,
				Code:    CodeOf(err),
				Message: "retry budget exhausted",
				Cause:   err,
			}
		}

		delay = cfg.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Attempts = append(result.Attempts, Attempt{
				Number:    attempt + 1,
				DelayMS:   delay.Milliseconds(),
				At:        time.Now().UTC(),
				Error:     ctx.Err().Error(),
				Cancelled: true,
			})
			result.TotalMS = time.Since(started).Milliseconds()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}
