// Package retry provides the shared retry coordinator: exponential backoff with
// jitter, used by the bus producer, channel workers, and fallback replay.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior. Keep it as an explicit value passed into each
// call site; there is no process-wide mutable configuration.
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts (0 = no retries)
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// Jitter is the fraction of the raw backoff applied as random jitter (±10%).
const Jitter = 0.10

// DefaultConfig returns the pipeline-wide default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		BackoffFactor:  2.0,
	}
}

// PermanentError marks an error that must never be retried (bad address,
// authentication failure, any 4xx other than 429).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return "permanent: " + e.Reason + ": " + e.Err.Error()
	}
	return "permanent: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(reason string, err error) *PermanentError {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsRetryable checks if an error is retryable (transient).
// Network errors, rate limits, and temporary service unavailability are
// retryable. Typed permanent errors and the permanent taxonomy are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Permanent failures
	nonRetryable := []string{
		"not verified",         // SES sandbox - recipient not verified
		"validation error",     // Invalid input
		"invalid",              // Invalid request
		"malformed",            // Bad request format
		"unauthorized",         // Auth failure
		"authentication",       // Auth failure
		"forbidden",            // Provider rejected the credentials
		"address is empty",     // Missing required field
		"recipient is required", // Missing required field
	}
	for _, s := range nonRetryable {
		if strings.Contains(errStr, s) {
			return false
		}
	}

	// Transient failures
	retryable := []string{
		"timeout",            // Network timeout
		"connection refused", // Service temporarily unavailable
		"connection reset",   // Network hiccup
		"broken pipe",        // Network hiccup
		"temporary",          // Explicit temporary error
		"rate limit",         // Rate limiting
		"throttl",            // Throttling
		"429",                // Too many requests
		"502",                // Bad gateway
		"503",                // Service unavailable
		"504",                // Gateway timeout
		"too many requests",  // Rate limiting
		"try again",          // Server suggests retry
		"unavailable",        // Provider down
		"leader not available", // Kafka partition leadership in flux
	}
	for _, s := range retryable {
		if strings.Contains(errStr, s) {
			return true
		}
	}

	// Default: don't retry unknown errors
	return false
}

// CalculateBackoff returns the delay before the given 0-based attempt:
// min(initial * factor^attempt, max) with ±10% jitter. Monotonically
// non-decreasing in attempt up to MaxBackoff (modulo jitter).
func CalculateBackoff(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffFactor, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}

	jitter := backoff * Jitter * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}

// WithRetry executes fn up to MaxRetries+1 times, sleeping the computed backoff
// between attempts. Retries every error; callers that must short-circuit on
// permanent failures use WithRetryIfRetryable.
func WithRetry(ctx context.Context, cfg Config, operation string, fn func() error) error {
	return run(ctx, cfg, operation, fn, false)
}

// WithRetryIfRetryable wraps WithRetry and short-circuits as soon as the error
// is classified permanent by IsRetryable.
func WithRetryIfRetryable(ctx context.Context, cfg Config, operation string, fn func() error) error {
	return run(ctx, cfg, operation, fn, true)
}

func run(ctx context.Context, cfg Config, operation string, fn func() error, classify bool) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 {
				slog.Info("Operation succeeded after retry",
					"operation", operation,
					"attempt", attempt+1,
				)
			}
			return nil
		}

		lastErr = err

		if classify && !IsRetryable(err) {
			slog.Debug("Error is not retryable, failing immediately",
				"operation", operation,
				"error", err,
			)
			return err
		}

		if attempt >= cfg.MaxRetries {
			slog.Warn("Max retries exceeded",
				"operation", operation,
				"attempts", attempt+1,
				"error", err,
			)
			return err
		}

		backoff := CalculateBackoff(cfg, attempt)

		slog.Warn("Operation failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", cfg.MaxRetries+1,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}
