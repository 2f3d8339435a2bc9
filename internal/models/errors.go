package models

import (
	"errors"
	"fmt"
)

// ValidationError reports a bad configuration value or a business-rule
// violation (for example zero price-risk in the sizer). It is returned, never
// panicked, and the caller must not retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrCircuitBreakerTripped is returned when a trade is gated off because the
// account-wide circuit breaker is in the tripped state.
var ErrCircuitBreakerTripped = errors.New("circuit breaker is tripped")

// ExchangeErrorKind classifies exchange failures for retry decisions.
type ExchangeErrorKind int

const (
	// ExchangeErrTransient covers network failures and rate limits; the
	// caller may retry with backoff.
	ExchangeErrTransient ExchangeErrorKind = iota
	// ExchangeErrFatal covers authentication failures and other conditions
	// that a retry cannot fix.
	ExchangeErrFatal
	// ExchangeErrOrderNotFound is fatal for the affected order but not for
	// the connection as a whole.
	ExchangeErrOrderNotFound
)

// ExchangeError wraps an underlying exchange failure with its retry class.
type ExchangeError struct {
	Kind ExchangeErrorKind
	Op   string
	Err  error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange %s: %v", e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// NewTransientError marks err as retryable.
func NewTransientError(op string, err error) error {
	return &ExchangeError{Kind: ExchangeErrTransient, Op: op, Err: err}
}

// NewFatalError marks err as non-retryable.
func NewFatalError(op string, err error) error {
	return &ExchangeError{Kind: ExchangeErrFatal, Op: op, Err: err}
}

// NewOrderNotFoundError marks err as an order-scoped miss.
func NewOrderNotFoundError(op string, err error) error {
	return &ExchangeError{Kind: ExchangeErrOrderNotFound, Op: op, Err: err}
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind == ExchangeErrTransient
	}
	return false
}

// IsOrderNotFound reports whether err means the exchange no longer knows the
// order. Reconciliation treats this as "already gone", not as a failure.
func IsOrderNotFound(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind == ExchangeErrOrderNotFound
	}
	return false
}
