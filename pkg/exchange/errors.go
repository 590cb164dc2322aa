package exchange

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned when the venue has no record of an order.
var ErrOrderNotFound = errors.New("order not found")

// Error is a typed venue error distinguishing retryable from fatal failures.
type Error struct {
	Op        string // operation that failed, e.g. "submit_order"
	Code      string // venue error code if available
	Retryable bool   // timeouts, rate limits, 5xx
	Err       error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange: %s (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("exchange: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable venue error.
func NewTransient(op string, err error) *Error {
	return &Error{Op: op, Retryable: true, Err: err}
}

// NewFatal wraps err as a non-retryable venue error.
func NewFatal(op string, err error) *Error {
	return &Error{Op: op, Retryable: false, Err: err}
}

// IsRetryable reports whether err is a transient venue failure.
func IsRetryable(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}
