package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// NetworkError is a transient transport failure. Retryable by the next
// scheduled tick, never busy-retried inline.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a user-correctable request failure (missing
// recipient, empty body). Surfaced immediately, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Reason)
}

// TransportError means the send backend was unreachable or rejected the
// message. The optimistic message is marked failed; retry is an explicit
// user action.
type TransportError struct {
	StatusCode int
	Reason     string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send transport error (%d): %s", e.StatusCode, e.Reason)
}

// AccessDeniedError means the actor may not see the resource. The
// notification router drops these silently.
type AccessDeniedError struct {
	Resource string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied to %s", e.Resource)
}

// TimeoutExceededError means the request outlived its deadline. Treated
// as "possibly succeeded": reconciled on the next refresh rather than
// reported as definite failure.
type TimeoutExceededError struct {
	Op string
}

func (e *TimeoutExceededError) Error() string {
	return fmt.Sprintf("timeout exceeded during %s (possibly succeeded server-side)", e.Op)
}

// wrapTransportErr classifies a low-level http/dial failure.
func wrapTransportErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutExceededError{Op: op}
	}
	if errors.Is(err, context.Canceled) {
		// Cancellation is arbiter-driven control flow; pass it through
		// untouched so callers can recognize it.
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutExceededError{Op: op}
	}
	return &NetworkError{Op: op, Err: err}
}
