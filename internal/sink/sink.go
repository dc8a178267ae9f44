// Package sink defines the interface for outbound chat delivery backends
// and the error taxonomy the forwarder uses for retry decisions.
package sink

import (
	"context"
	"errors"
	"fmt"
)

// Sink is the interface that chat delivery backends must implement.
// A sink owns its own credentials and connection state; it is only ever
// called from the single forwarder goroutine.
type Sink interface {
	// Post submits one text chunk to the configured destination channel.
	// Errors should be created with Transient or Permanent so the
	// forwarder can decide whether to retry.
	Post(ctx context.Context, content string) error

	// Name returns the human-readable name of this sink.
	Name() string
}

// Error is a classified delivery failure.
type Error struct {
	Message   string
	Permanent bool

	// RetryAfterSeconds is set when the destination supplied an explicit
	// rate-limit delay; zero means use backoff.
	RetryAfterSeconds int
}

func (e *Error) Error() string {
	return e.Message
}

// Transient creates a retryable delivery error.
func Transient(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Permanent creates a non-retryable delivery error.
func Permanent(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Permanent: true}
}

// IsPermanent reports whether err is a classified permanent failure.
// Unclassified errors are treated as transient so that network-level
// failures from the HTTP client get retried.
func IsPermanent(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}

// RetryAfter returns the destination-supplied retry delay in seconds,
// or zero if none was given.
func RetryAfter(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfterSeconds
	}
	return 0
}
