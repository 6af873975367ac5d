// Package errs classifies engine errors into the kinds the dispatcher routes
// on: terminal failures go to the DLQ, transient ones are redelivered, and
// version conflicts are retried in place.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind buckets an error by its handling policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument // malformed trade or field out of range; terminal, DLQ
	KindStateViolation  // status machine rejected the transition; terminal, DLQ
	KindNotFound        // snapshot/event absent; handled locally with fresh state
	KindVersionConflict // optimistic-lock clash; local retry with backoff
	KindTransient       // timeouts, socket errors; nack and let the bus redeliver
	KindDataCorruption  // stored payload failed to decode; skip, alert, mark PENDING
	KindFatal           // storage gone beyond budget; worker stops
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindStateViolation:
		return "STATE_VIOLATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindVersionConflict:
		return "VERSION_CONFLICT"
	case KindTransient:
		return "TRANSIENT"
	case KindDataCorruption:
		return "DATA_CORRUPTION"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Knd Kind
	Err error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. Returns nil for a nil err.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Knd: kind, Err: err}
}

// Newf is New with fmt.Errorf formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Knd: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err. Context cancellation and network errors
// classify as transient even when unwrapped; everything unclassified is
// KindUnknown and treated as terminal by the dispatcher.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Knd
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	if looksTransient(err) {
		return KindTransient
	}
	return KindUnknown
}

// IsTerminal reports whether the dispatcher should DLQ rather than retry.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindInvalidArgument, KindStateViolation, KindDataCorruption:
		return true
	default:
		return false
	}
}

// looksTransient is a substring heuristic for errors that cross process
// boundaries without structure (driver strings, broker responses).
func looksTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"database is locked",
		"broken pipe",
		"i/o error",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
