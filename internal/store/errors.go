package store

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned when an append hits an existing
// (position_key, event_ver) or a snapshot save loses the optimistic check.
var ErrVersionConflict = errors.New("store: version conflict")

// ErrDuplicate is returned when an idempotency record already exists for a
// trade id.
var ErrDuplicate = errors.New("store: duplicate")

// isUniqueViolation detects the driver's constraint error. modernc.org/sqlite
// surfaces SQLITE_CONSTRAINT as a plain error string.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
