// Package storage holds backend-neutral persistence errors.
package storage

import (
	"errors"
	"fmt"
)

// ErrUniqueViolation marks an insert rejected by a uniqueness constraint.
var ErrUniqueViolation = errors.New("unique violation")

// Error is returned by store operations. Callers may inspect Retryable but the
// ingestion pipeline never retries on its own.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Retryable {
		return fmt.Sprintf("storage %s (retryable): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a storage error marked retryable.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Retryable
}
