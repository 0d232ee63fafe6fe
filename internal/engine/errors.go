package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/schema"
)

// SyncError is a failed delivery of one queue entry.
type SyncError struct {
	UID        string
	Collection schema.Collection
	NaturalKey string
	Operation  record.Operation

	// Attempt is the 1-based delivery attempt that failed.
	Attempt int

	// Dropped is true when this failure hit the retry ceiling.
	Dropped bool

	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s %s (attempt %d): %v",
		e.Operation, e.Collection, e.NaturalKey, e.Attempt, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsSyncError reports whether err is, or wraps, a SyncError.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
