package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tally/internal/mutation"
)

// RetriesExhaustedError reports that a record used up its retry budget and
// was moved to error. It is logged and handed to the notifier; it is never
// returned to the caller of the original local write.
type RetriesExhaustedError struct {
	RecordID   string
	EntityType mutation.EntityType
	RowID      string
	Attempts   int
	Limit      int
	Last       error
}

// Error implements the error interface.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("record %s (%s/%s) failed permanently after %d attempts (limit %d): %v",
		e.RecordID, e.EntityType, e.RowID, e.Attempts, e.Limit, e.Last)
}

// Unwrap returns the last remote failure.
func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// IsRetriesExhausted returns true if the error is a RetriesExhaustedError.
// Uses errors.As to handle wrapped errors.
func IsRetriesExhausted(err error) bool {
	var re *RetriesExhaustedError
	return errors.As(err, &re)
}
