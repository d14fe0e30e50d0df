package engine

import "github.com/roach88/tally/internal/mutation"

// retryBudget decides what a failed attempt does to a record.
//
// Each failure costs one retry. While the count stays below max the record
// goes back to pending for a later cycle; reaching max freezes it in error,
// where it is excluded from every future drain.
type retryBudget struct {
	max int
}

// Eligible reports whether rec may be attempted at all.
func (b retryBudget) Eligible(rec mutation.Record) bool {
	return rec.Status == mutation.StatusPending && rec.RetryCount < b.max
}

// Fail returns the retry count and status after one more failed attempt and
// a RetriesExhaustedError when the record is now frozen.
func (b retryBudget) Fail(rec mutation.Record, cause error) (int, mutation.Status, error) {
	next := rec.RetryCount + 1
	if next >= b.max {
		return next, mutation.StatusError, &RetriesExhaustedError{
			RecordID:   rec.ID,
			EntityType: rec.EntityType,
			RowID:      rec.RowID,
			Attempts:   next,
			Limit:      b.max,
			Last:       cause,
		}
	}
	return next, mutation.StatusPending, nil
}

// Abandon freezes rec immediately. Used for records that can never succeed.
func (b retryBudget) Abandon(rec mutation.Record, cause error) (int, mutation.Status, error) {
	return rec.RetryCount, mutation.StatusError, &RetriesExhaustedError{
		RecordID:   rec.ID,
		EntityType: rec.EntityType,
		RowID:      rec.RowID,
		Attempts:   rec.RetryCount,
		Limit:      b.max,
		Last:       cause,
	}
}
