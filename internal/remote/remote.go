// Package remote defines the remote relational store the engine drains the
// mutation queue against, with a Postgres implementation and an in-memory
// one for tests and demos.
//
// Every call carries the owner explicitly. Implementations filter by owner
// on their side as well; a row belonging to another owner is never touched.
package remote

import (
	"context"
	"errors"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
)

// ErrOwnerMismatch is returned when an insert reuses the id of a row owned by
// someone else.
var ErrOwnerMismatch = errors.New("row belongs to another owner")

// Store is the remote store contract consumed by the engine and by
// read-through queries.
type Store interface {
	// Insert writes row stamped with ownerID and returns the stored row.
	// Re-inserting the same id for the same owner overwrites it, so a retry
	// after a lost acknowledgement does not create a duplicate.
	Insert(ctx context.Context, et mutation.EntityType, ownerID string, row payload.Object) (payload.Object, error)

	// Update merges patch into the row with rowID owned by ownerID.
	// Updating a missing row is not an error (last write wins).
	Update(ctx context.Context, et mutation.EntityType, rowID, ownerID string, patch payload.Object) error

	// Delete removes the row with rowID owned by ownerID.
	Delete(ctx context.Context, et mutation.EntityType, rowID, ownerID string) error

	// List returns every row of et owned by ownerID, oldest first.
	List(ctx context.Context, et mutation.EntityType, ownerID string) ([]payload.Object, error)

	Close() error
}

// stampOwner returns a copy of row with the owner column set.
func stampOwner(row payload.Object, ownerID string) payload.Object {
	out := row.Clone()
	if out == nil {
		out = payload.Object{}
	}
	out[payload.FieldOwner] = ownerID
	return out
}
