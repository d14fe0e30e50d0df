// Package queue implements the local mutation queue: an append-only ledger of
// pending, synced and errored mutation records kept in the persistent local
// store.
//
// The queue is deliberately dumb. It stores what it is told and enforces only
// the record invariants (status transitions, monotonic retry count, owner
// scoping). Retry policy lives in the engine.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/store"
)

// Queue is the local mutation queue. Safe for concurrent use; the store
// serialises writes.
type Queue struct {
	store  *store.Store
	clock  mutation.Clock
	ids    mutation.IDGenerator
	logger *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for record timestamps.
func WithClock(c mutation.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithIDGenerator sets the generator used for record ids.
func WithIDGenerator(g mutation.IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a queue over st.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:  st,
		clock:  mutation.SystemClock{},
		ids:    mutation.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a pending record and returns its id.
func (q *Queue) Enqueue(ctx context.Context, et mutation.EntityType, rowID string, obj payload.Object, op mutation.Operation, ownerID string) (string, error) {
	rec, err := q.EnqueueWith(ctx, et, rowID, obj, op, ownerID, nil)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// EnqueueWith appends a pending record inside the same transaction as also.
// If also fails, nothing is written. also may be nil.
func (q *Queue) EnqueueWith(
	ctx context.Context,
	et mutation.EntityType,
	rowID string,
	obj payload.Object,
	op mutation.Operation,
	ownerID string,
	also func(tx *store.Tx) error,
) (mutation.Record, error) {
	if ownerID == "" {
		return mutation.Record{}, mutation.NewAuthError(et)
	}
	if !et.Valid() {
		return mutation.Record{}, &mutation.Error{Code: mutation.ErrCodeValidation, Message: fmt.Sprintf("unknown entity type %q", et)}
	}
	if !op.Valid() {
		return mutation.Record{}, mutation.NewUnknownOperationError(string(op))
	}

	now := q.clock.Now()
	rec := mutation.Record{
		ID:         q.ids.Generate(),
		EntityType: et,
		RowID:      rowID,
		Operation:  op,
		Payload:    obj.Clone(),
		OwnerID:    ownerID,
		Status:     mutation.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := q.store.Update(ctx, func(tx *store.Tx) error {
		if also != nil {
			if err := also(tx); err != nil {
				return err
			}
		}
		seq, err := tx.InsertRecord(rec)
		if err != nil {
			return err
		}
		rec.Seq = seq
		return nil
	})
	if err != nil {
		return mutation.Record{}, mutation.NewStorageError("enqueue", err)
	}

	q.logger.Debug("mutation enqueued",
		"id", rec.ID,
		"entity", rec.EntityType,
		"row_id", rec.RowID,
		"operation", rec.Operation,
		"owner", rec.OwnerID,
		"seq", rec.Seq,
	)
	return rec, nil
}

// List returns the owner's records matching f in insertion order.
func (q *Queue) List(ctx context.Context, f mutation.Filter) ([]mutation.Record, error) {
	if f.OwnerID == "" {
		return nil, mutation.NewAuthError("")
	}
	records, err := q.store.ListRecords(ctx, f)
	if err != nil {
		return nil, mutation.NewStorageError("list", err)
	}
	return records, nil
}

// Get returns one record by id.
func (q *Queue) Get(ctx context.Context, id string) (mutation.Record, error) {
	rec, ok, err := q.store.GetRecord(ctx, id)
	if err != nil {
		return mutation.Record{}, mutation.NewStorageError("get", err)
	}
	if !ok {
		return mutation.Record{}, mutation.NewNotFoundError("", id)
	}
	return rec, nil
}

// SetStatus moves a record to status, keeping its retry count.
func (q *Queue) SetStatus(ctx context.Context, id string, et mutation.EntityType, status mutation.Status) error {
	return q.transition(ctx, id, et, status, func(rec mutation.Record) (int, string) {
		return rec.RetryCount, rec.LastError
	})
}

// RecordFailure stores the outcome of a failed sync attempt: the retry count
// computed by the caller, the resulting status and the failure message.
func (q *Queue) RecordFailure(ctx context.Context, id string, et mutation.EntityType, retryCount int, status mutation.Status, message string) error {
	return q.transition(ctx, id, et, status, func(mutation.Record) (int, string) {
		return retryCount, message
	})
}

func (q *Queue) transition(
	ctx context.Context,
	id string,
	et mutation.EntityType,
	next mutation.Status,
	fields func(mutation.Record) (retryCount int, lastError string),
) error {
	if !next.Valid() {
		return &mutation.Error{Code: mutation.ErrCodeInvalidTransition, Message: fmt.Sprintf("unknown status %q", next), EntityType: et, RecordID: id}
	}

	var domainErr *mutation.Error
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		rec, ok, err := tx.GetRecord(id)
		if err != nil {
			return err
		}
		if !ok || rec.EntityType != et {
			domainErr = mutation.NewNotFoundError(et, id)
			return domainErr
		}
		if !rec.Status.CanTransition(next) {
			domainErr = &mutation.Error{
				Code:       mutation.ErrCodeInvalidTransition,
				Message:    fmt.Sprintf("%s -> %s", rec.Status, next),
				EntityType: et,
				RecordID:   id,
			}
			return domainErr
		}
		retryCount, lastError := fields(rec)
		if retryCount < rec.RetryCount {
			domainErr = &mutation.Error{
				Code:       mutation.ErrCodeInvalidTransition,
				Message:    fmt.Sprintf("retry count cannot decrease (%d -> %d)", rec.RetryCount, retryCount),
				EntityType: et,
				RecordID:   id,
			}
			return domainErr
		}
		return tx.SetRecordState(id, next, retryCount, lastError, q.clock.Now())
	})
	if domainErr != nil {
		return domainErr
	}
	if err != nil {
		return mutation.NewStorageError("set status", err)
	}
	return nil
}

// Prune removes synced records created before olderThan. Pruning a
// synced record is always safe; pending and error records are never pruned.
func (q *Queue) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := q.store.PruneRecords(ctx, mutation.StatusSynced, olderThan)
	if err != nil {
		return 0, mutation.NewStorageError("prune", err)
	}
	if n > 0 {
		q.logger.Info("pruned synced records", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Stats returns the owner's record counts, recomputed on every call.
func (q *Queue) Stats(ctx context.Context, ownerID string) (mutation.Stats, error) {
	stats, err := q.store.CountByStatus(ctx, ownerID)
	if err != nil {
		return mutation.Stats{}, mutation.NewStorageError("stats", err)
	}
	return stats, nil
}
