package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
)

// querier is satisfied by *sql.DB and *sql.Tx so statements are shared
// between Store and Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction opened by Store.Update.
type Tx struct {
	ctx   context.Context
	tx    *sql.Tx
	clock mutation.Clock
}

// Put stores value under key, replacing any previous value.
func (t *Tx) Put(key string, value []byte) error {
	return putValue(t.ctx, t.tx, key, value, t.clock.Now())
}

// Get returns the value under key.
func (t *Tx) Get(key string) ([]byte, bool, error) {
	return getValue(t.ctx, t.tx, key)
}

// InsertRecord appends a mutation record.
func (t *Tx) InsertRecord(rec mutation.Record) (int64, error) {
	return insertRecord(t.ctx, t.tx, rec)
}

// GetRecord reads one record by id.
func (t *Tx) GetRecord(id string) (mutation.Record, bool, error) {
	return getRecord(t.ctx, t.tx, id)
}

// SetRecordState overwrites the mutable columns of a record.
func (t *Tx) SetRecordState(id string, status mutation.Status, retryCount int, lastError string, at time.Time) error {
	return setRecordState(t.ctx, t.tx, id, status, retryCount, lastError, at)
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return putValue(ctx, s.db, key, value, s.clock.Now())
}

// DeleteKey removes key. Missing keys are not an error.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

// InsertRecord appends a mutation record and returns its seq.
func (s *Store) InsertRecord(ctx context.Context, rec mutation.Record) (int64, error) {
	return insertRecord(ctx, s.db, rec)
}

// PruneRecords deletes records in status whose created_at is before cutoff.
// Returns the number of rows removed.
func (s *Store) PruneRecords(ctx context.Context, status mutation.Status, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status = ? AND created_at < ?
	`, string(status), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune records: rows affected: %w", err)
	}
	return n, nil
}

func putValue(ctx context.Context, q querier, key string, value []byte, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// insertRecord writes a new row. The id UNIQUE constraint rejects re-use of
// a record id; callers generate a fresh id per enqueue.
func insertRecord(ctx context.Context, q querier, rec mutation.Record) (int64, error) {
	payloadJSON, err := payload.MarshalCanonical(nonNil(rec.Payload))
	if err != nil {
		return 0, fmt.Errorf("insert record: marshal payload: %w", err)
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO sync_queue
		(id, entity_type, row_id, operation, payload, owner_id, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		string(rec.EntityType),
		rec.RowID,
		string(rec.Operation),
		string(payloadJSON),
		rec.OwnerID,
		string(rec.Status),
		rec.RetryCount,
		rec.LastError,
		rec.CreatedAt.UnixMilli(),
		rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert record: last insert id: %w", err)
	}
	return seq, nil
}

func setRecordState(ctx context.Context, q querier, id string, status mutation.Status, retryCount int, lastError string, at time.Time) error {
	result, err := q.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), retryCount, lastError, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set record state %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set record state %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("set record state %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func nonNil(o payload.Object) payload.Object {
	if o == nil {
		return payload.Object{}
	}
	return o
}
