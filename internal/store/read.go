package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
)

const recordColumns = `seq, id, entity_type, row_id, operation, payload, owner_id, status, retry_count, last_error, created_at, updated_at`

// Get returns the value under key. The bool is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return getValue(ctx, s.db, key)
}

// GetRecord reads one record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (mutation.Record, bool, error) {
	return getRecord(ctx, s.db, id)
}

// ListRecords returns records matching f, oldest first (ORDER BY seq ASC).
//
// Operation values are returned as stored, without validation, so a corrupt
// row still reaches the engine and can be moved to error.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListRecords(ctx context.Context, f mutation.Filter) ([]mutation.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM sync_queue WHERE owner_id = ?`
	args := []any{f.OwnerID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.MaxRetries > 0 {
		query += ` AND retry_count < ?`
		args = append(args, f.MaxRetries)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []mutation.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// CountByStatus returns record counts for one owner, recomputed by a single
// GROUP BY scan on every call.
func (s *Store) CountByStatus(ctx context.Context, ownerID string) (mutation.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_queue
		WHERE owner_id = ?
		GROUP BY status
	`, ownerID)
	if err != nil {
		return mutation.Stats{}, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	var stats mutation.Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return mutation.Stats{}, fmt.Errorf("scan count: %w", err)
		}
		switch mutation.Status(status) {
		case mutation.StatusPending:
			stats.Pending = n
		case mutation.StatusSynced:
			stats.Synced = n
		case mutation.StatusError:
			stats.Error = n
		}
	}
	if err := rows.Err(); err != nil {
		return mutation.Stats{}, fmt.Errorf("iterate counts: %w", err)
	}
	return stats, nil
}

func getValue(ctx context.Context, q querier, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func getRecord(ctx context.Context, q querier, id string) (mutation.Record, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM sync_queue WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mutation.Record{}, false, nil
	}
	if err != nil {
		return mutation.Record{}, false, err
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (mutation.Record, error) {
	var (
		rec                  mutation.Record
		entityType, op       string
		payloadJSON, status  string
		createdAt, updatedAt int64
	)
	err := sc.Scan(
		&rec.Seq,
		&rec.ID,
		&entityType,
		&rec.RowID,
		&op,
		&payloadJSON,
		&rec.OwnerID,
		&status,
		&rec.RetryCount,
		&rec.LastError,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return mutation.Record{}, err
	}
	if err != nil {
		return mutation.Record{}, fmt.Errorf("scan record: %w", err)
	}

	obj, err := payload.Decode([]byte(payloadJSON))
	if err != nil {
		return mutation.Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}

	rec.EntityType = mutation.EntityType(entityType)
	rec.Operation = mutation.Operation(op)
	rec.Payload = obj
	rec.Status = mutation.Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}
