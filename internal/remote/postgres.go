package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
)

const defaultPostgresTimeout = 5 * time.Second

// ErrInvalidDSN is returned by NewPostgres for an empty DSN.
var ErrInvalidDSN = errors.New("postgres dsn is required")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is a Store backed by one table per entity type:
//
//	id TEXT PRIMARY KEY, user_id TEXT, data JSONB, created_at, updated_at
//
// The data column holds the full row including id and user_id. Tables are
// created on first use.
type Postgres struct {
	dsn         string
	tablePrefix string
	timeout     time.Duration
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithTablePrefix prefixes every entity table name.
func WithTablePrefix(prefix string) PostgresOption {
	return func(p *Postgres) { p.tablePrefix = prefix }
}

// WithTimeout bounds every statement.
func WithTimeout(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPostgres returns a Postgres store for dsn. No connection is made until
// the first call.
func NewPostgres(dsn string, opts ...PostgresOption) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	p := &Postgres{
		dsn:     dsn,
		timeout: defaultPostgresTimeout,
		openDB:  sql.Open,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Insert implements Store.
func (p *Postgres) Insert(ctx context.Context, et mutation.EntityType, ownerID string, row payload.Object) (payload.Object, error) {
	rowID := row.ID()
	if rowID == "" {
		return nil, fmt.Errorf("insert %s: row has no id", et)
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	data, err := stampOwner(row, ownerID).MarshalJSON()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	table := postgresQuoteIdentifier(p.tableName(et))
	query := fmt.Sprintf(`
		INSERT INTO %s AS t (id, user_id, data, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW(), NOW())
		ON CONFLICT (id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
		WHERE t.user_id = EXCLUDED.user_id
		RETURNING data`, table)

	var stored []byte
	err = p.db.QueryRowContext(ctx, query, rowID, ownerID, string(data)).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOwnerMismatch
	}
	if err != nil {
		return nil, err
	}
	return payload.Decode(stored)
}

// Update implements Store.
func (p *Postgres) Update(ctx context.Context, et mutation.EntityType, rowID, ownerID string, patch payload.Object) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	clean := patch.Clone()
	if clean == nil {
		clean = payload.Object{}
	}
	delete(clean, payload.FieldID)
	delete(clean, payload.FieldOwner)
	data, err := clean.MarshalJSON()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET data = data || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`, postgresQuoteIdentifier(p.tableName(et)))
	_, err = p.db.ExecContext(ctx, query, rowID, ownerID, string(data))
	return err
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, et mutation.EntityType, rowID, ownerID string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND user_id = $2", postgresQuoteIdentifier(p.tableName(et)))
	_, err := p.db.ExecContext(ctx, query, rowID, ownerID)
	return err
}

// List implements Store.
func (p *Postgres) List(ctx context.Context, et mutation.EntityType, ownerID string) ([]payload.Object, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT data FROM %s WHERE user_id = $1 ORDER BY created_at ASC, id ASC", postgresQuoteIdentifier(p.tableName(et)))
	rows, err := p.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []payload.Object{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		obj, err := payload.Decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// Close implements Store.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) tableName(et mutation.EntityType) string {
	return p.tablePrefix + string(et)
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		for _, et := range mutation.EntityTypes() {
			query := fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					data JSONB NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(p.tableName(et)))
			if _, err := db.ExecContext(ctx, query); err != nil {
				_ = db.Close()
				p.initErr = fmt.Errorf("create table %s: %w", p.tableName(et), err)
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
