package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the collections table. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS dialog_collections (
    name       TEXT PRIMARY KEY,
    data       JSONB NOT NULL DEFAULT '[]',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Postgres is a [KV] backed by a PostgreSQL table with one JSONB row per
// collection.
type Postgres struct {
	db DB
}

// Compile-time interface check.
var _ KV = (*Postgres)(nil)

// NewPostgres creates a Postgres store on db. The caller is responsible for
// calling [Postgres.Migrate] before the first query.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Get implements [KV].
func (p *Postgres) Get(ctx context.Context, collection string) ([]byte, error) {
	const query = `SELECT data FROM dialog_collections WHERE name = $1`

	var data []byte
	err := p.db.QueryRow(ctx, query, collection).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get %q: %w", collection, err)
	}
	return data, nil
}

// Set implements [KV].
func (p *Postgres) Set(ctx context.Context, collection string, data []byte) error {
	const query = `
		INSERT INTO dialog_collections (name, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`

	if _, err := p.db.Exec(ctx, query, collection, data); err != nil {
		return fmt.Errorf("store: set %q: %w", collection, err)
	}
	return nil
}

// Ping implements [KV].
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}
