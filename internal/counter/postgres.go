package counter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL for the counters table.
const Schema = `
CREATE TABLE IF NOT EXISTS counters (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    api_key_hash  TEXT NOT NULL UNIQUE,
    vad_preset    JSONB NOT NULL DEFAULT '{}',
    disabled      BOOLEAN NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_counters_account ON counters(account_id);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Postgres is a [Store] backed by the counters table. The VAD preset is kept
// as JSONB so individual tunables stay optional.
type Postgres struct {
	db    DB
	close func()
}

// NewPostgres returns a store over db. closeFn, if non-nil, is called by
// Close (pass pool.Close when the store owns the pool).
func NewPostgres(db DB, closeFn func()) *Postgres {
	return &Postgres{db: db, close: closeFn}
}

// Migrate creates the counters table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("counter: migrate: %w", err)
	}
	return nil
}

// Authenticate implements [Store].
func (p *Postgres) Authenticate(ctx context.Context, apiKey string) (Counter, error) {
	if apiKey == "" {
		return Counter{}, ErrNotFound
	}
	const q = `
		SELECT id, account_id, name, vad_preset
		FROM counters
		WHERE api_key_hash = $1 AND NOT disabled`

	var c Counter
	var preset []byte
	err := p.db.QueryRow(ctx, q, HashKey(apiKey)).Scan(&c.ID, &c.AccountID, &c.Name, &preset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counter{}, ErrNotFound
		}
		return Counter{}, fmt.Errorf("counter: authenticate: %w", err)
	}
	if len(preset) > 0 {
		if err := json.Unmarshal(preset, &c.Preset); err != nil {
			return Counter{}, fmt.Errorf("counter: unmarshal vad_preset of %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// Put upserts c under apiKey.
func (p *Postgres) Put(ctx context.Context, apiKey string, c Counter) error {
	preset, err := json.Marshal(c.Preset)
	if err != nil {
		return fmt.Errorf("counter: marshal vad_preset: %w", err)
	}
	const q = `
		INSERT INTO counters (id, account_id, name, api_key_hash, vad_preset, disabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			account_id   = EXCLUDED.account_id,
			name         = EXCLUDED.name,
			api_key_hash = EXCLUDED.api_key_hash,
			vad_preset   = EXCLUDED.vad_preset,
			disabled     = EXCLUDED.disabled,
			updated_at   = now()`
	if _, err := p.db.Exec(ctx, q, c.ID, c.AccountID, c.Name, HashKey(apiKey), preset, c.Disabled); err != nil {
		return fmt.Errorf("counter: put %s: %w", c.ID, err)
	}
	return nil
}

// Ping checks connectivity when the DB supports it, otherwise runs SELECT 1.
func (p *Postgres) Ping(ctx context.Context) error {
	if pg, ok := p.db.(Pinger); ok {
		return pg.Ping(ctx)
	}
	var one int
	return p.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Close releases the pool if the store owns it.
func (p *Postgres) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

var (
	_ Store  = (*Postgres)(nil)
	_ Writer = (*Postgres)(nil)
)
