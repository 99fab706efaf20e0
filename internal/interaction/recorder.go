// Package interaction persists one row per recommended exchange at a counter.
// The returned id names the exchange's audio in the archive
// (interactions/<id>.wav).
package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/balcao/internal/recommend"
)

// Record is one interaction.
type Record struct {
	SessionID string
	CounterID string
	AccountID string
	SpeakerID string
	Text      string
	Items     []recommend.Item
	CreatedAt time.Time
}

// Recorder persists records.
type Recorder interface {
	// Record stores r and returns its durable id.
	Record(ctx context.Context, r Record) (string, error)
}

// Schema is the DDL for the interactions table.
const Schema = `
CREATE TABLE IF NOT EXISTS interactions (
    id          UUID PRIMARY KEY,
    session_id  TEXT NOT NULL,
    counter_id  TEXT NOT NULL,
    account_id  TEXT NOT NULL,
    speaker_id  TEXT NOT NULL DEFAULT '',
    text        TEXT NOT NULL,
    items       JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_interactions_counter ON interactions(counter_id, created_at);
`

// DB is the subset of *pgxpool.Pool used by [Postgres].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres records interactions in the interactions table.
type Postgres struct {
	db  DB
	now func() time.Time
}

// NewPostgres returns a recorder over db.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Migrate creates the table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("interaction: migrate: %w", err)
	}
	return nil
}

// Record implements [Recorder].
func (p *Postgres) Record(ctx context.Context, r Record) (string, error) {
	items := r.Items
	if items == nil {
		items = []recommend.Item{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("interaction: marshal items: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = p.now()
	}

	id := uuid.New()
	const q = `
		INSERT INTO interactions (id, session_id, counter_id, account_id, speaker_id, text, items, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := p.db.Exec(ctx, q, id, r.SessionID, r.CounterID, r.AccountID, r.SpeakerID, r.Text, itemsJSON, r.CreatedAt); err != nil {
		return "", fmt.Errorf("interaction: insert: %w", err)
	}
	return id.String(), nil
}

// Memory keeps records in process. It backs single-node deployments that run
// without Postgres.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemory returns an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Record implements [Recorder].
func (m *Memory) Record(_ context.Context, r Record) (string, error) {
	id := uuid.NewString()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.records[id] = r
	m.mu.Unlock()
	return id, nil
}

// Get returns the record stored under id.
func (m *Memory) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

var (
	_ Recorder = (*Postgres)(nil)
	_ Recorder = (*Memory)(nil)
)
