package speaker

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"
)

// Voiceprint is a known speaker's embedding. Voiceprints are owned by the
// profile database and are read-only here.
type Voiceprint struct {
	SpeakerID string
	AccountID string
	Name      string
	Embedding []float32
}

// Schema is the DDL of the voiceprints table the Postgres scorer reads.
// dimensions is substituted by [Migrate].
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS voiceprints (
    speaker_id  TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    embedding   vector(%d) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_voiceprints_account ON voiceprints(account_id);
`

// DB is the database interface used by [PostgresScorer]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresScorer ranks voiceprints inside PostgreSQL with pgvector's cosine
// distance operator. The pool must have pgvector types registered.
type PostgresScorer struct {
	db DB
}

// NewPostgresScorer returns a scorer over db.
func NewPostgresScorer(db DB) *PostgresScorer {
	return &PostgresScorer{db: db}
}

// Migrate creates the voiceprints table for embeddings of the given size.
func (s *PostgresScorer) Migrate(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("speaker: migrate: dimensions must be positive, got %d", dimensions)
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(Schema, dimensions)); err != nil {
		return fmt.Errorf("speaker: migrate: %w", err)
	}
	return nil
}

// Score returns the account's nearest voiceprints by cosine similarity.
func (s *PostgresScorer) Score(ctx context.Context, accountID string, embedding []float32, limit int) ([]Candidate, error) {
	const q = `
		SELECT speaker_id, name, 1 - (embedding <=> $2) AS score
		FROM voiceprints
		WHERE account_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3`

	rows, err := s.db.Query(ctx, q, accountID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("speaker: query voiceprints: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.SpeakerID, &c.Name, &c.Score); err != nil {
			return nil, fmt.Errorf("speaker: scan voiceprint: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("speaker: query voiceprints: %w", err)
	}
	return out, nil
}

// MemoryScorer keeps voiceprints in memory and scores them in Go. It is used
// when no profile database is configured and in tests.
type MemoryScorer struct {
	mu     sync.RWMutex
	prints []Voiceprint
}

// NewMemoryScorer returns a scorer over prints.
func NewMemoryScorer(prints ...Voiceprint) *MemoryScorer {
	return &MemoryScorer{prints: slices.Clone(prints)}
}

// Add registers another voiceprint.
func (m *MemoryScorer) Add(v Voiceprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prints = append(m.prints, v)
}

// Score implements [Scorer].
func (m *MemoryScorer) Score(_ context.Context, accountID string, embedding []float32, limit int) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Candidate
	for _, v := range m.prints {
		if v.AccountID != accountID {
			continue
		}
		out = append(out, Candidate{SpeakerID: v.SpeakerID, Name: v.Name, Score: Cosine(embedding, v.Embedding)})
	}
	slices.SortStableFunc(out, byScore)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ Scorer = (*PostgresScorer)(nil)
	_ Scorer = (*MemoryScorer)(nil)
)
