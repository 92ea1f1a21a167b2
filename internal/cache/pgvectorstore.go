package cache

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PGVectorStore is the optional external mirror of frequent QueryPatterns,
// keyed by an embedding vector so near-duplicate prompts from a different
// process (or after a restart) can still be matched against a warm entry.
// It is write-through, last-writer-wins, and requires no cross-process
// coordination — the cache's in-memory Optimizer remains authoritative.
type PGVectorStore struct {
	db *sql.DB
}

// OpenPGVectorStore connects to a Postgres instance with the pgvector
// extension installed and ensures the backing table exists.
func OpenPGVectorStore(ctx context.Context, dsn string, embeddingDims int) (*PGVectorStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open pgvector store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: ping pgvector store: %w", err)
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS query_patterns (
	normalized_key TEXT PRIMARY KEY,
	original_prompt TEXT NOT NULL,
	frequency INTEGER NOT NULL DEFAULT 0,
	last_seen TIMESTAMPTZ NOT NULL,
	average_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	estimated_cost_euro DOUBLE PRECISION NOT NULL DEFAULT 0,
	embedding vector(%d)
)`, embeddingDims)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: ensure query_patterns table: %w", err)
	}

	return &PGVectorStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PGVectorStore) Close() error {
	return s.db.Close()
}

// Upsert writes (or overwrites) one pattern's embedding and counters.
// Last-writer-wins: no optimistic concurrency check is performed.
func (s *PGVectorStore) Upsert(ctx context.Context, normalizedKey, originalPrompt string, frequency int, avgLatencyMs, estCostEuro float64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO query_patterns (normalized_key, original_prompt, frequency, last_seen, average_latency_ms, estimated_cost_euro, embedding)
VALUES ($1, $2, $3, now(), $4, $5, $6)
ON CONFLICT (normalized_key) DO UPDATE SET
	original_prompt = EXCLUDED.original_prompt,
	frequency = EXCLUDED.frequency,
	last_seen = EXCLUDED.last_seen,
	average_latency_ms = EXCLUDED.average_latency_ms,
	estimated_cost_euro = EXCLUDED.estimated_cost_euro,
	embedding = EXCLUDED.embedding
`, normalizedKey, originalPrompt, frequency, avgLatencyMs, estCostEuro, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("cache: upsert query pattern: %w", err)
	}
	return nil
}

// NearestMatch struct describes one candidate returned by NearestNeighbors.
type NearestMatch struct {
	NormalizedKey  string
	OriginalPrompt string
	Frequency      int
	Distance       float64
}

// NearestNeighbors finds up to limit patterns whose embedding is closest
// to query by cosine distance (pgvector's <=> operator).
func (s *PGVectorStore) NearestNeighbors(ctx context.Context, query []float32, limit int) ([]NearestMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT normalized_key, original_prompt, frequency, embedding <=> $1 AS distance
FROM query_patterns
ORDER BY distance ASC
LIMIT $2
`, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("cache: nearest neighbors query: %w", err)
	}
	defer rows.Close()

	var matches []NearestMatch
	for rows.Next() {
		var m NearestMatch
		if err := rows.Scan(&m.NormalizedKey, &m.OriginalPrompt, &m.Frequency, &m.Distance); err != nil {
			return nil, fmt.Errorf("cache: scan nearest neighbor row: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate nearest neighbor rows: %w", err)
	}
	return matches, nil
}

// Delete removes a pattern, e.g. when it ages out of the in-memory
// Optimizer and should no longer be considered for cross-process matches.
func (s *PGVectorStore) Delete(ctx context.Context, normalizedKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM query_patterns WHERE normalized_key = $1`, normalizedKey)
	if err != nil {
		return fmt.Errorf("cache: delete query pattern: %w", err)
	}
	return nil
}
