package knowledge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSearcher runs full-text search over a knowledge_chunks table.
type PostgresSearcher struct {
	pool *pgxpool.Pool
}

func NewPostgresSearcher(ctx context.Context, databaseURL string) (*PostgresSearcher, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresSearcher{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			chunk_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			chunk TEXT NOT NULL,
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', title || ' ' || chunk)) STORED
		);`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_tsv ON knowledge_chunks USING GIN (tsv);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Upsert stores chunks, replacing existing ids.
func (s *PostgresSearcher) Upsert(ctx context.Context, chunks ...Chunk) error {
	for _, c := range chunks {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO knowledge_chunks (chunk_id, title, chunk) VALUES ($1, $2, $3)
			 ON CONFLICT (chunk_id) DO UPDATE SET title = EXCLUDED.title, chunk = EXCLUDED.chunk`,
			c.ChunkID, c.Title, c.Content,
		)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ChunkID, err)
		}
	}
	return nil
}

func (s *PostgresSearcher) Search(ctx context.Context, query string, top int) ([]Chunk, error) {
	if top <= 0 {
		top = 5
	}

	rows, err := s.pool.Query(ctx,
		`SELECT chunk_id, title, chunk
		 FROM knowledge_chunks, websearch_to_tsquery('english', $1) q
		 WHERE tsv @@ q
		 ORDER BY ts_rank(tsv, q) DESC, chunk_id
		 LIMIT $2`,
		query,
		top,
	)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return scanChunks(rows, top)
}

func (s *PostgresSearcher) Lookup(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT chunk_id, title, chunk FROM knowledge_chunks
		 WHERE chunk_id = ANY($1::text[])
		 ORDER BY array_position($1::text[], chunk_id)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("lookup chunks: %w", err)
	}
	return scanChunks(rows, len(ids))
}

func scanChunks(rows pgx.Rows, capacity int) ([]Chunk, error) {
	defer rows.Close()
	out := make([]Chunk, 0, capacity)
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ChunkID, &c.Title, &c.Content); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return out, nil
}

func (s *PostgresSearcher) Mode() string { return "postgres" }

func (s *PostgresSearcher) Close() error {
	s.pool.Close()
	return nil
}
