package pgvector

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// Store implements repositories.VectorIndex on Postgres with the pgvector
// extension. Rows are keyed by (uid, namespace, id) so a search never crosses
// user or namespace boundaries.
type Store struct {
	db     *sql.DB
	dims   int
	logger *zap.Logger
}

// NewStore connects to Postgres and prepares the embeddings table.
func NewStore(dsn string, dims int, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db, dims: dims, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	logger.Info("Connected to pgvector store", zap.Int("dims", dims))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
			uid       TEXT NOT NULL,
			namespace TEXT NOT NULL,
			id        TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			PRIMARY KEY (uid, namespace, id)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS embeddings_uid_ns_idx ON embeddings (uid, namespace)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate embeddings table: %w", err)
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, uid, namespace, id string, vector []float32) error {
	if len(vector) != s.dims {
		return fmt.Errorf("vector has %d dims, store expects %d", len(vector), s.dims)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (uid, namespace, id, embedding)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (uid, namespace, id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		uid, namespace, id, pgvector.NewVector(vector),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding %s/%s: %w", namespace, id, err)
	}
	return nil
}

// Search returns the topK nearest neighbours by cosine similarity, best first.
func (s *Store) Search(ctx context.Context, uid, namespace string, vector []float32, topK int) ([]repositories.VectorMatch, error) {
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, 1 - (embedding <=> $1) AS similarity
		 FROM embeddings
		 WHERE uid = $2 AND namespace = $3
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		pgvector.NewVector(vector), uid, namespace, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}
	defer rows.Close()

	var matches []repositories.VectorMatch
	for rows.Next() {
		var match repositories.VectorMatch
		if err := rows.Scan(&match.ID, &match.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("embedding rows failed: %w", err)
	}
	return matches, nil
}

func (s *Store) Delete(ctx context.Context, uid, namespace, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE uid = $1 AND namespace = $2 AND id = $3`,
		uid, namespace, id,
	); err != nil {
		return fmt.Errorf("failed to delete embedding %s/%s: %w", namespace, id, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
