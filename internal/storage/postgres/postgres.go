// Package postgres implements the storage.Backend contract over
// PostgreSQL with pgvector. It serves deployments that mirror the
// primary into their own database instead of a managed cloud store.
//
// Embeddings are always kept in a BYTEA column; when the pgvector
// extension is present they are additionally stored in a vector column
// so similarity queries run in the database instead of in Go.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/evermem/evermem/internal/embedding"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	content_hash TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	memory_type TEXT NOT NULL DEFAULT 'note',
	tags TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at DOUBLE PRECISION NOT NULL,
	created_at_iso TEXT NOT NULL,
	updated_at DOUBLE PRECISION NOT NULL,
	updated_at_iso TEXT NOT NULL,
	deleted_at DOUBLE PRECISION,
	embedding BYTEA
);

CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_deleted_at ON memories (deleted_at) WHERE deleted_at IS NOT NULL;
`

// Store is the Postgres secondary backend.
type Store struct {
	db       *sql.DB
	provider embedding.Provider

	// pgvectorAvailable is detected during Initialize. Without the
	// extension, similarity search loads candidate embeddings and
	// scores them in Go.
	pgvectorAvailable bool
}

// New opens a connection pool for the DSN. Initialize performs schema
// setup and extension detection.
func New(dsn string, provider embedding.Provider) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: DSN is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("postgres: embedding provider is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db, provider: provider}, nil
}

// Initialize creates the schema and detects pgvector. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension unavailable, similarity search runs in-process: %v", err)
		return nil
	}

	dim := s.provider.Dimension()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"ALTER TABLE memories ADD COLUMN IF NOT EXISTS embedding_vec vector(%d)", dim))
	if err != nil {
		log.Printf("postgres: embedding_vec column unavailable: %v", err)
		return nil
	}
	s.pgvectorAvailable = true

	// ivfflat needs rows to build lists; creation failure on an empty
	// table is not fatal.
	if _, err := s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_memories_embedding_vec
		ON memories USING ivfflat (embedding_vec vector_cosine_ops)`); err != nil {
		log.Printf("postgres: ivfflat index not created: %v", err)
	}
	return nil
}

// MaxContentLength is unlimited on Postgres.
func (s *Store) MaxContentLength() int { return 0 }

// SupportsChunking is false; the primary owns chunking.
func (s *Store) SupportsChunking() bool { return false }

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for tests.
func (s *Store) DB() *sql.DB { return s.db }
