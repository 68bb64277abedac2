// Package sqlite implements the primary embedded backend: a single-file
// SQLite database holding memory rows, a tag join table, embeddings as
// binary BLOBs, an FTS5 index for lexical search, and the association
// edge table written by consolidation.
//
// The primary is the authoritative store. Writes are serialized on one
// connection; WAL mode keeps readers unblocked. Soft deletes leave a
// tombstone row (content redacted, deleted_at set) that drives
// anti-resurrection in the hybrid engine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// Schema creates all tables, indexes, and the FTS5 mirror. Executed on
// every open; all statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content_hash TEXT NOT NULL UNIQUE,
	content TEXT NOT NULL,
	memory_type TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at REAL NOT NULL,
	created_at_iso TEXT NOT NULL,
	updated_at REAL NOT NULL,
	updated_at_iso TEXT NOT NULL,
	deleted_at REAL
);

CREATE INDEX IF NOT EXISTS idx_memories_content_hash ON memories(content_hash);
CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_deleted_at ON memories(deleted_at);

-- Denormalized tag join table supporting the combined tag + time
-- predicate without LIKE scans over the tags column.
CREATE TABLE IF NOT EXISTS memory_tags (
	tag TEXT NOT NULL,
	memory_hash TEXT NOT NULL,
	created_at REAL NOT NULL,
	PRIMARY KEY (tag, memory_hash)
);

CREATE INDEX IF NOT EXISTS idx_memory_tags_tag_created ON memory_tags(tag, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memory_tags_hash ON memory_tags(memory_hash);

CREATE TABLE IF NOT EXISTS memory_embeddings (
	memory_hash TEXT PRIMARY KEY,
	embedding BLOB NOT NULL,
	dimension INTEGER NOT NULL,
	model TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS associations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	canonical_key TEXT NOT NULL UNIQUE,
	source_hash TEXT NOT NULL,
	target_hash TEXT NOT NULL,
	similarity REAL NOT NULL,
	connection_types TEXT NOT NULL,
	discovery_method TEXT NOT NULL DEFAULT '',
	discovery_date REAL NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_assoc_source ON associations(source_hash);
CREATE INDEX IF NOT EXISTS idx_assoc_target ON associations(target_hash);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content,
	content='memories',
	content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE OF content ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
	INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
END;
`

// Config configures the SQLite store.
type Config struct {
	// Path is the database file path; ":memory:" opens an in-memory
	// database (tests only, no WAL sidecars).
	Path string

	// Provider generates embeddings for stored content and queries.
	Provider embedding.Provider

	// MaxContentLength caps content length; 0 means unlimited. With
	// AutoSplit, oversize content is chunked into sibling memories.
	MaxContentLength int
	AutoSplit        bool
	ChunkOverlap     int

	// Hybrid search blend weights. Zero values fall back to 0.3/0.7.
	KeywordWeight  float64
	SemanticWeight float64
}

// Store is the primary embedded backend.
type Store struct {
	db   *sql.DB
	cfg  Config
	path string
}

var (
	_ storage.Backend          = (*Store)(nil)
	_ storage.TombstoneBackend = (*Store)(nil)
	_ storage.AssociationStore = (*Store)(nil)
	_ storage.AccessTracker    = (*Store)(nil)
)

// New opens (or creates) the database file and applies the schema. If
// the open fails with a stale-WAL error left by a crashed process, the
// sidecar files are removed and the open retried once.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("sqlite: embedding provider is required")
	}
	if cfg.KeywordWeight == 0 && cfg.SemanticWeight == 0 {
		cfg.KeywordWeight, cfg.SemanticWeight = 0.3, 0.7
	}
	if cfg.MaxContentLength > 0 && cfg.ChunkOverlap >= cfg.MaxContentLength {
		return nil, fmt.Errorf("sqlite: chunk overlap %d must be below max content length %d",
			cfg.ChunkOverlap, cfg.MaxContentLength)
	}

	store, err := open(cfg)
	if err == nil {
		return store, nil
	}
	if cfg.Path == ":memory:" || !isRecoverableWALError(err) {
		return nil, err
	}

	removeStaleWAL(cfg.Path)
	store, retryErr := open(cfg)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	log.Printf("sqlite: recovered from stale WAL files for %s", cfg.Path)
	return store, nil
}

func open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	// SQLite supports one concurrent writer. A single open connection
	// serializes writes and avoids SQLITE_BUSY under concurrent load;
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	return &Store{db: db, cfg: cfg, path: cfg.Path}, nil
}

// Initialize is idempotent: the schema was applied at open, so this
// re-applies it (all statements are IF NOT EXISTS) and verifies the
// connection.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("sqlite: reapply schema: %w", err)
	}
	return nil
}

// MaxContentLength reports the configured content cap; 0 is unlimited.
func (s *Store) MaxContentLength() int { return s.cfg.MaxContentLength }

// SupportsChunking reports whether oversize content is auto-split.
func (s *Store) SupportsChunking() bool { return s.cfg.AutoSplit }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for the backup and integrity
// collaborators. Upper layers go through the Backend interface.
func (s *Store) DB() *sql.DB { return s.db }

// Checkpoint forces a WAL checkpoint. TRUNCATE resets the WAL file,
// which is the integrity monitor's first-line repair for WAL damage.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("sqlite: wal checkpoint: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// isRecoverableWALError reports whether an open failure looks like
// stale -wal/-shm sidecars rather than real corruption.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to open database") ||
		strings.Contains(msg, "disk i/o error") ||
		strings.Contains(msg, "database is locked")
}

// removeStaleWAL deletes the WAL sidecar files for a database path.
func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: remove %s%s: %v", dbPath, suffix, err)
		}
	}
}

// memoryColumns is the canonical SELECT column list; every scan site
// must match this order.
const memoryColumns = `content_hash, content, memory_type, tags, metadata,
	created_at, created_at_iso, updated_at, updated_at_iso`

// scanMemory reads one row in memoryColumns order.
func scanMemory(scanner interface{ Scan(...interface{}) error }) (*types.Memory, error) {
	var m types.Memory
	var tags, metadataJSON string
	if err := scanner.Scan(
		&m.ContentHash, &m.Content, &m.MemoryType, &tags, &metadataJSON,
		&m.CreatedAt, &m.CreatedAtISO, &m.UpdatedAt, &m.UpdatedAtISO,
	); err != nil {
		return nil, err
	}
	m.Tags = types.ParseTagString(tags)
	md, err := decodeMetadata(metadataJSON)
	if err != nil {
		return nil, fmt.Errorf("sqlite: decode metadata for %s: %w", m.ContentHash, err)
	}
	m.Metadata = md
	return &m, nil
}

// scanMemoryRows drains a result set of memoryColumns rows.
func scanMemoryRows(rows *sql.Rows) ([]*types.Memory, error) {
	defer func() { _ = rows.Close() }()
	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate rows: %w", err)
	}
	return out, nil
}
