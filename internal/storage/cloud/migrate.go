package cloud

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

const memoriesTable = "memories"

// migrationVerifyAttempts bounds the retry-and-verify loop for additive
// column adds. Remote metadata propagation can lag the ALTER by
// seconds.
const migrationVerifyAttempts = 5

// createTableSQL mirrors the primary's relational schema plus the
// vector service handle.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS memories (
	content_hash TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	memory_type TEXT NOT NULL DEFAULT 'note',
	tags TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at REAL NOT NULL,
	created_at_iso TEXT NOT NULL,
	updated_at REAL NOT NULL,
	updated_at_iso TEXT NOT NULL,
	deleted_at REAL,
	vector_id TEXT
)`

// additiveColumns are columns added after the first deployed schema.
// Initialize backfills them on databases created before they existed.
var additiveColumns = map[string]string{
	"tags":       "TEXT NOT NULL DEFAULT ''",
	"deleted_at": "REAL",
}

// Initialize creates the remote table and applies additive migrations.
// Idempotent; safe to run on every startup.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("cloud: create memories table: %w", err)
	}
	if err := s.exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at)`); err != nil {
		return fmt.Errorf("cloud: create created_at index: %w", err)
	}
	return s.migrateAdditiveColumns(ctx)
}

// introspectColumns reads the remote column set for a table. Migration
// decisions branch on set membership, never on ALTER failure text.
func (s *Store) introspectColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("cloud: introspect %s: %w", table, err)
	}
	cols := make(map[string]bool, len(rows))
	for _, r := range rows {
		if name := rowString(r, "name"); name != "" {
			cols[name] = true
		}
	}
	return cols, nil
}

// migrateAdditiveColumns adds any missing columns with retry-and-verify:
// issue the ALTER, re-read the column list, and retry while the new
// column is not yet visible. A duplicate-column error means another
// writer won the race and counts as success.
func (s *Store) migrateAdditiveColumns(ctx context.Context) error {
	cols, err := s.introspectColumns(ctx, memoriesTable)
	if err != nil {
		return err
	}

	for name, decl := range additiveColumns {
		if cols[name] {
			continue
		}
		if err := s.addColumnVerified(ctx, name, decl); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addColumnVerified(ctx context.Context, name, decl string) error {
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", memoriesTable, name, decl)

	for attempt := 1; attempt <= migrationVerifyAttempts; attempt++ {
		err := s.exec(ctx, alter)
		if err != nil && !isDuplicateColumn(err) {
			log.Printf("cloud: alter table attempt %d/%d failed: %v", attempt, migrationVerifyAttempts, err)
		}

		cols, introErr := s.introspectColumns(ctx, memoriesTable)
		if introErr == nil && cols[name] {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	return fmt.Errorf(
		"cloud: column %q not visible after %d attempts; run manually against the remote database: %s",
		name, migrationVerifyAttempts, alter)
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}
