package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/evermem/evermem/internal/chunker"
	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// Store inserts a memory. Content-hash collisions (live or tombstoned)
// are outcomes, not errors. Oversize content is auto-split into sibling
// chunk memories inside one transaction when AutoSplit is on.
func (s *Store) Store(ctx context.Context, memory *types.Memory) (storage.StoreResult, error) {
	if memory == nil || strings.TrimSpace(memory.Content) == "" {
		return storage.StoreResult{}, fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if memory.ContentHash == "" {
		memory.ContentHash = types.HashContent(memory.Content)
	}

	if s.cfg.MaxContentLength > 0 && len([]rune(memory.Content)) > s.cfg.MaxContentLength {
		if !s.cfg.AutoSplit {
			return storage.StoreResult{
				Message: fmt.Sprintf("Content exceeds maximum length of %d characters", s.cfg.MaxContentLength),
			}, nil
		}
		return s.storeChunked(ctx, memory)
	}

	if memory.Embedding == nil {
		v, err := s.cfg.Provider.Embed(ctx, memory.Content)
		if err != nil {
			return storage.StoreResult{}, fmt.Errorf("sqlite: embed content: %w", err)
		}
		memory.Embedding = v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.StoreResult{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := s.storeOne(ctx, tx, memory)
	if err != nil {
		return storage.StoreResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.StoreResult{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return result, nil
}

// StoreBatch inserts several memories in one transaction. Per-row
// duplicates are recorded in the results without aborting the batch.
func (s *Store) StoreBatch(ctx context.Context, memories []*types.Memory) ([]storage.StoreResult, error) {
	if len(memories) == 0 {
		return nil, nil
	}

	// Embed misses up front so no HTTP call happens inside the
	// transaction.
	var texts []string
	var missing []*types.Memory
	for _, m := range memories {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("%w: batch contains a memory without content", storage.ErrInvalidInput)
		}
		if m.ContentHash == "" {
			m.ContentHash = types.HashContent(m.Content)
		}
		if m.Embedding == nil {
			texts = append(texts, m.Content)
			missing = append(missing, m)
		}
	}
	if len(texts) > 0 {
		vectors, err := s.cfg.Provider.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("sqlite: embed batch: %w", err)
		}
		for i, m := range missing {
			m.Embedding = vectors[i]
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]storage.StoreResult, 0, len(memories))
	for _, m := range memories {
		res, err := s.storeOne(ctx, tx, m)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit batch: %w", err)
	}
	return results, nil
}

// storeOne inserts a single memory within a transaction: row, tag join
// rows, and embedding. Existing hashes short-circuit as duplicates.
func (s *Store) storeOne(ctx context.Context, tx *sql.Tx, m *types.Memory) (storage.StoreResult, error) {
	var deletedAt sql.NullFloat64
	err := tx.QueryRowContext(ctx,
		`SELECT deleted_at FROM memories WHERE content_hash = ?`, m.ContentHash,
	).Scan(&deletedAt)
	switch {
	case err == nil && deletedAt.Valid:
		return storage.StoreResult{Message: "Memory was deleted; tombstone blocks re-store until purged"}, nil
	case err == nil:
		return storage.StoreResult{Message: storage.DuplicateMessage}, nil
	case err != sql.ErrNoRows:
		return storage.StoreResult{}, fmt.Errorf("sqlite: duplicate check: %w", err)
	}

	if m.CreatedAt == 0 {
		now := types.NowTimestamp()
		m.CreatedAt, m.UpdatedAt = now, now
		m.CreatedAtISO = types.TimestampToISO(now)
		m.UpdatedAtISO = m.CreatedAtISO
	}
	if m.UpdatedAt < m.CreatedAt {
		m.UpdatedAt = m.CreatedAt
		m.UpdatedAtISO = m.CreatedAtISO
	}

	metadataJSON, err := encodeMetadata(m.Metadata)
	if err != nil {
		return storage.StoreResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (content_hash, content, memory_type, tags, metadata,
			created_at, created_at_iso, updated_at, updated_at_iso)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ContentHash, m.Content, m.MemoryType, types.SerializeTags(m.Tags), metadataJSON,
		m.CreatedAt, m.CreatedAtISO, m.UpdatedAt, m.UpdatedAtISO,
	); err != nil {
		return storage.StoreResult{}, fmt.Errorf("sqlite: insert memory: %w", err)
	}

	for _, tag := range m.Tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_tags (tag, memory_hash, created_at)
			VALUES (?, ?, ?)`, tag, m.ContentHash, m.CreatedAt,
		); err != nil {
			return storage.StoreResult{}, fmt.Errorf("sqlite: insert tag %q: %w", tag, err)
		}
	}

	if len(m.Embedding) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_embeddings (memory_hash, embedding, dimension, model)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(memory_hash) DO UPDATE SET
				embedding = excluded.embedding,
				dimension = excluded.dimension,
				model = excluded.model`,
			m.ContentHash, serializeEmbedding(m.Embedding), len(m.Embedding), s.cfg.Provider.Model(),
		); err != nil {
			return storage.StoreResult{}, fmt.Errorf("sqlite: insert embedding: %w", err)
		}
	}

	return storage.StoreResult{Stored: true, Message: "Memory stored"}, nil
}

// storeChunked splits oversize content and stores the siblings
// atomically. Sibling metadata links the group through source_hash.
func (s *Store) storeChunked(ctx context.Context, memory *types.Memory) (storage.StoreResult, error) {
	chunks, err := chunker.Split(memory.Content, s.cfg.MaxContentLength, true, s.cfg.ChunkOverlap)
	if err != nil {
		return storage.StoreResult{}, fmt.Errorf("sqlite: split oversize content: %w", err)
	}

	sourceID := uuid.NewString()
	sourceHash := memory.ContentHash

	siblings := make([]*types.Memory, 0, len(chunks))
	for i, chunk := range chunks {
		md := types.Metadata{}
		for k, v := range memory.Metadata {
			md[k] = v
		}
		md[types.MetaChunkIndex] = i
		md[types.MetaChunkTotal] = len(chunks)
		md[types.MetaSourceID] = sourceID
		md[types.MetaSourceHash] = sourceHash

		sibling, err := types.NewMemory(chunk, memory.Tags, memory.MemoryType, md)
		if err != nil {
			return storage.StoreResult{}, fmt.Errorf("sqlite: build chunk %d: %w", i, err)
		}
		siblings = append(siblings, sibling)
	}

	vectors, err := s.cfg.Provider.EmbedBatch(ctx, chunks)
	if err != nil {
		return storage.StoreResult{}, fmt.Errorf("sqlite: embed chunks: %w", err)
	}
	for i := range siblings {
		siblings[i].Embedding = vectors[i]
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.StoreResult{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var hashes []string
	stored := 0
	for _, sib := range siblings {
		res, err := s.storeOne(ctx, tx, sib)
		if err != nil {
			return storage.StoreResult{}, err
		}
		if res.Stored {
			stored++
		}
		hashes = append(hashes, sib.ContentHash)
	}

	if err := tx.Commit(); err != nil {
		return storage.StoreResult{}, fmt.Errorf("sqlite: commit chunks: %w", err)
	}

	if stored == 0 {
		return storage.StoreResult{Message: storage.DuplicateMessage, ChunkHashes: hashes}, nil
	}
	return storage.StoreResult{
		Stored:      true,
		Message:     fmt.Sprintf("Content split into %d chunks", len(chunks)),
		ChunkHashes: hashes,
	}, nil
}

// UpdateMemoryMetadata mutates tags, memory type, and metadata for one
// memory. Content, content hash, and created_at never change. With
// preserveTimestamps, updated_at advances to now; otherwise an explicit
// updated_at inside updates is honored (sync reconciliation uses this).
func (s *Store) UpdateMemoryMetadata(ctx context.Context, contentHash string, updates map[string]interface{}, preserveTimestamps bool) (storage.UpdateResult, error) {
	if contentHash == "" {
		return storage.UpdateResult{}, fmt.Errorf("%w: content hash is required", storage.ErrInvalidInput)
	}
	if len(updates) == 0 {
		return storage.UpdateResult{}, fmt.Errorf("%w: no updates provided", storage.ErrInvalidInput)
	}

	current, err := s.GetByHash(ctx, contentHash)
	if err != nil {
		return storage.UpdateResult{}, err
	}
	if current == nil {
		return storage.UpdateResult{Message: fmt.Sprintf("Memory %s not found", contentHash)}, nil
	}

	tags := current.Tags
	memoryType := current.MemoryType
	metadata := types.Metadata{}
	for k, v := range current.Metadata {
		metadata[k] = v
	}

	var explicitUpdatedAt float64
	for key, value := range updates {
		switch key {
		case "tags":
			parsed, err := coerceTags(value)
			if err != nil {
				return storage.UpdateResult{}, err
			}
			tags = parsed
		case "memory_type":
			str, ok := value.(string)
			if !ok {
				return storage.UpdateResult{}, fmt.Errorf("%w: memory_type must be a string", storage.ErrInvalidInput)
			}
			if str != "" {
				if _, _, err := types.ParseMemoryType(str); err != nil {
					return storage.UpdateResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
				}
			}
			memoryType = str
		case "metadata":
			nested, ok := value.(map[string]interface{})
			if !ok {
				return storage.UpdateResult{}, fmt.Errorf("%w: metadata must be a flat map", storage.ErrInvalidInput)
			}
			if err := types.ValidateMetadata(nested); err != nil {
				return storage.UpdateResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
			}
			for k, v := range nested {
				metadata[k] = v
			}
		case "updated_at":
			if f, ok := value.(float64); ok {
				explicitUpdatedAt = f
			}
		case "content", "content_hash", "created_at":
			return storage.UpdateResult{}, fmt.Errorf("%w: field %q is immutable", storage.ErrInvalidInput, key)
		default:
			// Bare keys are metadata fields.
			if err := types.ValidateMetadata(types.Metadata{key: value}); err != nil {
				return storage.UpdateResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
			}
			metadata[key] = value
		}
	}

	updatedAt := types.NowTimestamp()
	if !preserveTimestamps && explicitUpdatedAt > 0 {
		updatedAt = explicitUpdatedAt
	}
	if updatedAt < current.CreatedAt {
		updatedAt = current.CreatedAt
	}

	metadataJSON, err := encodeMetadata(metadata)
	if err != nil {
		return storage.UpdateResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.UpdateResult{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE memories SET memory_type = ?, tags = ?, metadata = ?,
			updated_at = ?, updated_at_iso = ?
		WHERE content_hash = ? AND deleted_at IS NULL`,
		memoryType, types.SerializeTags(tags), metadataJSON,
		updatedAt, types.TimestampToISO(updatedAt), contentHash,
	); err != nil {
		return storage.UpdateResult{}, fmt.Errorf("sqlite: update memory: %w", err)
	}

	if err := s.replaceTagRows(ctx, tx, contentHash, tags, current.CreatedAt); err != nil {
		return storage.UpdateResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.UpdateResult{}, fmt.Errorf("sqlite: commit update: %w", err)
	}
	return storage.UpdateResult{Updated: true, Message: "Memory updated"}, nil
}

// UpdateMemoriesBatch writes back tags/type/metadata for many memories
// in one transaction. Consolidation uses this to stamp
// last_consolidated_at across a whole batch with a single commit.
func (s *Store) UpdateMemoriesBatch(ctx context.Context, memories []*types.Memory) ([]bool, error) {
	if len(memories) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	oks := make([]bool, len(memories))
	for i, m := range memories {
		if m == nil || m.ContentHash == "" {
			continue
		}
		metadataJSON, err := encodeMetadata(m.Metadata)
		if err != nil {
			return nil, err
		}
		updatedAt := m.UpdatedAt
		if updatedAt == 0 {
			updatedAt = types.NowTimestamp()
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE memories SET memory_type = ?, tags = ?, metadata = ?,
				updated_at = ?, updated_at_iso = ?
			WHERE content_hash = ? AND deleted_at IS NULL`,
			m.MemoryType, types.SerializeTags(m.Tags), metadataJSON,
			updatedAt, types.TimestampToISO(updatedAt), m.ContentHash,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: batch update %s: %w", m.ContentHash, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlite: batch update rows affected: %w", err)
		}
		if affected > 0 {
			oks[i] = true
			if err := s.replaceTagRows(ctx, tx, m.ContentHash, m.Tags, m.CreatedAt); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit batch update: %w", err)
	}
	return oks, nil
}

// replaceTagRows rewrites the memory_tags join rows for one memory.
func (s *Store) replaceTagRows(ctx context.Context, tx *sql.Tx, hash string, tags []string, createdAt float64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_hash = ?`, hash); err != nil {
		return fmt.Errorf("sqlite: clear tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_tags (tag, memory_hash, created_at)
			VALUES (?, ?, ?)`, tag, hash, createdAt,
		); err != nil {
			return fmt.Errorf("sqlite: insert tag %q: %w", tag, err)
		}
	}
	return nil
}

// coerceTags wraps types.CoerceTags with the invalid-input sentinel.
func coerceTags(value interface{}) ([]string, error) {
	tags, err := types.CoerceTags(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	return tags, nil
}
