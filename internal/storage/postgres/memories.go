package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

const memoryColumns = `content_hash, content, memory_type, tags, metadata,
	created_at, created_at_iso, updated_at, updated_at_iso`

// tagPredicate matches one tag inside the comma-joined tags column.
// The argument index is interpolated by the caller.
func tagPredicate(arg int) string {
	return fmt.Sprintf("(',' || tags || ',') LIKE ('%%,' || $%d || ',%%')", arg)
}

func serializeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func deserializeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("postgres: embedding blob length %d not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

func scanMemory(scanner interface {
	Scan(dest ...interface{}) error
}) (*types.Memory, error) {
	var m types.Memory
	var tags, metadata string
	if err := scanner.Scan(&m.ContentHash, &m.Content, &m.MemoryType, &tags, &metadata,
		&m.CreatedAt, &m.CreatedAtISO, &m.UpdatedAt, &m.UpdatedAtISO); err != nil {
		return nil, err
	}
	if tags != "" {
		m.Tags = types.ParseTagString(tags)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: decode metadata for %s: %w", m.ContentHash, err)
		}
	}
	return &m, nil
}

func collectMemories(rows *sql.Rows) ([]*types.Memory, error) {
	defer func() { _ = rows.Close() }()
	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Store mirrors one memory. Duplicates and tombstones behave exactly
// like the primary.
func (s *Store) Store(ctx context.Context, m *types.Memory) (storage.StoreResult, error) {
	if m == nil || m.Content == "" {
		return storage.StoreResult{}, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	if m.ContentHash == "" {
		m.ContentHash = types.HashContent(m.Content)
	}

	var deletedAt sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT deleted_at FROM memories WHERE content_hash = $1`, m.ContentHash).Scan(&deletedAt)
	switch {
	case err == nil && deletedAt.Valid:
		return storage.StoreResult{Message: "Memory was deleted; tombstone blocks re-store until purged"}, nil
	case err == nil:
		return storage.StoreResult{Message: storage.DuplicateMessage}, nil
	case err != sql.ErrNoRows:
		return storage.StoreResult{}, fmt.Errorf("postgres: duplicate check: %w", err)
	}

	metadataJSON := "{}"
	if len(m.Metadata) > 0 {
		if err := types.ValidateMetadata(m.Metadata); err != nil {
			return storage.StoreResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		buf, err := json.Marshal(m.Metadata)
		if err != nil {
			return storage.StoreResult{}, fmt.Errorf("postgres: marshal metadata: %w", err)
		}
		metadataJSON = string(buf)
	}

	vec := m.Embedding
	if len(vec) == 0 {
		vec, err = s.provider.Embed(ctx, m.Content)
		if err != nil {
			return storage.StoreResult{}, fmt.Errorf("postgres: embed content: %w", err)
		}
	}

	if m.CreatedAt == 0 {
		now := types.NowTimestamp()
		m.CreatedAt, m.UpdatedAt = now, now
		m.CreatedAtISO = types.TimestampToISO(now)
		m.UpdatedAtISO = m.CreatedAtISO
	}

	if s.pgvectorAvailable {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO memories (content_hash, content, memory_type, tags, metadata,
				created_at, created_at_iso, updated_at, updated_at_iso, embedding, embedding_vec)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.ContentHash, m.Content, m.MemoryType, types.SerializeTags(m.Tags), metadataJSON,
			m.CreatedAt, m.CreatedAtISO, m.UpdatedAt, m.UpdatedAtISO,
			serializeEmbedding(vec), pgvector.NewVector(vec))
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO memories (content_hash, content, memory_type, tags, metadata,
				created_at, created_at_iso, updated_at, updated_at_iso, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ContentHash, m.Content, m.MemoryType, types.SerializeTags(m.Tags), metadataJSON,
			m.CreatedAt, m.CreatedAtISO, m.UpdatedAt, m.UpdatedAtISO,
			serializeEmbedding(vec))
	}
	if err != nil {
		return storage.StoreResult{}, fmt.Errorf("postgres: insert memory: %w", err)
	}
	return storage.StoreResult{Stored: true, Message: "Memory stored"}, nil
}

// StoreBatch mirrors several memories in one transaction. Per-row
// duplicates are recorded, not aborted.
func (s *Store) StoreBatch(ctx context.Context, memories []*types.Memory) ([]storage.StoreResult, error) {
	results := make([]storage.StoreResult, len(memories))
	for i, m := range memories {
		res, err := s.Store(ctx, m)
		if err != nil {
			return results, err
		}
		results[i] = res
	}
	return results, nil
}

// Retrieve performs vector similarity search, in the database when
// pgvector is available.
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]storage.Result, error) {
	if n <= 0 {
		n = 10
	}
	vec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: embed query: %w", err)
	}

	if s.pgvectorAvailable {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s, 1 - (embedding_vec <=> $1) AS score
			FROM memories
			WHERE deleted_at IS NULL AND embedding_vec IS NOT NULL
			ORDER BY embedding_vec <=> $1
			LIMIT $2`, memoryColumns), pgvector.NewVector(vec), n)
		if err != nil {
			return nil, fmt.Errorf("postgres: vector search: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var results []storage.Result
		for rows.Next() {
			var m types.Memory
			var tags, metadata string
			var score float64
			if err := rows.Scan(&m.ContentHash, &m.Content, &m.MemoryType, &tags, &metadata,
				&m.CreatedAt, &m.CreatedAtISO, &m.UpdatedAt, &m.UpdatedAtISO, &score); err != nil {
				return nil, fmt.Errorf("postgres: scan search row: %w", err)
			}
			if tags != "" {
				m.Tags = types.ParseTagString(tags)
			}
			if metadata != "" && metadata != "{}" {
				if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
					return nil, fmt.Errorf("postgres: decode metadata: %w", err)
				}
			}
			results = append(results, storage.Result{
				Memory:         &m,
				RelevanceScore: math.Max(0, math.Min(1, score)),
			})
		}
		return results, rows.Err()
	}

	return s.retrieveInProcess(ctx, vec, n)
}

// retrieveInProcess is the no-extension fallback: load embeddings and
// score cosine similarity in Go.
func (s *Store) retrieveInProcess(ctx context.Context, vec []float32, n int) ([]storage.Result, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, embedding FROM memories
		WHERE deleted_at IS NULL AND embedding IS NOT NULL
		ORDER BY created_at DESC LIMIT 10000`, memoryColumns))
	if err != nil {
		return nil, fmt.Errorf("postgres: load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type scored struct {
		m     *types.Memory
		score float64
	}
	var candidates []scored
	for rows.Next() {
		var m types.Memory
		var tags, metadata string
		var blob []byte
		if err := rows.Scan(&m.ContentHash, &m.Content, &m.MemoryType, &tags, &metadata,
			&m.CreatedAt, &m.CreatedAtISO, &m.UpdatedAt, &m.UpdatedAtISO, &blob); err != nil {
			return nil, fmt.Errorf("postgres: scan embedding row: %w", err)
		}
		stored, err := deserializeEmbedding(blob)
		if err != nil {
			continue
		}
		if tags != "" {
			m.Tags = types.ParseTagString(tags)
		}
		if metadata != "" && metadata != "{}" {
			_ = json.Unmarshal([]byte(metadata), &m.Metadata)
		}
		candidates = append(candidates, scored{&m, cosine(vec, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	results := make([]storage.Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, storage.Result{
			Memory:         c.m,
			RelevanceScore: math.Max(0, math.Min(1, c.score)),
		})
	}
	return results, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// RetrieveWithQualityBoost over-fetches 3×n and reranks by
// weight·quality + (1-weight)·semantic.
func (s *Store) RetrieveWithQualityBoost(ctx context.Context, query string, n int, weight float64) ([]storage.Result, error) {
	if weight < 0 || weight > 1 {
		return nil, fmt.Errorf("%w: quality weight must be within [0,1]", storage.ErrInvalidInput)
	}
	if n <= 0 {
		n = 10
	}
	results, err := s.Retrieve(ctx, query, 3*n)
	if err != nil {
		return nil, err
	}
	for i := range results {
		semantic := results[i].RelevanceScore
		composite := weight*results[i].Memory.QualityScore() + (1-weight)*semantic
		results[i].Debug = map[string]float64{
			"original_semantic_score": semantic,
			"quality_score":           results[i].Memory.QualityScore(),
			"composite_score":         composite,
		}
		results[i].RelevanceScore = composite
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if len(results) > n {
		results = results[:n]
	}
	return results, nil
}

// SearchByTag returns live memories carrying any tag, optionally bound
// by created_at >= timeStart.
func (s *Store) SearchByTag(ctx context.Context, tags []string, timeStart *time.Time) ([]*types.Memory, error) {
	return s.SearchByTags(ctx, tags, storage.MatchAny, timeStart, nil)
}

// SearchByTags is the AND/OR tag search with an optional time window.
func (s *Store) SearchByTags(ctx context.Context, tags []string, match storage.TagMatch, timeStart, timeEnd *time.Time) ([]*types.Memory, error) {
	normalized, err := types.NormalizeTags(tags)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: at least one tag is required", storage.ErrInvalidInput)
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE deleted_at IS NULL`, memoryColumns)
	var args []interface{}

	joiner := " OR "
	if match == storage.MatchAll {
		joiner = " AND "
	}
	query += " AND ("
	for i, tag := range normalized {
		if i > 0 {
			query += joiner
		}
		args = append(args, tag)
		query += tagPredicate(len(args))
	}
	query += ")"

	if timeStart != nil {
		args = append(args, types.TimeToTimestamp(*timeStart))
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if timeEnd != nil {
		args = append(args, types.TimeToTimestamp(*timeEnd))
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: tag search: %w", err)
	}
	return collectMemories(rows)
}

// SearchByTagChronological pages tag matches newest-first.
func (s *Store) SearchByTagChronological(ctx context.Context, tags []string, limit, offset int) ([]*types.Memory, error) {
	normalized, err := types.NormalizeTags(tags)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE deleted_at IS NULL`, memoryColumns)
	var args []interface{}
	if len(normalized) > 0 {
		query += " AND ("
		for i, tag := range normalized {
			if i > 0 {
				query += " OR "
			}
			args = append(args, tag)
			query += tagPredicate(len(args))
		}
		query += ")"
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: chronological search: %w", err)
	}
	return collectMemories(rows)
}

// Delete tombstones the row: deleted_at set, content redacted,
// embedding dropped.
func (s *Store) Delete(ctx context.Context, contentHash string) (storage.DeleteResult, error) {
	if contentHash == "" {
		return storage.DeleteResult{}, fmt.Errorf("%w: content hash is required", storage.ErrInvalidInput)
	}

	now := types.NowTimestamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET deleted_at = $1, content = '', embedding = NULL,
			updated_at = $2, updated_at_iso = $3
		WHERE content_hash = $4 AND deleted_at IS NULL`,
		now, now, types.TimestampToISO(now), contentHash)
	if err != nil {
		return storage.DeleteResult{}, fmt.Errorf("postgres: delete: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return storage.DeleteResult{Message: fmt.Sprintf("Memory %s not found", contentHash)}, nil
	}
	if s.pgvectorAvailable {
		_, _ = s.db.ExecContext(ctx,
			`UPDATE memories SET embedding_vec = NULL WHERE content_hash = $1`, contentHash)
	}
	return storage.DeleteResult{Deleted: true, Message: "Memory deleted", Count: 1, Hashes: []string{contentHash}}, nil
}

// DeleteByTag bulk-deletes live memories carrying the tag.
func (s *Store) DeleteByTag(ctx context.Context, tag string) (storage.DeleteResult, error) {
	return s.DeleteByTags(ctx, []string{tag})
}

// DeleteByTags bulk-deletes live memories carrying any of the tags.
func (s *Store) DeleteByTags(ctx context.Context, tags []string) (storage.DeleteResult, error) {
	matches, err := s.SearchByTags(ctx, tags, storage.MatchAny, nil, nil)
	if err != nil {
		return storage.DeleteResult{}, err
	}
	count := 0
	var hashes []string
	for _, m := range matches {
		res, err := s.Delete(ctx, m.ContentHash)
		if err != nil {
			return storage.DeleteResult{}, err
		}
		if res.Deleted {
			count++
			hashes = append(hashes, m.ContentHash)
		}
	}
	return storage.DeleteResult{
		Deleted: count > 0,
		Message: fmt.Sprintf("Deleted %d memories", count),
		Count:   count,
		Hashes:  hashes,
	}, nil
}

// DeleteMemories is the unified guarded delete.
func (s *Store) DeleteMemories(ctx context.Context, filter storage.DeleteFilter, dryRun bool) (storage.DeleteResult, error) {
	if err := filter.Validate(); err != nil {
		return storage.DeleteResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	var hashes []string
	if filter.ContentHash != "" {
		m, err := s.GetByHash(ctx, filter.ContentHash)
		if err != nil {
			return storage.DeleteResult{}, err
		}
		if m != nil {
			hashes = []string{filter.ContentHash}
		}
	} else {
		query := `SELECT content_hash FROM memories WHERE deleted_at IS NULL`
		var args []interface{}
		if len(filter.Tags) > 0 {
			normalized, err := types.NormalizeTags(filter.Tags)
			if err != nil {
				return storage.DeleteResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
			}
			joiner := " OR "
			if filter.TagMatch == storage.MatchAll {
				joiner = " AND "
			}
			query += " AND ("
			for i, tag := range normalized {
				if i > 0 {
					query += joiner
				}
				args = append(args, tag)
				query += tagPredicate(len(args))
			}
			query += ")"
		}
		if filter.After != nil {
			args = append(args, types.TimeToTimestamp(*filter.After))
			query += fmt.Sprintf(" AND created_at >= $%d", len(args))
		}
		if filter.Before != nil {
			args = append(args, types.TimeToTimestamp(*filter.Before))
			query += fmt.Sprintf(" AND created_at <= $%d", len(args))
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return storage.DeleteResult{}, fmt.Errorf("postgres: select delete candidates: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var hash string
			if err := rows.Scan(&hash); err != nil {
				return storage.DeleteResult{}, err
			}
			hashes = append(hashes, hash)
		}
		if err := rows.Err(); err != nil {
			return storage.DeleteResult{}, err
		}
	}

	if dryRun {
		return storage.DeleteResult{
			Message: fmt.Sprintf("Dry run: %d memories would be deleted", len(hashes)),
			Count:   len(hashes),
			Hashes:  hashes,
		}, nil
	}

	count := 0
	var deleted []string
	for _, hash := range hashes {
		res, err := s.Delete(ctx, hash)
		if err != nil {
			return storage.DeleteResult{}, err
		}
		if res.Deleted {
			count++
			deleted = append(deleted, hash)
		}
	}
	return storage.DeleteResult{
		Deleted: count > 0,
		Message: fmt.Sprintf("Deleted %d memories", count),
		Count:   count,
		Hashes:  deleted,
	}, nil
}

// UpdateMemoryMetadata mutates tags/type/metadata. Content, content
// hash, and created_at are immutable.
func (s *Store) UpdateMemoryMetadata(ctx context.Context, contentHash string, updates map[string]interface{}, preserveTimestamps bool) (storage.UpdateResult, error) {
	if contentHash == "" {
		return storage.UpdateResult{}, fmt.Errorf("%w: content hash is required", storage.ErrInvalidInput)
	}
	for _, key := range []string{"content", "content_hash", "created_at"} {
		if _, ok := updates[key]; ok {
			return storage.UpdateResult{}, fmt.Errorf("%w: %s is immutable", storage.ErrInvalidInput, key)
		}
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
	metadata := current.Metadata
	if metadata == nil {
		metadata = types.Metadata{}
	}
	updatedAt := types.NowTimestamp()

	for key, value := range updates {
		switch key {
		case "tags":
			parsed, err := types.CoerceTags(value)
			if err != nil {
				return storage.UpdateResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
			}
			tags = parsed
		case "memory_type":
			if str, ok := value.(string); ok {
				memoryType = str
			}
		case "metadata":
			merged, ok := value.(map[string]interface{})
			if !ok {
				return storage.UpdateResult{}, fmt.Errorf("%w: metadata must be an object", storage.ErrInvalidInput)
			}
			for k, v := range merged {
				metadata[k] = v
			}
		case "updated_at":
			if !preserveTimestamps {
				if f, ok := value.(float64); ok {
					updatedAt = f
				}
			}
		default:
			metadata[key] = value
		}
	}
	if err := types.ValidateMetadata(metadata); err != nil {
		return storage.UpdateResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if updatedAt < current.CreatedAt {
		updatedAt = current.CreatedAt
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return storage.UpdateResult{}, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE memories SET tags = $1, memory_type = $2, metadata = $3,
			updated_at = $4, updated_at_iso = $5
		WHERE content_hash = $6 AND deleted_at IS NULL`,
		types.SerializeTags(tags), memoryType, string(metaJSON),
		updatedAt, types.TimestampToISO(updatedAt), contentHash); err != nil {
		return storage.UpdateResult{}, fmt.Errorf("postgres: update metadata: %w", err)
	}
	return storage.UpdateResult{Updated: true, Message: "Memory updated"}, nil
}

// UpdateMemoriesBatch applies per-memory metadata updates, one ok flag
// per input.
func (s *Store) UpdateMemoriesBatch(ctx context.Context, memories []*types.Memory) ([]bool, error) {
	oks := make([]bool, len(memories))
	for i, m := range memories {
		if m == nil || m.ContentHash == "" {
			continue
		}
		updates := map[string]interface{}{
			"tags":        m.Tags,
			"memory_type": m.MemoryType,
		}
		if len(m.Metadata) > 0 {
			updates["metadata"] = map[string]interface{}(m.Metadata)
		}
		res, err := s.UpdateMemoryMetadata(ctx, m.ContentHash, updates, true)
		if err != nil {
			return oks, err
		}
		oks[i] = res.Updated
	}
	return oks, nil
}

// GetByHash fetches one live memory; nil when absent or tombstoned.
func (s *Store) GetByHash(ctx context.Context, contentHash string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM memories WHERE content_hash = $1 AND deleted_at IS NULL`, memoryColumns),
		contentHash)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get by hash: %w", err)
	}
	return m, nil
}

// GetByExactContent matches by hash and verifies content equality.
func (s *Store) GetByExactContent(ctx context.Context, content string) ([]*types.Memory, error) {
	m, err := s.GetByHash(ctx, types.HashContent(content))
	if err != nil || m == nil {
		return nil, err
	}
	if m.Content != content {
		return nil, nil
	}
	return []*types.Memory{m}, nil
}

// GetAllMemories pages live rows newest-first with optional filters.
func (s *Store) GetAllMemories(ctx context.Context, limit, offset int, memoryType string, tags []string) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM memories WHERE deleted_at IS NULL`, memoryColumns)
	var args []interface{}
	query, args = appendFilters(query, args, memoryType, tags)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get all: %w", err)
	}
	return collectMemories(rows)
}

// CountAllMemories counts live rows with the same filters.
func (s *Store) CountAllMemories(ctx context.Context, memoryType string, tags []string) (int, error) {
	query := `SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL`
	var args []interface{}
	query, args = appendFilters(query, args, memoryType, tags)

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count: %w", err)
	}
	return n, nil
}

func appendFilters(query string, args []interface{}, memoryType string, tags []string) (string, []interface{}) {
	if memoryType != "" {
		args = append(args, memoryType, memoryType+"/%")
		query += fmt.Sprintf(" AND (memory_type = $%d OR memory_type LIKE $%d)", len(args)-1, len(args))
	}
	for _, tag := range tags {
		args = append(args, tag)
		query += " AND " + tagPredicate(len(args))
	}
	return query, args
}

// GetMemoriesByTimeRange returns live rows in [start, end].
func (s *Store) GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE deleted_at IS NULL AND created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC`, memoryColumns),
		types.TimeToTimestamp(start), types.TimeToTimestamp(end))
	if err != nil {
		return nil, fmt.Errorf("postgres: time range: %w", err)
	}
	return collectMemories(rows)
}

// GetMemoryTimestamps returns created_at values only, descending.
func (s *Store) GetMemoryTimestamps(ctx context.Context, days int) ([]float64, error) {
	query := `SELECT created_at FROM memories WHERE deleted_at IS NULL`
	var args []interface{}
	if days > 0 {
		args = append(args, types.NowTimestamp()-float64(days)*86400)
		query += " AND created_at >= $1"
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: timestamps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []float64
	for rows.Next() {
		var ts float64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// SearchMemories is the unified entry point. Postgres has no FTS wiring
// here, so hybrid requests degrade to semantic scoring.
func (s *Store) SearchMemories(ctx context.Context, req storage.SearchRequest) (*storage.SearchResponse, error) {
	if err := req.Normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	var results []storage.Result
	switch {
	case req.Mode == storage.ModeExact:
		ms, err := s.GetByExactContent(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			results = append(results, storage.Result{Memory: m, RelevanceScore: 1})
		}
	case req.Query == "":
		ms, err := s.GetAllMemories(ctx, req.Limit, 0, "", req.Tags)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			results = append(results, storage.Result{Memory: m, RelevanceScore: 1})
		}
	case req.QualityBoost > 0:
		var err error
		results, err = s.RetrieveWithQualityBoost(ctx, req.Query, req.Limit, req.QualityBoost)
		if err != nil {
			return nil, err
		}
	default:
		var err error
		results, err = s.Retrieve(ctx, req.Query, req.Limit)
		if err != nil {
			return nil, err
		}
	}

	var filtered []storage.Result
	for _, r := range results {
		if req.After != nil && r.Memory.CreatedAt < types.TimeToTimestamp(*req.After) {
			continue
		}
		if req.Before != nil && r.Memory.CreatedAt > types.TimeToTimestamp(*req.Before) {
			continue
		}
		if len(req.Tags) > 0 {
			hits := 0
			for _, tag := range req.Tags {
				if r.Memory.HasTag(tag) {
					hits++
				}
			}
			if req.TagMatch == storage.MatchAll && hits != len(req.Tags) {
				continue
			}
			if req.TagMatch != storage.MatchAll && hits == 0 {
				continue
			}
		}
		filtered = append(filtered, r)
	}
	if len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}

	resp := &storage.SearchResponse{Results: filtered}
	if req.Debug {
		resp.PreFilterCount = len(results)
		resp.PostFilterCount = len(filtered)
	}
	return resp, nil
}

// GetRecentMemories returns the n newest live rows.
func (s *Store) GetRecentMemories(ctx context.Context, n int) ([]*types.Memory, error) {
	return s.GetAllMemories(ctx, n, 0, "", nil)
}

// GetAllTags returns distinct tags across live rows.
func (s *Store) GetAllTags(ctx context.Context) ([]string, error) {
	counts, err := s.GetAllTagsWithCounts(ctx)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(counts))
	for _, tc := range counts {
		tags = append(tags, tc.Tag)
	}
	sort.Strings(tags)
	return tags, nil
}

// GetAllTagsWithCounts splits the comma-joined tags column client-side.
func (s *Store) GetAllTagsWithCounts(ctx context.Context) ([]storage.TagCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tags FROM memories WHERE deleted_at IS NULL AND tags != ''`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var tags string
		if err := rows.Scan(&tags); err != nil {
			return nil, err
		}
		for _, tag := range types.ParseTagString(tags) {
			counts[tag]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]storage.TagCount, 0, len(counts))
	for tag, n := range counts {
		out = append(out, storage.TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

// GetStats summarizes the backend.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	total, err := s.CountAllMemories(ctx, "", nil)
	if err != nil {
		return nil, err
	}
	tags, err := s.GetAllTagsWithCounts(ctx)
	if err != nil {
		return nil, err
	}

	now := types.NowTimestamp()
	var week, month int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL AND created_at >= $1`,
		now-7*86400).Scan(&week); err != nil {
		return nil, fmt.Errorf("postgres: week count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL AND created_at >= $1`,
		now-30*86400).Scan(&month); err != nil {
		return nil, fmt.Errorf("postgres: month count: %w", err)
	}

	var size int64
	_ = s.db.QueryRowContext(ctx, `SELECT pg_total_relation_size('memories')`).Scan(&size)

	return &storage.Stats{
		Backend:           "postgres",
		TotalMemories:     total,
		UniqueTags:        len(tags),
		MemoriesThisWeek:  week,
		MemoriesThisMonth: month,
		SizeBytes:         size,
	}, nil
}

// IsDeleted reports whether a tombstone exists for the hash.
func (s *Store) IsDeleted(ctx context.Context, contentHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM memories WHERE content_hash = $1 AND deleted_at IS NOT NULL`,
		contentHash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: tombstone check: %w", err)
	}
	return true, nil
}

// PurgeDeleted removes tombstones older than the given age.
func (s *Store) PurgeDeleted(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: purge age must be non-negative", storage.ErrInvalidInput)
	}
	cutoff := types.NowTimestamp() - float64(olderThanDays)*86400
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// GetAllMemoriesCursor enumerates live rows newest-first; the cursor is
// the oldest created_at seen so far. Pass 0 to start.
func (s *Store) GetAllMemoriesCursor(ctx context.Context, limit int, cursor float64) ([]*types.Memory, float64, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM memories WHERE deleted_at IS NULL`, memoryColumns)
	var args []interface{}
	if cursor > 0 {
		args = append(args, cursor)
		query += " AND created_at < $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cursor, fmt.Errorf("postgres: cursor page: %w", err)
	}
	memories, err := collectMemories(rows)
	if err != nil {
		return nil, cursor, err
	}

	next := cursor
	for _, m := range memories {
		if next == 0 || m.CreatedAt < next {
			next = m.CreatedAt
		}
	}
	return memories, next, nil
}

var (
	_ storage.Backend          = (*Store)(nil)
	_ storage.TombstoneBackend = (*Store)(nil)
)
