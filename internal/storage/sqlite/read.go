package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// GetByHash fetches one live memory. Tombstoned and absent hashes both
// return nil with no error.
func (s *Store) GetByHash(ctx context.Context, contentHash string) (*types.Memory, error) {
	if contentHash == "" {
		return nil, fmt.Errorf("%w: content hash is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE content_hash = ? AND deleted_at IS NULL`, contentHash)

	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get by hash: %w", err)
	}
	return m, nil
}

// GetByExactContent returns live memories whose content matches the
// string exactly. The content_hash index makes this O(1): identical
// content always carries the identical hash.
func (s *Store) GetByExactContent(ctx context.Context, content string) ([]*types.Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE content_hash = ? AND content = ? AND deleted_at IS NULL`,
		types.HashContent(content), content)
	if err != nil {
		return nil, fmt.Errorf("sqlite: exact content query: %w", err)
	}
	return scanMemoryRows(rows)
}

// GetAllMemories pages live memories newest-first with optional type
// and tag filters. Pagination happens in SQL, never in the caller.
func (s *Store) GetAllMemories(ctx context.Context, limit, offset int, memoryType string, tags []string) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	where, args := liveFilter(memoryType, tags)
	query := `SELECT ` + memoryColumns + ` FROM memories m ` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get all memories: %w", err)
	}
	return scanMemoryRows(rows)
}

// CountAllMemories counts live memories with the same filters as
// GetAllMemories, using COUNT rather than loading rows.
func (s *Store) CountAllMemories(ctx context.Context, memoryType string, tags []string) (int, error) {
	where, args := liveFilter(memoryType, tags)
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories m `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count memories: %w", err)
	}
	return count, nil
}

// liveFilter builds the shared WHERE clause for type/tag-filtered
// listing over live rows.
func liveFilter(memoryType string, tags []string) (string, []interface{}) {
	clauses := []string{"m.deleted_at IS NULL"}
	var args []interface{}

	if memoryType != "" {
		// Match the base type exactly or any of its subtypes.
		clauses = append(clauses, "(m.memory_type = ? OR m.memory_type LIKE ?)")
		args = append(args, memoryType, memoryType+"/%")
	}
	if len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM memory_tags t WHERE t.memory_hash = m.content_hash AND t.tag IN ("+placeholders+"))")
		for _, tag := range tags {
			args = append(args, tag)
		}
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// GetMemoriesByTimeRange returns live memories created within
// [start, end], newest first.
func (s *Store) GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]*types.Memory, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: time range end precedes start", storage.ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE deleted_at IS NULL AND created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC`,
		types.TimeToTimestamp(start), types.TimeToTimestamp(end))
	if err != nil {
		return nil, fmt.Errorf("sqlite: time range query: %w", err)
	}
	return scanMemoryRows(rows)
}

// GetMemoryTimestamps returns created_at values only, descending.
// days <= 0 returns all. Analytics call this to avoid loading rows.
func (s *Store) GetMemoryTimestamps(ctx context.Context, days int) ([]float64, error) {
	query := `SELECT created_at FROM memories WHERE deleted_at IS NULL`
	var args []interface{}
	if days > 0 {
		cutoff := types.NowTimestamp() - float64(days)*86400
		query += ` AND created_at >= ?`
		args = append(args, cutoff)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: timestamps query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []float64
	for rows.Next() {
		var ts float64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan timestamp: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// GetRecentMemories returns the n newest live memories.
func (s *Store) GetRecentMemories(ctx context.Context, n int) ([]*types.Memory, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent memories: %w", err)
	}
	return scanMemoryRows(rows)
}

// GetAllTags returns distinct tags across live memories, sorted.
func (s *Store) GetAllTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.tag FROM memory_tags t
		JOIN memories m ON m.content_hash = t.memory_hash
		WHERE m.deleted_at IS NULL
		ORDER BY t.tag`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: all tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("sqlite: scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// GetAllTagsWithCounts returns tags with live-memory counts, most
// frequent first.
func (s *Store) GetAllTagsWithCounts(ctx context.Context) ([]storage.TagCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.tag, COUNT(*) FROM memory_tags t
		JOIN memories m ON m.content_hash = t.memory_hash
		WHERE m.deleted_at IS NULL
		GROUP BY t.tag
		ORDER BY COUNT(*) DESC, t.tag`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: tags with counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.TagCount
	for rows.Next() {
		var tc storage.TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, fmt.Errorf("sqlite: scan tag count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// GetStats summarizes the backend for the consumer contract.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{Backend: "sqlite"}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL`).Scan(&stats.TotalMemories); err != nil {
		return nil, fmt.Errorf("sqlite: stats total: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT t.tag) FROM memory_tags t
		JOIN memories m ON m.content_hash = t.memory_hash
		WHERE m.deleted_at IS NULL`).Scan(&stats.UniqueTags); err != nil {
		return nil, fmt.Errorf("sqlite: stats tags: %w", err)
	}

	now := types.NowTimestamp()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL AND created_at >= ?`,
		now-7*86400).Scan(&stats.MemoriesThisWeek); err != nil {
		return nil, fmt.Errorf("sqlite: stats week: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL AND created_at >= ?`,
		now-30*86400).Scan(&stats.MemoriesThisMonth); err != nil {
		return nil, fmt.Errorf("sqlite: stats month: %w", err)
	}

	if s.path != ":memory:" {
		if info, err := os.Stat(s.path); err == nil {
			stats.SizeBytes = info.Size()
		}
	}
	return stats, nil
}

// GetAccessPatterns returns last-access times by hash for live memories
// that have been retrieved at least once. Feeds the consolidation
// access boost.
func (s *Store) GetAccessPatterns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_hash, CAST(json_extract(metadata, '$.last_accessed_at') AS REAL)
		FROM memories
		WHERE deleted_at IS NULL
		  AND json_extract(metadata, '$.last_accessed_at') IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: access patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]time.Time)
	for rows.Next() {
		var hash string
		var ts float64
		if err := rows.Scan(&hash, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan access pattern: %w", err)
		}
		if ts > 0 {
			out[hash] = types.TimestampToTime(ts)
		}
	}
	return out, rows.Err()
}

// recordAccess bumps access_count and last_accessed_at for retrieved
// memories. Retrieval stats feed the consolidation access boost; the
// bump deliberately leaves updated_at alone so reads never look like
// mutations.
func (s *Store) recordAccess(ctx context.Context, hashes []string) {
	if len(hashes) == 0 {
		return
	}
	now := types.NowTimestamp()
	for _, hash := range hashes {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE memories SET metadata = json_set(metadata,
				'$.access_count', COALESCE(json_extract(metadata, '$.access_count'), 0) + 1,
				'$.last_accessed_at', ?)
			WHERE content_hash = ? AND deleted_at IS NULL`, now, hash,
		); err != nil {
			// Access tracking is advisory; a failed bump never fails a read.
			return
		}
	}
}

// GetEmbeddings returns stored vectors by hash. Hashes with no stored
// embedding are simply absent from the result. Consolidation uses this
// for clustering and association discovery without re-embedding.
func (s *Store) GetEmbeddings(ctx context.Context, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	const chunk = 500
	for start := 0; start < len(hashes); start += chunk {
		end := start + chunk
		if end > len(hashes) {
			end = len(hashes)
		}
		batch := hashes[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]interface{}, len(batch))
		for i, h := range batch {
			args[i] = h
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT memory_hash, embedding, dimension FROM memory_embeddings
			WHERE memory_hash IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: load embeddings: %w", err)
		}
		for rows.Next() {
			var hash string
			var blob []byte
			var dim int
			if err := rows.Scan(&hash, &blob, &dim); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("sqlite: scan embedding: %w", err)
			}
			vec, err := deserializeEmbedding(blob, dim)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			out[hash] = vec
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return out, nil
}
