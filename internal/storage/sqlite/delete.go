package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// Delete soft-deletes a memory: deleted_at is set, content is redacted,
// and the row stays behind as a tombstone so sync cannot resurrect the
// hash. Tag join rows and the embedding are removed immediately.
func (s *Store) Delete(ctx context.Context, contentHash string) (storage.DeleteResult, error) {
	if contentHash == "" {
		return storage.DeleteResult{}, fmt.Errorf("%w: content hash is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.DeleteResult{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted, err := s.tombstone(ctx, tx, contentHash)
	if err != nil {
		return storage.DeleteResult{}, err
	}
	if !deleted {
		return storage.DeleteResult{Message: fmt.Sprintf("Memory %s not found", contentHash)}, nil
	}

	if err := tx.Commit(); err != nil {
		return storage.DeleteResult{}, fmt.Errorf("sqlite: commit delete: %w", err)
	}
	return storage.DeleteResult{
		Deleted: true,
		Message: "Memory deleted",
		Count:   1,
		Hashes:  []string{contentHash},
	}, nil
}

// tombstone marks one live row deleted within a transaction.
func (s *Store) tombstone(ctx context.Context, tx *sql.Tx, contentHash string) (bool, error) {
	now := types.NowTimestamp()
	res, err := tx.ExecContext(ctx, `
		UPDATE memories SET deleted_at = ?, content = '',
			updated_at = ?, updated_at_iso = ?
		WHERE content_hash = ? AND deleted_at IS NULL`,
		now, now, types.TimestampToISO(now), contentHash)
	if err != nil {
		return false, fmt.Errorf("sqlite: tombstone %s: %w", contentHash, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: tombstone rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_hash = ?`, contentHash); err != nil {
		return false, fmt.Errorf("sqlite: clear tag rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_hash = ?`, contentHash); err != nil {
		return false, fmt.Errorf("sqlite: clear embedding: %w", err)
	}
	return true, nil
}

// DeleteByTag bulk-deletes live memories carrying the tag.
func (s *Store) DeleteByTag(ctx context.Context, tag string) (storage.DeleteResult, error) {
	return s.DeleteByTags(ctx, []string{tag})
}

// DeleteByTags bulk-deletes live memories carrying any of the tags,
// returning the affected hashes.
func (s *Store) DeleteByTags(ctx context.Context, tags []string) (storage.DeleteResult, error) {
	normalized, err := types.NormalizeTags(tags)
	if err != nil {
		return storage.DeleteResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if len(normalized) == 0 {
		return storage.DeleteResult{}, fmt.Errorf("%w: at least one tag is required", storage.ErrInvalidInput)
	}

	hashes, err := s.hashesByCriteria(ctx, normalized, storage.MatchAny, nil, nil)
	if err != nil {
		return storage.DeleteResult{}, err
	}
	return s.deleteHashes(ctx, hashes)
}

// DeleteMemories is the unified guarded delete: exactly one selector
// (hash or criteria), with a dry-run mode that reports what would go.
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
		normalized, err := types.NormalizeTags(filter.Tags)
		if err != nil {
			return storage.DeleteResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		match := filter.TagMatch
		if match == "" {
			match = storage.MatchAny
		}
		var before, after *float64
		if filter.Before != nil {
			ts := types.TimeToTimestamp(*filter.Before)
			before = &ts
		}
		if filter.After != nil {
			ts := types.TimeToTimestamp(*filter.After)
			after = &ts
		}
		hashes, err = s.hashesByCriteria(ctx, normalized, match, after, before)
		if err != nil {
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
	return s.deleteHashes(ctx, hashes)
}

// hashesByCriteria selects live hashes matching tag and time criteria.
func (s *Store) hashesByCriteria(ctx context.Context, tags []string, match storage.TagMatch, after, before *float64) ([]string, error) {
	var query string
	var args []interface{}

	if len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		query = `
			SELECT m.content_hash FROM memories m
			JOIN memory_tags t ON t.memory_hash = m.content_hash
			WHERE m.deleted_at IS NULL AND t.tag IN (` + placeholders + `)`
		for _, tag := range tags {
			args = append(args, tag)
		}
	} else {
		query = `SELECT m.content_hash FROM memories m WHERE m.deleted_at IS NULL`
	}

	if after != nil {
		query += ` AND m.created_at >= ?`
		args = append(args, *after)
	}
	if before != nil {
		query += ` AND m.created_at <= ?`
		args = append(args, *before)
	}

	if len(tags) > 0 {
		query += ` GROUP BY m.content_hash`
		if match == storage.MatchAll {
			query += ` HAVING COUNT(DISTINCT t.tag) = ?`
			args = append(args, len(tags))
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select delete candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("sqlite: scan delete candidate: %w", err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}

// deleteHashes tombstones a set of hashes in one transaction.
func (s *Store) deleteHashes(ctx context.Context, hashes []string) (storage.DeleteResult, error) {
	if len(hashes) == 0 {
		return storage.DeleteResult{Message: "No matching memories"}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.DeleteResult{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count := 0
	var deleted []string
	for _, hash := range hashes {
		ok, err := s.tombstone(ctx, tx, hash)
		if err != nil {
			return storage.DeleteResult{}, err
		}
		if ok {
			count++
			deleted = append(deleted, hash)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.DeleteResult{}, fmt.Errorf("sqlite: commit bulk delete: %w", err)
	}
	return storage.DeleteResult{
		Deleted: count > 0,
		Message: fmt.Sprintf("Deleted %d memories", count),
		Count:   count,
		Hashes:  deleted,
	}, nil
}

// IsDeleted reports whether a tombstone exists for the hash.
func (s *Store) IsDeleted(ctx context.Context, contentHash string) (bool, error) {
	if contentHash == "" {
		return false, fmt.Errorf("%w: content hash is required", storage.ErrInvalidInput)
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM memories WHERE content_hash = ? AND deleted_at IS NOT NULL`,
		contentHash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: tombstone check: %w", err)
	}
	return true, nil
}

// PurgeDeleted removes tombstones older than the given age, returning
// how many rows were dropped. Live rows are never touched.
func (s *Store) PurgeDeleted(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: purge age must be non-negative", storage.ErrInvalidInput)
	}
	cutoff := types.NowTimestamp() - float64(olderThanDays)*86400
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge tombstones: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge rows affected: %w", err)
	}
	return int(affected), nil
}
