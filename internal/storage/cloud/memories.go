package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// tagPredicate matches one tag inside the comma-joined tags column.
const tagPredicate = `(',' || tags || ',') LIKE ('%,' || ? || ',%')`

// Store mirrors one memory into the cloud: relational row, vector, and
// bucket object for oversize content. Duplicate hashes and local-style
// tombstones behave exactly like the primary.
func (s *Store) Store(ctx context.Context, m *types.Memory) (storage.StoreResult, error) {
	if m == nil || m.Content == "" {
		return storage.StoreResult{}, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	if m.ContentHash == "" {
		m.ContentHash = types.HashContent(m.Content)
	}

	existing, err := s.query(ctx,
		`SELECT deleted_at FROM memories WHERE content_hash = ?`, m.ContentHash)
	if err != nil {
		return storage.StoreResult{}, err
	}
	if len(existing) > 0 {
		if existing[0]["deleted_at"] != nil {
			return storage.StoreResult{Message: "Memory was deleted; tombstone blocks re-store until purged"}, nil
		}
		return storage.StoreResult{Message: storage.DuplicateMessage}, nil
	}

	metadataJSON := "{}"
	if len(m.Metadata) > 0 {
		if err := types.ValidateMetadata(m.Metadata); err != nil {
			return storage.StoreResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		buf, err := json.Marshal(m.Metadata)
		if err != nil {
			return storage.StoreResult{}, fmt.Errorf("cloud: marshal metadata: %w", err)
		}
		metadataJSON = string(buf)
	}
	if s.cfg.MaxMetadataBytes > 0 && len(metadataJSON) > s.cfg.MaxMetadataBytes {
		return storage.StoreResult{}, &apiError{status: 413, message: fmt.Sprintf(
			"metadata size limit exceeded: %d > %d bytes", len(metadataJSON), s.cfg.MaxMetadataBytes)}
	}

	vec := m.Embedding
	if len(vec) == 0 {
		vec, err = s.provider.Embed(ctx, m.Content)
		if err != nil {
			return storage.StoreResult{}, fmt.Errorf("cloud: embed content: %w", err)
		}
	}

	content := m.Content
	if s.cfg.LargeContentThreshold > 0 && len(content) >= s.cfg.LargeContentThreshold {
		key := blobKey(m.ContentHash)
		if err := s.putBlob(ctx, key, content); err != nil {
			return storage.StoreResult{}, err
		}
		content = blobURIPrefix + key
	}

	if m.CreatedAt == 0 {
		now := types.NowTimestamp()
		m.CreatedAt, m.UpdatedAt = now, now
		m.CreatedAtISO = types.TimestampToISO(now)
		m.UpdatedAtISO = m.CreatedAtISO
	}

	if err := s.exec(ctx, `
		INSERT INTO memories (content_hash, content, memory_type, tags, metadata,
			created_at, created_at_iso, updated_at, updated_at_iso, vector_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ContentHash, content, m.MemoryType, types.SerializeTags(m.Tags), metadataJSON,
		m.CreatedAt, m.CreatedAtISO, m.UpdatedAt, m.UpdatedAtISO, m.ContentHash); err != nil {
		return storage.StoreResult{}, err
	}

	if err := s.upsertVectors(ctx, []vectorRecord{{ID: m.ContentHash, Values: vec}}); err != nil {
		return storage.StoreResult{}, err
	}
	return storage.StoreResult{Stored: true, Message: "Memory stored"}, nil
}

// StoreBatch mirrors several memories. The remote services have no
// cross-service transaction, so each row is stored independently and
// the first infrastructure error aborts.
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

// Retrieve performs vector similarity search against the remote index.
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]storage.Result, error) {
	if n <= 0 {
		n = 10
	}
	vec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("cloud: embed query: %w", err)
	}
	matches, err := s.queryVectors(ctx, vec, n)
	if err != nil {
		return nil, err
	}

	var results []storage.Result
	for _, match := range matches {
		m, err := s.GetByHash(ctx, match.ID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		score := math.Max(0, math.Min(1, match.Score))
		results = append(results, storage.Result{Memory: m, RelevanceScore: score})
	}
	return results, nil
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

	query := `SELECT * FROM memories WHERE deleted_at IS NULL`
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
		query += tagPredicate
		args = append(args, tag)
	}
	query += ")"

	if timeStart != nil {
		query += " AND created_at >= ?"
		args = append(args, types.TimeToTimestamp(*timeStart))
	}
	if timeEnd != nil {
		query += " AND created_at <= ?"
		args = append(args, types.TimeToTimestamp(*timeEnd))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.rowsToMemories(ctx, rows)
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

	query := `SELECT * FROM memories WHERE deleted_at IS NULL`
	var args []interface{}
	if len(normalized) > 0 {
		query += " AND ("
		for i, tag := range normalized {
			if i > 0 {
				query += " OR "
			}
			query += tagPredicate
			args = append(args, tag)
		}
		query += ")"
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.rowsToMemories(ctx, rows)
}

// Delete tombstones the remote row, removes its vector, and drops any
// offloaded content object.
func (s *Store) Delete(ctx context.Context, contentHash string) (storage.DeleteResult, error) {
	if contentHash == "" {
		return storage.DeleteResult{}, fmt.Errorf("%w: content hash is required", storage.ErrInvalidInput)
	}

	now := types.NowTimestamp()
	rows, err := s.query(ctx, `
		UPDATE memories SET deleted_at = ?, content = '', updated_at = ?, updated_at_iso = ?
		WHERE content_hash = ? AND deleted_at IS NULL
		RETURNING content_hash`,
		now, now, types.TimestampToISO(now), contentHash)
	if err != nil {
		return storage.DeleteResult{}, err
	}
	if len(rows) == 0 {
		return storage.DeleteResult{Message: fmt.Sprintf("Memory %s not found", contentHash)}, nil
	}

	if err := s.deleteVectors(ctx, []string{contentHash}); err != nil {
		return storage.DeleteResult{}, err
	}
	if err := s.deleteBlob(ctx, blobKey(contentHash)); err != nil {
		return storage.DeleteResult{}, err
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
	return s.deleteAll(ctx, matches)
}

// DeleteMemories is the unified guarded delete.
func (s *Store) DeleteMemories(ctx context.Context, filter storage.DeleteFilter, dryRun bool) (storage.DeleteResult, error) {
	if err := filter.Validate(); err != nil {
		return storage.DeleteResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	var candidates []*types.Memory
	if filter.ContentHash != "" {
		m, err := s.GetByHash(ctx, filter.ContentHash)
		if err != nil {
			return storage.DeleteResult{}, err
		}
		if m != nil {
			candidates = []*types.Memory{m}
		}
	} else if len(filter.Tags) > 0 {
		match := filter.TagMatch
		if match == "" {
			match = storage.MatchAny
		}
		ms, err := s.SearchByTags(ctx, filter.Tags, match, filter.After, filter.Before)
		if err != nil {
			return storage.DeleteResult{}, err
		}
		candidates = ms
	} else {
		start, end := time.Unix(0, 0), time.Now().Add(24*time.Hour)
		if filter.After != nil {
			start = *filter.After
		}
		if filter.Before != nil {
			end = *filter.Before
		}
		ms, err := s.GetMemoriesByTimeRange(ctx, start, end)
		if err != nil {
			return storage.DeleteResult{}, err
		}
		candidates = ms
	}

	if dryRun {
		hashes := make([]string, len(candidates))
		for i, m := range candidates {
			hashes[i] = m.ContentHash
		}
		return storage.DeleteResult{
			Message: fmt.Sprintf("Dry run: %d memories would be deleted", len(hashes)),
			Count:   len(hashes),
			Hashes:  hashes,
		}, nil
	}
	return s.deleteAll(ctx, candidates)
}

func (s *Store) deleteAll(ctx context.Context, memories []*types.Memory) (storage.DeleteResult, error) {
	if len(memories) == 0 {
		return storage.DeleteResult{Message: "No matching memories"}, nil
	}
	count := 0
	var hashes []string
	for _, m := range memories {
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

// UpdateMemoryMetadata mutates tags/type/metadata on the remote row.
// Content, content hash, and created_at are immutable.
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
		return storage.UpdateResult{}, fmt.Errorf("cloud: marshal metadata: %w", err)
	}
	if err := s.exec(ctx, `
		UPDATE memories SET tags = ?, memory_type = ?, metadata = ?,
			updated_at = ?, updated_at_iso = ?
		WHERE content_hash = ? AND deleted_at IS NULL`,
		types.SerializeTags(tags), memoryType, string(metaJSON),
		updatedAt, types.TimestampToISO(updatedAt), contentHash); err != nil {
		return storage.UpdateResult{}, err
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
	rows, err := s.query(ctx,
		`SELECT * FROM memories WHERE content_hash = ? AND deleted_at IS NULL`, contentHash)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.rowToMemory(ctx, rows[0])
}

// GetByExactContent matches by hash, then verifies content equality
// after blob dereferencing.
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

// GetAllMemories pages live rows newest-first with optional type and
// tag filters.
func (s *Store) GetAllMemories(ctx context.Context, limit, offset int, memoryType string, tags []string) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM memories WHERE deleted_at IS NULL`
	var args []interface{}
	query, args = appendTypeAndTags(query, args, memoryType, tags)
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.rowsToMemories(ctx, rows)
}

// CountAllMemories counts live rows with the same filters.
func (s *Store) CountAllMemories(ctx context.Context, memoryType string, tags []string) (int, error) {
	query := `SELECT COUNT(*) AS n FROM memories WHERE deleted_at IS NULL`
	var args []interface{}
	query, args = appendTypeAndTags(query, args, memoryType, tags)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(rowFloat(rows[0], "n")), nil
}

func appendTypeAndTags(query string, args []interface{}, memoryType string, tags []string) (string, []interface{}) {
	if memoryType != "" {
		query += " AND (memory_type = ? OR memory_type LIKE ?)"
		args = append(args, memoryType, memoryType+"/%")
	}
	for _, tag := range tags {
		query += " AND " + tagPredicate
		args = append(args, tag)
	}
	return query, args
}

// GetMemoriesByTimeRange returns live rows in [start, end].
func (s *Store) GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]*types.Memory, error) {
	rows, err := s.query(ctx, `
		SELECT * FROM memories
		WHERE deleted_at IS NULL AND created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC`,
		types.TimeToTimestamp(start), types.TimeToTimestamp(end))
	if err != nil {
		return nil, err
	}
	return s.rowsToMemories(ctx, rows)
}

// GetMemoryTimestamps returns created_at values only, descending.
func (s *Store) GetMemoryTimestamps(ctx context.Context, days int) ([]float64, error) {
	query := `SELECT created_at FROM memories WHERE deleted_at IS NULL`
	var args []interface{}
	if days > 0 {
		query += " AND created_at >= ?"
		args = append(args, types.NowTimestamp()-float64(days)*86400)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowFloat(r, "created_at"))
	}
	return out, nil
}

// SearchMemories is the unified entry point. The remote index has no
// lexical search, so hybrid requests degrade to semantic scoring.
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

	filtered := results[:0:0]
	for _, r := range results {
		if req.After != nil && r.Memory.CreatedAt < types.TimeToTimestamp(*req.After) {
			continue
		}
		if req.Before != nil && r.Memory.CreatedAt > types.TimeToTimestamp(*req.Before) {
			continue
		}
		if len(req.Tags) > 0 && !memoryMatchesTags(r.Memory, req.Tags, req.TagMatch) {
			continue
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

func memoryMatchesTags(m *types.Memory, tags []string, match storage.TagMatch) bool {
	hits := 0
	for _, tag := range tags {
		if m.HasTag(tag) {
			hits++
		}
	}
	if match == storage.MatchAll {
		return hits == len(tags)
	}
	return hits > 0
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

// GetAllTagsWithCounts splits the comma-joined tags column client-side;
// the remote schema has no join table.
func (s *Store) GetAllTagsWithCounts(ctx context.Context) ([]storage.TagCount, error) {
	rows, err := s.query(ctx,
		`SELECT tags FROM memories WHERE deleted_at IS NULL AND tags != ''`)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, r := range rows {
		for _, tag := range types.ParseTagString(rowString(r, "tags")) {
			counts[tag]++
		}
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

// GetStats summarizes the remote backend, including the vector index
// size used by the capacity guard.
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
	week, err := s.countSince(ctx, now-7*86400)
	if err != nil {
		return nil, err
	}
	month, err := s.countSince(ctx, now-30*86400)
	if err != nil {
		return nil, err
	}

	stats := &storage.Stats{
		Backend:           "cloud",
		TotalMemories:     total,
		UniqueTags:        len(tags),
		MemoriesThisWeek:  week,
		MemoriesThisMonth: month,
	}
	if count, err := s.vectorCount(ctx); err == nil {
		stats.SyncStatus = map[string]interface{}{
			"vector_count": count,
			"vector_limit": s.cfg.MaxVectors,
		}
	}
	return stats, nil
}

func (s *Store) countSince(ctx context.Context, since float64) (int, error) {
	rows, err := s.query(ctx,
		`SELECT COUNT(*) AS n FROM memories WHERE deleted_at IS NULL AND created_at >= ?`, since)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(rowFloat(rows[0], "n")), nil
}

// IsDeleted reports whether a remote tombstone exists for the hash.
func (s *Store) IsDeleted(ctx context.Context, contentHash string) (bool, error) {
	rows, err := s.query(ctx,
		`SELECT 1 AS one FROM memories WHERE content_hash = ? AND deleted_at IS NOT NULL`, contentHash)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// PurgeDeleted removes remote tombstones older than the given age.
func (s *Store) PurgeDeleted(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: purge age must be non-negative", storage.ErrInvalidInput)
	}
	cutoff := types.NowTimestamp() - float64(olderThanDays)*86400
	rows, err := s.query(ctx, `
		DELETE FROM memories WHERE deleted_at IS NOT NULL AND deleted_at < ?
		RETURNING content_hash`, cutoff)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// GetAllMemoriesCursor enumerates live rows oldest-last. The cursor is
// the oldest created_at seen so far; pass 0 to start. This sidesteps
// the remote store's deep-offset limitations during initial sync.
func (s *Store) GetAllMemoriesCursor(ctx context.Context, limit int, cursor float64) ([]*types.Memory, float64, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM memories WHERE deleted_at IS NULL`
	var args []interface{}
	if cursor > 0 {
		query += " AND created_at < ?"
		args = append(args, cursor)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, cursor, err
	}
	memories, err := s.rowsToMemories(ctx, rows)
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
