package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/internal/timex"
	"github.com/evermem/evermem/pkg/types"
)

// vectorSearchMaxCandidates caps how many embeddings are loaded into
// memory during a vector scan. Candidates are selected newest-first, so
// recent memories are always considered. Typical personal datasets stay
// well under this; larger deployments should mirror into pgvector.
const vectorSearchMaxCandidates = 10_000

type scoredHash struct {
	hash      string
	score     float64
	createdAt float64
}

// Retrieve performs vector similarity search. Relevance is cosine
// similarity on unit-normalized vectors, clamped to [0,1].
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]storage.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}
	if n <= 0 {
		n = 10
	}

	queryVec, err := s.cfg.Provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: embed query: %w", err)
	}

	candidates, err := s.vectorCandidates(ctx, queryVec, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	results, err := s.resolveScored(ctx, candidates, nil)
	if err != nil {
		return nil, err
	}
	s.recordAccess(ctx, resultHashes(results))
	return results, nil
}

// RetrieveWithQualityBoost over-fetches 3×n semantic candidates,
// reranks by weight·quality + (1-weight)·semantic, and returns the top
// n. Debug carries the pre-boost semantic score for each hit.
func (s *Store) RetrieveWithQualityBoost(ctx context.Context, query string, n int, weight float64) ([]storage.Result, error) {
	if weight < 0 || weight > 1 {
		return nil, fmt.Errorf("%w: quality weight %.2f out of [0,1]", storage.ErrInvalidInput, weight)
	}
	if n <= 0 {
		n = 10
	}

	queryVec, err := s.cfg.Provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: embed query: %w", err)
	}

	candidates, err := s.vectorCandidates(ctx, queryVec, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 3*n {
		candidates = candidates[:3*n]
	}

	results, err := s.resolveScored(ctx, candidates, nil)
	if err != nil {
		return nil, err
	}

	for i := range results {
		semantic := results[i].RelevanceScore
		quality := results[i].Memory.QualityScore()
		composite := weight*quality + (1-weight)*semantic
		results[i].Debug = map[string]float64{
			"original_semantic_score": semantic,
			"quality_score":           quality,
			"composite_score":         composite,
		}
		results[i].RelevanceScore = composite
	}

	// Stable sort keeps the semantic order for composite ties.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if len(results) > n {
		results = results[:n]
	}
	s.recordAccess(ctx, resultHashes(results))
	return results, nil
}

// vectorCandidates scans stored embeddings and returns hashes scored by
// cosine similarity, descending. The optional time window is pushed
// into the candidate SQL so filtered searches never rank excluded rows.
func (s *Store) vectorCandidates(ctx context.Context, queryVec []float32, timeStart, timeEnd *float64) ([]scoredHash, error) {
	query := `
		SELECT e.memory_hash, e.embedding, e.dimension, m.created_at
		FROM memory_embeddings e
		JOIN memories m ON m.content_hash = e.memory_hash
		WHERE m.deleted_at IS NULL`
	var args []interface{}
	if timeStart != nil {
		query += ` AND m.created_at >= ?`
		args = append(args, *timeStart)
	}
	if timeEnd != nil {
		query += ` AND m.created_at <= ?`
		args = append(args, *timeEnd)
	}
	query += ` ORDER BY m.created_at DESC LIMIT ?`
	args = append(args, vectorSearchMaxCandidates)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []scoredHash
	for rows.Next() {
		var hash string
		var blob []byte
		var dim int
		var createdAt float64
		if err := rows.Scan(&hash, &blob, &dim, &createdAt); err != nil {
			continue
		}
		vec, err := deserializeEmbedding(blob, dim)
		if err != nil {
			continue
		}
		sim := embedding.CosineSimilarity(queryVec, vec)
		candidates = append(candidates, scoredHash{hash, embedding.Relevance(sim), createdAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate embeddings: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].createdAt > candidates[j].createdAt
	})
	return candidates, nil
}

// resolveScored fetches memory rows for scored hashes, preserving score
// order. extraDebug, when non-nil, is merged into each result's debug.
func (s *Store) resolveScored(ctx context.Context, candidates []scoredHash, extraDebug map[string]map[string]float64) ([]storage.Result, error) {
	var results []storage.Result
	for _, c := range candidates {
		m, err := s.GetByHash(ctx, c.hash)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		r := storage.Result{Memory: m, RelevanceScore: c.score}
		if extraDebug != nil {
			if dbg, ok := extraDebug[c.hash]; ok {
				r.Debug = dbg
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// hybridSearch blends FTS5 BM25 and vector similarity. Both score
// distributions are min-max normalized to [0,1] within the candidate
// pool before the weighted combination; ties break by recency.
func (s *Store) hybridSearch(ctx context.Context, query string, n int) ([]storage.Result, error) {
	poolSize := 3 * n
	if poolSize < 30 {
		poolSize = 30
	}

	queryVec, err := s.cfg.Provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: embed query: %w", err)
	}
	vecCandidates, err := s.vectorCandidates(ctx, queryVec, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(vecCandidates) > poolSize {
		vecCandidates = vecCandidates[:poolSize]
	}

	ftsScores, ftsCreated, err := s.ftsScores(ctx, query, poolSize)
	if err != nil {
		return nil, err
	}

	vecScores := make(map[string]float64, len(vecCandidates))
	created := make(map[string]float64, len(vecCandidates)+len(ftsCreated))
	for _, c := range vecCandidates {
		vecScores[c.hash] = c.score
		created[c.hash] = c.createdAt
	}
	for hash, ts := range ftsCreated {
		created[hash] = ts
	}

	normVec := minMaxNormalize(vecScores)
	normFts := minMaxNormalize(ftsScores)

	kw, sem := s.cfg.KeywordWeight, s.cfg.SemanticWeight
	if total := kw + sem; total > 0 {
		kw, sem = kw/total, sem/total
	}

	combined := make(map[string]float64)
	for hash := range created {
		combined[hash] = kw*normFts[hash] + sem*normVec[hash]
	}

	ranked := make([]scoredHash, 0, len(combined))
	debug := make(map[string]map[string]float64, len(combined))
	for hash, score := range combined {
		ranked = append(ranked, scoredHash{hash, score, created[hash]})
		debug[hash] = map[string]float64{
			"keyword_score":  normFts[hash],
			"semantic_score": normVec[hash],
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].createdAt > ranked[j].createdAt
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	results, err := s.resolveScored(ctx, ranked, debug)
	if err != nil {
		return nil, err
	}
	s.recordAccess(ctx, resultHashes(results))
	return results, nil
}

// ftsScores runs a BM25 query and returns positive match scores by
// hash. FTS5 rank is negative (more negative is better), so scores are
// negated before normalization.
func (s *Store) ftsScores(ctx context.Context, query string, limit int) (map[string]float64, map[string]float64, error) {
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return map[string]float64{}, map[string]float64{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.content_hash, -rank, m.created_at
		FROM memories_fts fts
		JOIN memories m ON m.id = fts.rowid
		WHERE memories_fts MATCH ? AND m.deleted_at IS NULL
		ORDER BY rank LIMIT ?`, ftsQuery, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: FTS MATCH %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	scores := make(map[string]float64)
	created := make(map[string]float64)
	for rows.Next() {
		var hash string
		var score, createdAt float64
		if err := rows.Scan(&hash, &score, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("sqlite: scan FTS row: %w", err)
		}
		scores[hash] = score
		created[hash] = createdAt
	}
	return scores, created, rows.Err()
}

// minMaxNormalize rescales scores to [0,1] within the pool. A constant
// distribution maps every present key to 1 so it neither dominates nor
// vanishes in the blend.
func minMaxNormalize(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	min, max := 0.0, 0.0
	first := true
	for _, v := range scores {
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	for k, v := range scores {
		if max == min {
			out[k] = 1
		} else {
			out[k] = (v - min) / (max - min)
		}
	}
	return out
}

// sanitizeFTSQuery converts free-form input into a safe FTS5 MATCH
// expression: special characters stripped, each word prefix-matched
// with OR semantics.
func sanitizeFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, " ", `'`, " ", `(`, " ", `)`, " ",
		`*`, " ", `-`, " ", `^`, " ", `?`, " ", `:`, " ",
	)
	words := strings.Fields(strings.ToLower(replacer.Replace(query)))

	var terms []string
	for _, w := range words {
		if len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}
	return strings.Join(terms, " OR ")
}

// SearchByTag returns live memories carrying any of the tags. When
// timeStart is set, created_at >= timeStart is applied in the same SQL
// predicate — both filters live in the store layer.
func (s *Store) SearchByTag(ctx context.Context, tags []string, timeStart *time.Time) ([]*types.Memory, error) {
	var start, end *time.Time
	if timeStart != nil {
		start = timeStart
	}
	return s.SearchByTags(ctx, tags, storage.MatchAny, start, end)
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
	if match == "" {
		match = storage.MatchAny
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(normalized)), ",")
	query := `
		SELECT ` + qualifiedMemoryColumns + ` FROM memories m
		JOIN memory_tags t ON t.memory_hash = m.content_hash
		WHERE m.deleted_at IS NULL AND t.tag IN (` + placeholders + `)`
	var args []interface{}
	for _, tag := range normalized {
		args = append(args, tag)
	}
	if timeStart != nil {
		query += ` AND m.created_at >= ?`
		args = append(args, types.TimeToTimestamp(*timeStart))
	}
	if timeEnd != nil {
		query += ` AND m.created_at <= ?`
		args = append(args, types.TimeToTimestamp(*timeEnd))
	}

	query += ` GROUP BY m.content_hash`
	if match == storage.MatchAll {
		query += ` HAVING COUNT(DISTINCT t.tag) = ?`
		args = append(args, len(normalized))
	}
	query += ` ORDER BY m.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: tag search: %w", err)
	}
	return scanMemoryRows(rows)
}

// SearchByTagChronological pages tag matches newest-first.
func (s *Store) SearchByTagChronological(ctx context.Context, tags []string, limit, offset int) ([]*types.Memory, error) {
	normalized, err := types.NormalizeTags(tags)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: at least one tag is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(normalized)), ",")
	query := `
		SELECT ` + qualifiedMemoryColumns + ` FROM memories m
		JOIN memory_tags t ON t.memory_hash = m.content_hash
		WHERE m.deleted_at IS NULL AND t.tag IN (` + placeholders + `)
		GROUP BY m.content_hash
		ORDER BY m.created_at DESC
		LIMIT ? OFFSET ?`
	var args []interface{}
	for _, tag := range normalized {
		args = append(args, tag)
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: chronological tag search: %w", err)
	}
	return scanMemoryRows(rows)
}

// qualifiedMemoryColumns is memoryColumns with the m. prefix for joins.
const qualifiedMemoryColumns = `m.content_hash, m.content, m.memory_type, m.tags, m.metadata,
	m.created_at, m.created_at_iso, m.updated_at, m.updated_at_iso`

// SearchMemories is the unified validated search. Filters apply in a
// fixed order: mode result, then time window, then tags, then limit.
// Debug requests populate the pre/post filter counters.
func (s *Store) SearchMemories(ctx context.Context, req storage.SearchRequest) (*storage.SearchResponse, error) {
	if err := req.Normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	after, before := req.After, req.Before
	if req.TimeExpr != "" {
		start, end, err := timex.Resolve(req.TimeExpr, time.Now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		after, before = &start, &end
	}

	hasFilters := after != nil || before != nil || len(req.Tags) > 0
	fetchN := req.Limit
	if hasFilters {
		fetchN = req.Limit * 3
	}

	var base []storage.Result
	var err error
	switch {
	case req.Query == "":
		base, err = s.listAsResults(ctx, after, before, fetchN)
	case req.Mode == storage.ModeExact:
		var memories []*types.Memory
		memories, err = s.GetByExactContent(ctx, req.Query)
		for _, m := range memories {
			base = append(base, storage.Result{Memory: m, RelevanceScore: 1})
		}
	case req.Mode == storage.ModeHybrid:
		base, err = s.hybridSearch(ctx, req.Query, fetchN)
	case req.QualityBoost > 0:
		base, err = s.RetrieveWithQualityBoost(ctx, req.Query, fetchN, req.QualityBoost)
	default:
		base, err = s.Retrieve(ctx, req.Query, fetchN)
	}
	if err != nil {
		return nil, err
	}

	resp := &storage.SearchResponse{}
	if req.Debug {
		resp.PreFilterCount = len(base)
	}

	filtered := base[:0:0]
	for _, r := range base {
		if after != nil && r.Memory.CreatedAt < types.TimeToTimestamp(*after) {
			continue
		}
		if before != nil && r.Memory.CreatedAt > types.TimeToTimestamp(*before) {
			continue
		}
		if len(req.Tags) > 0 && !matchesTags(r.Memory, req.Tags, req.TagMatch) {
			continue
		}
		filtered = append(filtered, r)
	}
	if len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}

	if req.Debug {
		resp.PostFilterCount = len(filtered)
	}
	resp.Results = filtered
	return resp, nil
}

// listAsResults returns live memories in a time window as zero-score
// results, for tag/time-only searches without a query.
func (s *Store) listAsResults(ctx context.Context, after, before *time.Time, limit int) ([]storage.Result, error) {
	start := time.Unix(0, 0).UTC()
	end := time.Now().UTC().Add(24 * time.Hour)
	if after != nil {
		start = *after
	}
	if before != nil {
		end = *before
	}
	memories, err := s.GetMemoriesByTimeRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(memories) > limit {
		memories = memories[:limit]
	}
	results := make([]storage.Result, 0, len(memories))
	for _, m := range memories {
		results = append(results, storage.Result{Memory: m})
	}
	return results, nil
}

func matchesTags(m *types.Memory, tags []string, match storage.TagMatch) bool {
	if match == storage.MatchAll {
		for _, tag := range tags {
			if !m.HasTag(tag) {
				return false
			}
		}
		return true
	}
	for _, tag := range tags {
		if m.HasTag(tag) {
			return true
		}
	}
	return false
}

func resultHashes(results []storage.Result) []string {
	hashes := make([]string, 0, len(results))
	for _, r := range results {
		hashes = append(hashes, r.Memory.ContentHash)
	}
	return hashes
}
