// Package storage defines the uniform backend contract every store in
// evermem implements: the embedded SQLite primary, the cloud secondary,
// the Postgres secondary, and the hybrid engine that composes them.
//
// User-correctable outcomes (duplicates, unknown hashes, invalid
// filters) are modeled as values — StoreResult, DeleteResult — with a
// nil error. Errors are reserved for backend and infrastructure
// failures.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/evermem/evermem/pkg/types"
)

var (
	// ErrNotFound indicates that the requested memory was not found.
	ErrNotFound = errors.New("memory not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotSupported indicates the backend cannot perform the operation
	// (e.g. tombstone queries on a backend without soft delete).
	ErrNotSupported = errors.New("operation not supported by backend")
)

// DuplicateMessage is the exact message returned when storing content
// whose hash already exists. Duplicates are an outcome, not an error.
const DuplicateMessage = "Duplicate content detected"

// StoreResult reports the outcome of a store operation.
type StoreResult struct {
	Stored  bool   `json:"stored"`
	Message string `json:"message,omitempty"`

	// ChunkHashes lists the sibling hashes when oversize content was
	// auto-split; empty for single-row stores.
	ChunkHashes []string `json:"chunk_hashes,omitempty"`
}

// DeleteResult reports the outcome of a delete operation.
type DeleteResult struct {
	Deleted bool     `json:"deleted"`
	Message string   `json:"message,omitempty"`
	Count   int      `json:"count"`
	Hashes  []string `json:"hashes,omitempty"`
}

// UpdateResult reports the outcome of a metadata update.
type UpdateResult struct {
	Updated bool   `json:"updated"`
	Message string `json:"message,omitempty"`
}

// Result is one retrieval hit: a memory plus its relevance and optional
// per-result scoring detail for debugging.
type Result struct {
	Memory         *types.Memory      `json:"memory"`
	RelevanceScore float64            `json:"relevance_score"`
	Debug          map[string]float64 `json:"debug,omitempty"`
}

// TagMatch selects AND/OR semantics for multi-tag queries.
type TagMatch string

const (
	MatchAny TagMatch = "any" // OR across tags
	MatchAll TagMatch = "all" // AND across tags
)

// SearchMode selects the unified search strategy.
type SearchMode string

const (
	ModeSemantic SearchMode = "semantic"
	ModeExact    SearchMode = "exact"
	ModeHybrid   SearchMode = "hybrid"
)

// DeleteFilter is the unified delete selector. Exactly one of
// ContentHash or the criteria fields (Tags/Before/After) must be set;
// an empty filter is rejected so a missing argument can never become a
// mass deletion.
type DeleteFilter struct {
	ContentHash string     `json:"content_hash,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	TagMatch    TagMatch   `json:"tag_match,omitempty"`
	Before      *time.Time `json:"before,omitempty"`
	After       *time.Time `json:"after,omitempty"`
}

// Validate checks the exactly-one-selector rule.
func (f *DeleteFilter) Validate() error {
	hasHash := f.ContentHash != ""
	hasCriteria := len(f.Tags) > 0 || f.Before != nil || f.After != nil

	if !hasHash && !hasCriteria {
		return errors.New("delete filter requires content_hash or at least one of tags/before/after")
	}
	if hasHash && hasCriteria {
		return errors.New("delete filter accepts content_hash or criteria, not both")
	}
	if f.TagMatch != "" && f.TagMatch != MatchAny && f.TagMatch != MatchAll {
		return errors.New(`tag_match must be "any" or "all"`)
	}
	return nil
}

// SearchRequest drives the unified SearchMemories operation. Filters are
// applied in a fixed order: mode result, then time window, then tags,
// then limit.
type SearchRequest struct {
	Query        string     `json:"query,omitempty"`
	Mode         SearchMode `json:"mode,omitempty"`
	TimeExpr     string     `json:"time_expr,omitempty"`
	After        *time.Time `json:"after,omitempty"`
	Before       *time.Time `json:"before,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	TagMatch     TagMatch   `json:"tag_match,omitempty"`
	QualityBoost float64    `json:"quality_boost,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Debug        bool       `json:"debug,omitempty"`
}

// Normalize applies defaults and validates ranges.
func (r *SearchRequest) Normalize() error {
	if r.Mode == "" {
		r.Mode = ModeSemantic
	}
	switch r.Mode {
	case ModeSemantic, ModeExact, ModeHybrid:
	default:
		return errors.New(`search mode must be "semantic", "exact", or "hybrid"`)
	}
	if r.Mode != ModeExact && r.Query == "" && len(r.Tags) == 0 && r.TimeExpr == "" && r.After == nil && r.Before == nil {
		return errors.New("search requires a query, tags, or a time filter")
	}
	if r.Mode == ModeExact && r.Query == "" {
		return errors.New("exact search requires a query")
	}
	if r.QualityBoost < 0 || r.QualityBoost > 1 {
		return errors.New("quality_boost weight must be within [0,1]")
	}
	if r.TagMatch == "" {
		r.TagMatch = MatchAny
	}
	if r.Limit <= 0 {
		r.Limit = 10
	}
	if r.Limit > 500 {
		r.Limit = 500
	}
	return nil
}

// SearchResponse carries unified search hits plus optional filter-stage
// counters used by operators to diagnose over-filtering.
type SearchResponse struct {
	Results []Result `json:"results"`

	// PreFilterCount / PostFilterCount are populated when the request
	// asked for debug counters.
	PreFilterCount  int `json:"pre_filter_count,omitempty"`
	PostFilterCount int `json:"post_filter_count,omitempty"`
}

// TagCount pairs a tag with its live-memory count.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats summarizes a backend for the consumer contract.
type Stats struct {
	Backend           string                 `json:"backend"`
	TotalMemories     int                    `json:"total_memories"`
	UniqueTags        int                    `json:"unique_tags"`
	MemoriesThisWeek  int                    `json:"memories_this_week"`
	MemoriesThisMonth int                    `json:"memories_this_month"`
	SizeBytes         int64                  `json:"size_bytes"`
	SyncStatus        map[string]interface{} `json:"sync_status,omitempty"`
	Secondary         *Stats                 `json:"secondary,omitempty"`
}

// Backend is the uniform storage contract of the system. The hybrid
// engine implements it too, so upper layers never care which tier they
// talk to.
type Backend interface {
	// Initialize creates tables, indexes, and vector schema. Idempotent.
	Initialize(ctx context.Context) error

	// Store inserts a memory. A content-hash collision yields
	// {Stored:false, Message:DuplicateMessage} with a nil error.
	Store(ctx context.Context, memory *types.Memory) (StoreResult, error)

	// StoreBatch inserts several memories, one result per input, in a
	// single transaction where the backend supports it.
	StoreBatch(ctx context.Context, memories []*types.Memory) ([]StoreResult, error)

	// Retrieve performs vector similarity search. Relevance is in [0,1].
	Retrieve(ctx context.Context, query string, n int) ([]Result, error)

	// RetrieveWithQualityBoost over-fetches 3×n, reranks by
	// weight·quality + (1-weight)·semantic, and returns the top n.
	RetrieveWithQualityBoost(ctx context.Context, query string, n int, weight float64) ([]Result, error)

	// SearchByTag returns memories carrying any of the tags, optionally
	// requiring created_at >= timeStart. Both predicates are applied in
	// the store layer, never as a client post-filter.
	SearchByTag(ctx context.Context, tags []string, timeStart *time.Time) ([]*types.Memory, error)

	// SearchByTags is the AND/OR variant with an optional time window.
	SearchByTags(ctx context.Context, tags []string, match TagMatch, timeStart, timeEnd *time.Time) ([]*types.Memory, error)

	// SearchByTagChronological pages tag matches newest-first.
	SearchByTagChronological(ctx context.Context, tags []string, limit, offset int) ([]*types.Memory, error)

	// Delete tombstones (or hard-deletes) the memory with the hash.
	Delete(ctx context.Context, contentHash string) (DeleteResult, error)

	// DeleteByTag bulk-deletes memories carrying the tag.
	DeleteByTag(ctx context.Context, tag string) (DeleteResult, error)

	// DeleteByTags bulk-deletes memories carrying any of the tags.
	DeleteByTags(ctx context.Context, tags []string) (DeleteResult, error)

	// DeleteMemories is the unified guarded delete. With dryRun it
	// reports what would be deleted without mutating anything.
	DeleteMemories(ctx context.Context, filter DeleteFilter, dryRun bool) (DeleteResult, error)

	// UpdateMemoryMetadata mutates tags/type/metadata only. Content,
	// content hash, and created_at are immutable; updated_at advances.
	// With preserveTimestamps false, callers may supply their own
	// updated_at inside updates (used by sync reconciliation).
	UpdateMemoryMetadata(ctx context.Context, contentHash string, updates map[string]interface{}, preserveTimestamps bool) (UpdateResult, error)

	// UpdateMemoriesBatch applies per-memory metadata updates in one
	// transaction, one ok flag per input.
	UpdateMemoriesBatch(ctx context.Context, memories []*types.Memory) ([]bool, error)

	// GetByHash fetches one live memory, nil when absent or tombstoned.
	GetByHash(ctx context.Context, contentHash string) (*types.Memory, error)

	// GetByExactContent returns live memories whose content matches the
	// string exactly. Used by the "exact" search mode.
	GetByExactContent(ctx context.Context, content string) ([]*types.Memory, error)

	// GetAllMemories pages all live memories newest-first, optionally
	// filtered by memory type and tags.
	GetAllMemories(ctx context.Context, limit, offset int, memoryType string, tags []string) ([]*types.Memory, error)

	// CountAllMemories counts live memories with the same filters.
	CountAllMemories(ctx context.Context, memoryType string, tags []string) (int, error)

	// GetMemoriesByTimeRange returns live memories in [start, end].
	GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]*types.Memory, error)

	// GetMemoryTimestamps returns created_at values only, descending,
	// optionally limited to the last N days. Analytics use this to
	// avoid loading full rows.
	GetMemoryTimestamps(ctx context.Context, days int) ([]float64, error)

	// SearchMemories is the unified validated search entry point.
	SearchMemories(ctx context.Context, req SearchRequest) (*SearchResponse, error)

	// GetRecentMemories returns the n newest live memories.
	GetRecentMemories(ctx context.Context, n int) ([]*types.Memory, error)

	// GetAllTags returns distinct tags across live memories.
	GetAllTags(ctx context.Context) ([]string, error)

	// GetAllTagsWithCounts returns tags with live-memory counts,
	// descending by count.
	GetAllTagsWithCounts(ctx context.Context) ([]TagCount, error)

	// GetStats summarizes the backend.
	GetStats(ctx context.Context) (*Stats, error)

	// MaxContentLength reports the backend's content limit; 0 means
	// unlimited.
	MaxContentLength() int

	// SupportsChunking reports whether oversize content may be split
	// into sibling chunk memories.
	SupportsChunking() bool

	// Close releases backend resources.
	Close() error
}

// TombstoneBackend is implemented by backends with soft delete.
type TombstoneBackend interface {
	// IsDeleted reports whether a tombstone exists for the hash.
	IsDeleted(ctx context.Context, contentHash string) (bool, error)

	// PurgeDeleted removes tombstones older than the given age and
	// returns how many were purged.
	PurgeDeleted(ctx context.Context, olderThanDays int) (int, error)
}

// AssociationStore is implemented by backends that persist association
// edges discovered during consolidation.
type AssociationStore interface {
	// StoreAssociation upserts an edge by its canonical key.
	StoreAssociation(ctx context.Context, assoc *types.Association) error

	// GetAssociations returns edges touching the hash (either endpoint).
	GetAssociations(ctx context.Context, contentHash string) ([]*types.Association, error)

	// GetMemoryConnections returns per-hash edge counts, feeding the
	// connection boost in relevance scoring.
	GetMemoryConnections(ctx context.Context) (map[string]int, error)

	// HasAssociation reports whether an edge already exists between the
	// two hashes (in either direction for symmetric types).
	HasAssociation(ctx context.Context, sourceHash, targetHash string) (bool, error)
}

// AccessTracker is implemented by backends that record retrieval access
// patterns, feeding the access boost in relevance scoring.
type AccessTracker interface {
	// GetAccessPatterns returns last-access times by hash.
	GetAccessPatterns(ctx context.Context) (map[string]time.Time, error)
}
