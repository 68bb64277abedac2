package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// newTestStore creates an in-memory store backed by the deterministic
// embedding provider.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{
		Path:     ":memory:",
		Provider: embedding.NewStaticProvider(64),
	})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustMemory(t *testing.T, content string, tags []string) *types.Memory {
	t.Helper()
	m, err := types.NewMemory(content, tags, "note", nil)
	if err != nil {
		t.Fatalf("failed to build memory: %v", err)
	}
	return m
}

func mustStore(t *testing.T, s *Store, m *types.Memory) {
	t.Helper()
	res, err := s.Store(context.Background(), m)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if !res.Stored {
		t.Fatalf("store rejected: %s", res.Message)
	}
}

func TestStoreAndGetByHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "meeting notes about project planning", []string{"work", "meeting"})
	mustStore(t, store, m)

	got, err := store.GetByHash(ctx, m.ContentHash)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected memory, got nil")
	}
	if got.Content != m.Content {
		t.Errorf("content mismatch: %q != %q", got.Content, m.Content)
	}
	if len(got.Tags) != 2 {
		t.Errorf("expected 2 tags, got %v", got.Tags)
	}
	if got.CreatedAt != m.CreatedAt {
		t.Errorf("created_at changed: %f != %f", got.CreatedAt, m.CreatedAt)
	}
}

func TestStoreDuplicateRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "the same content twice", nil)
	mustStore(t, store, m)

	dup := mustMemory(t, "the same content twice", nil)
	res, err := store.Store(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate store errored: %v", err)
	}
	if res.Stored {
		t.Fatal("duplicate was stored")
	}
	if res.Message != storage.DuplicateMessage {
		t.Errorf("unexpected message %q", res.Message)
	}

	count, err := store.CountAllMemories(ctx, "", nil)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d after duplicate, want 1", count)
	}
}

func TestHashStableAcrossPlatenormalization(t *testing.T) {
	a := types.HashContent("line one\r\nline two\n")
	b := types.HashContent("line one\nline two")
	if a != b {
		t.Error("hash differs across line-ending normalization")
	}
}

func TestStoreBatchRecordsDuplicatesWithoutAborting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m1 := mustMemory(t, "first batch entry", nil)
	m2 := mustMemory(t, "second batch entry", nil)
	mustStore(t, store, m1)

	dup := mustMemory(t, "first batch entry", nil)
	results, err := store.StoreBatch(ctx, []*types.Memory{dup, m2})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if results[0].Stored {
		t.Error("duplicate row reported as stored")
	}
	if !results[1].Stored {
		t.Errorf("fresh row rejected: %s", results[1].Message)
	}

	count, _ := store.CountAllMemories(ctx, "", nil)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestDeleteTombstoneSemantics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "memory that will be deleted", []string{"doomed"})
	mustStore(t, store, m)

	res, err := store.Delete(ctx, m.ContentHash)
	if err != nil || !res.Deleted {
		t.Fatalf("delete failed: %v %+v", err, res)
	}

	got, err := store.GetByHash(ctx, m.ContentHash)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Error("tombstoned memory still visible")
	}

	deleted, err := store.IsDeleted(ctx, m.ContentHash)
	if err != nil || !deleted {
		t.Fatalf("IsDeleted = %v, %v; want true", deleted, err)
	}

	// Re-store of the same hash is blocked until the tombstone is purged.
	again := mustMemory(t, "memory that will be deleted", []string{"doomed"})
	storeRes, err := store.Store(ctx, again)
	if err != nil {
		t.Fatalf("re-store errored: %v", err)
	}
	if storeRes.Stored {
		t.Error("tombstoned hash was re-stored")
	}
}

func TestPurgeDeletedOnlyRemovesOldTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := mustMemory(t, "old deleted memory", nil)
	fresh := mustMemory(t, "fresh deleted memory", nil)
	live := mustMemory(t, "live memory", nil)
	mustStore(t, store, old)
	mustStore(t, store, fresh)
	mustStore(t, store, live)

	for _, h := range []string{old.ContentHash, fresh.ContentHash} {
		if _, err := store.Delete(ctx, h); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}

	// Age the first tombstone past the retention window.
	aged := types.NowTimestamp() - 40*86400
	if _, err := store.db.Exec(`UPDATE memories SET deleted_at = ? WHERE content_hash = ?`,
		aged, old.ContentHash); err != nil {
		t.Fatalf("age tombstone: %v", err)
	}

	purged, err := store.PurgeDeleted(ctx, 30)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	if deleted, _ := store.IsDeleted(ctx, fresh.ContentHash); !deleted {
		t.Error("recent tombstone was purged")
	}
	if m, _ := store.GetByHash(ctx, live.ContentHash); m == nil {
		t.Error("live row was purged")
	}
}

func TestSearchByTagTimeFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	old := mustMemory(t, "older tagged memory", []string{"test", "old"})
	old.CreatedAt = types.TimeToTimestamp(t0.AddDate(0, 0, -2))
	old.CreatedAtISO = types.TimestampToISO(old.CreatedAt)
	old.UpdatedAt = old.CreatedAt
	old.UpdatedAtISO = old.CreatedAtISO

	recent := mustMemory(t, "recent tagged memory", []string{"test", "recent"})

	mustStore(t, store, old)
	mustStore(t, store, recent)

	cutoff := t0.AddDate(0, 0, -1)
	got, err := store.SearchByTag(ctx, []string{"test"}, &cutoff)
	if err != nil {
		t.Fatalf("tag+time search: %v", err)
	}
	if len(got) != 1 || got[0].ContentHash != recent.ContentHash {
		t.Fatalf("tag+time returned %d rows, want exactly the recent memory", len(got))
	}

	epoch := time.Unix(0, 0)
	both, err := store.SearchByTag(ctx, []string{"test"}, &epoch)
	if err != nil || len(both) != 2 {
		t.Fatalf("time_start=0 returned %d rows, want 2 (%v)", len(both), err)
	}

	future := t0.Add(time.Hour)
	none, err := store.SearchByTag(ctx, []string{"test"}, &future)
	if err != nil || len(none) != 0 {
		t.Fatalf("future time_start returned %d rows, want 0 (%v)", len(none), err)
	}

	noFilter, err := store.SearchByTag(ctx, []string{"test"}, nil)
	if err != nil || len(noFilter) != 2 {
		t.Fatalf("nil time_start returned %d rows, want 2 (%v)", len(noFilter), err)
	}
}

func TestSearchByTagsAndSemantics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	both := mustMemory(t, "memory with both tags", []string{"alpha", "beta"})
	onlyAlpha := mustMemory(t, "memory with one tag", []string{"alpha"})
	mustStore(t, store, both)
	mustStore(t, store, onlyAlpha)

	all, err := store.SearchByTags(ctx, []string{"alpha", "beta"}, storage.MatchAll, nil, nil)
	if err != nil {
		t.Fatalf("AND search: %v", err)
	}
	if len(all) != 1 || all[0].ContentHash != both.ContentHash {
		t.Errorf("AND returned %d rows", len(all))
	}

	any, err := store.SearchByTags(ctx, []string{"alpha", "beta"}, storage.MatchAny, nil, nil)
	if err != nil || len(any) != 2 {
		t.Errorf("OR returned %d rows, want 2 (%v)", len(any), err)
	}
}

func TestUpdateMemoryMetadataImmutability(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "memory with mutable metadata", []string{"orig"})
	mustStore(t, store, m)
	before, _ := store.GetByHash(ctx, m.ContentHash)

	res, err := store.UpdateMemoryMetadata(ctx, m.ContentHash, map[string]interface{}{
		"tags":     []string{"new", "tags"},
		"metadata": map[string]interface{}{"importance_score": 1.5},
	}, true)
	if err != nil || !res.Updated {
		t.Fatalf("update failed: %v %+v", err, res)
	}

	after, _ := store.GetByHash(ctx, m.ContentHash)
	if after.Content != before.Content || after.ContentHash != before.ContentHash {
		t.Error("update mutated content or hash")
	}
	if after.CreatedAt != before.CreatedAt {
		t.Error("update mutated created_at")
	}
	if after.UpdatedAt < before.UpdatedAt {
		t.Error("updated_at did not advance")
	}
	if len(after.Tags) != 2 || after.Tags[0] != "new" {
		t.Errorf("tags not replaced: %v", after.Tags)
	}
	if score, ok := after.ImportanceScore(); !ok || score != 1.5 {
		t.Errorf("importance_score = %v, %v", score, ok)
	}

	// Immutable fields are rejected outright.
	if _, err := store.UpdateMemoryMetadata(ctx, m.ContentHash,
		map[string]interface{}{"content": "new content"}, true); err == nil {
		t.Error("content update was accepted")
	}
}

func TestUpdateUnknownHashIsOutcome(t *testing.T) {
	store := newTestStore(t)
	res, err := store.UpdateMemoryMetadata(context.Background(), "deadbeef",
		map[string]interface{}{"note": "x"}, true)
	if err != nil {
		t.Fatalf("unknown hash errored: %v", err)
	}
	if res.Updated {
		t.Error("unknown hash reported updated")
	}
}

func TestRetrieveFindsSemanticMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "meeting notes from the planning session", []string{"work"})
	noise := mustMemory(t, "grocery list bananas apples", nil)
	mustStore(t, store, m)
	mustStore(t, store, noise)

	results, err := store.Retrieve(ctx, "meeting notes planning", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Memory.ContentHash != m.ContentHash {
		t.Errorf("top hit is %s", results[0].Memory.Content)
	}
	if results[0].RelevanceScore <= 0.4 {
		t.Errorf("relevance %.3f too low", results[0].RelevanceScore)
	}
}

func TestRetrieveRecordsAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "tracked access memory", nil)
	mustStore(t, store, m)

	if _, err := store.Retrieve(ctx, "tracked access", 5); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	got, _ := store.GetByHash(ctx, m.ContentHash)
	if got.AccessCount() != 1 {
		t.Errorf("access_count = %d, want 1", got.AccessCount())
	}
	patterns, err := store.GetAccessPatterns(ctx)
	if err != nil {
		t.Fatalf("access patterns: %v", err)
	}
	if _, ok := patterns[m.ContentHash]; !ok {
		t.Error("access pattern missing")
	}
}

func TestQualityBoostWeightExtremes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	relevant, err := types.NewMemory("database indexing strategies", nil, "note",
		types.Metadata{types.MetaQualityScore: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	quality, err := types.NewMemory("cooking pasta at home", nil, "note",
		types.Metadata{types.MetaQualityScore: 0.95})
	if err != nil {
		t.Fatal(err)
	}
	mustStore(t, store, relevant)
	mustStore(t, store, quality)

	// w=0 equals the pure semantic ordering.
	semantic, err := store.Retrieve(ctx, "database indexing", 2)
	if err != nil {
		t.Fatal(err)
	}
	boosted0, err := store.RetrieveWithQualityBoost(ctx, "database indexing", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if boosted0[0].Memory.ContentHash != semantic[0].Memory.ContentHash {
		t.Error("w=0 changed the semantic order")
	}
	if boosted0[0].Debug["original_semantic_score"] == 0 {
		t.Error("debug missing original semantic score")
	}

	// w=1 orders purely by quality.
	boosted1, err := store.RetrieveWithQualityBoost(ctx, "database indexing", 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if boosted1[0].Memory.ContentHash != quality.ContentHash {
		t.Error("w=1 did not order by quality")
	}
}

func TestStoreChunkedOversizeContent(t *testing.T) {
	store, err := New(Config{
		Path:             ":memory:",
		Provider:         embedding.NewStaticProvider(64),
		MaxContentLength: 800,
		AutoSplit:        true,
		ChunkOverlap:     50,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	// ~2050 characters with paragraph breaks.
	para := ""
	for i := 0; i < 10; i++ {
		para += "This sentence pads the paragraph with plausible text. "
	}
	content := para + "\n\n" + para + "\n\n" + para + "\n\n" + para[:200]

	m := mustMemory(t, content, []string{"long"})
	sourceHash := m.ContentHash
	res, err := store.Store(ctx, m)
	if err != nil {
		t.Fatalf("chunked store: %v", err)
	}
	if !res.Stored {
		t.Fatalf("chunked store rejected: %s", res.Message)
	}
	if len(res.ChunkHashes) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(res.ChunkHashes))
	}

	for _, hash := range res.ChunkHashes {
		chunk, err := store.GetByHash(ctx, hash)
		if err != nil || chunk == nil {
			t.Fatalf("chunk %s missing: %v", hash, err)
		}
		if len([]rune(chunk.Content)) > 800 {
			t.Errorf("chunk exceeds max length: %d", len(chunk.Content))
		}
		if !chunk.IsChunk() {
			t.Error("chunk metadata missing chunk_index")
		}
		if got := chunk.Metadata[types.MetaSourceHash]; got != sourceHash {
			t.Errorf("source_hash = %v, want %s", got, sourceHash)
		}
		total, _ := chunk.Metadata[types.MetaChunkTotal].(float64)
		if int(total) != len(res.ChunkHashes) {
			t.Errorf("chunk_total = %v, want %d", chunk.Metadata[types.MetaChunkTotal], len(res.ChunkHashes))
		}
	}
}

func TestDeleteMemoriesGuardrails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "memory behind the unified delete", []string{"x"})
	mustStore(t, store, m)

	// Empty filter rejected.
	if _, err := store.DeleteMemories(ctx, storage.DeleteFilter{}, false); err == nil {
		t.Fatal("empty filter accepted")
	}

	// Dry run reports without mutating.
	res, err := store.DeleteMemories(ctx, storage.DeleteFilter{Tags: []string{"x"}}, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if res.Count != 1 || len(res.Hashes) != 1 {
		t.Errorf("dry run count = %d", res.Count)
	}
	if got, _ := store.GetByHash(ctx, m.ContentHash); got == nil {
		t.Fatal("dry run deleted the memory")
	}

	// Real delete removes it.
	res, err = store.DeleteMemories(ctx, storage.DeleteFilter{Tags: []string{"x"}}, false)
	if err != nil || res.Count != 1 {
		t.Fatalf("delete: %v %+v", err, res)
	}
	if got, _ := store.GetByHash(ctx, m.ContentHash); got != nil {
		t.Error("memory survived unified delete")
	}
}

func TestGetByExactContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "exact match target", nil)
	mustStore(t, store, m)

	got, err := store.GetByExactContent(ctx, "exact match target")
	if err != nil || len(got) != 1 {
		t.Fatalf("exact content: %v, %d rows", err, len(got))
	}
	none, err := store.GetByExactContent(ctx, "exact match")
	if err != nil || len(none) != 0 {
		t.Errorf("prefix matched exact search: %d rows", len(none))
	}
}

func TestGetMemoryTimestampsDescending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		mustStore(t, store, mustMemory(t, content+" timestamp memory", nil))
	}

	ts, err := store.GetMemoryTimestamps(ctx, 0)
	if err != nil || len(ts) != 3 {
		t.Fatalf("timestamps: %v, %d", err, len(ts))
	}
	for i := 1; i < len(ts); i++ {
		if ts[i] > ts[i-1] {
			t.Error("timestamps not descending")
		}
	}
}

func TestGetStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustStore(t, store, mustMemory(t, "stats memory one", []string{"a", "b"}))
	mustStore(t, store, mustMemory(t, "stats memory two", []string{"b"}))

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalMemories != 2 || stats.UniqueTags != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.MemoriesThisWeek != 2 {
		t.Errorf("week count = %d", stats.MemoriesThisWeek)
	}
}

func TestAssociationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustMemory(t, "association endpoint a", nil)
	b := mustMemory(t, "association endpoint b", nil)
	mustStore(t, store, a)
	mustStore(t, store, b)

	assoc, err := types.NewAssociation(a.ContentHash, b.ContentHash, 0.6,
		[]types.ConnectionType{types.ConnRelated}, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.StoreAssociation(ctx, assoc); err != nil {
		t.Fatalf("store association: %v", err)
	}

	// Symmetric edge is found from either endpoint and in either order.
	has, err := store.HasAssociation(ctx, b.ContentHash, a.ContentHash)
	if err != nil || !has {
		t.Fatalf("HasAssociation = %v, %v", has, err)
	}

	edges, err := store.GetAssociations(ctx, b.ContentHash)
	if err != nil || len(edges) != 1 {
		t.Fatalf("GetAssociations: %v, %d", err, len(edges))
	}

	conns, err := store.GetMemoryConnections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if conns[a.ContentHash] != 1 || conns[b.ContentHash] != 1 {
		t.Errorf("connection counts = %v", conns)
	}

	// Upsert by canonical key: storing again does not duplicate.
	if err := store.StoreAssociation(ctx, assoc); err != nil {
		t.Fatal(err)
	}
	edges, _ = store.GetAssociations(ctx, a.ContentHash)
	if len(edges) != 1 {
		t.Errorf("duplicate association rows: %d", len(edges))
	}
}
