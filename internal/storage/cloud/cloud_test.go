package cloud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// fakeCloud emulates the three remote services: the SQL endpoint runs
// against a real in-memory SQLite database, vectors and blobs live in
// maps.
type fakeCloud struct {
	t  *testing.T
	db *sql.DB

	mu      sync.Mutex
	vectors map[string][]float32
	blobs   map[string]string

	failVectorUpsert int // HTTP status to return, 0 = succeed
	upsertAttempts   int
}

func newFakeCloud(t *testing.T) (*fakeCloud, *httptest.Server) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open fake db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	fc := &fakeCloud{
		t:       t,
		db:      db,
		vectors: map[string][]float32{},
		blobs:   map[string]string{},
	}
	server := httptest.NewServer(fc)
	t.Cleanup(server.Close)
	return fc, server
}

func (fc *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case strings.Contains(path, "/d1/database/"):
		fc.serveSQL(w, r)
	case strings.Contains(path, "/vectorize/"):
		fc.serveVectors(w, r)
	case strings.Contains(path, "/r2/buckets/"):
		fc.serveBlobs(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (fc *fakeCloud) serveSQL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SQL    string        `json:"sql"`
		Params []interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	rows, err := fc.db.Query(req.SQL, req.Params...)
	if err != nil {
		// Statements without result rows (CREATE, some ALTERs).
		if _, execErr := fc.db.Exec(req.SQL, req.Params...); execErr != nil {
			fc.writeJSON(w, map[string]interface{}{
				"success": false,
				"errors":  []map[string]string{{"message": execErr.Error()}},
			}, http.StatusBadRequest)
			return
		}
		fc.writeJSON(w, map[string]interface{}{
			"success": true,
			"result": []map[string]interface{}{
				{"success": true, "results": []map[string]interface{}{}},
			},
		}, http.StatusOK)
		return
	}
	defer func() { _ = rows.Close() }()

	cols, _ := rows.Columns()
	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			fc.t.Fatalf("fake scan: %v", err)
		}
		rowMap := map[string]interface{}{}
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				rowMap[col] = string(b)
			} else {
				rowMap[col] = values[i]
			}
		}
		results = append(results, rowMap)
	}

	fc.writeJSON(w, map[string]interface{}{
		"success": true,
		"result": []map[string]interface{}{
			{"success": true, "results": results},
		},
	}, http.StatusOK)
}

func (fc *fakeCloud) serveVectors(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/upsert"):
		fc.upsertAttempts++
		if fc.failVectorUpsert != 0 {
			http.Error(w, `{"errors":[{"message":"vector capacity limit exceeded"}]}`, fc.failVectorUpsert)
			return
		}
		var req struct {
			Vectors []vectorRecord `json:"vectors"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, v := range req.Vectors {
			fc.vectors[v.ID] = v.Values
		}
		fc.writeJSON(w, map[string]interface{}{"success": true}, http.StatusOK)

	case strings.HasSuffix(r.URL.Path, "/query"):
		var req struct {
			Vector []float32 `json:"vector"`
			TopK   int       `json:"topK"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var matches []vectorMatch
		for id, vec := range fc.vectors {
			matches = append(matches, vectorMatch{
				ID:    id,
				Score: embedding.CosineSimilarity(req.Vector, vec),
			})
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
		if len(matches) > req.TopK {
			matches = matches[:req.TopK]
		}
		fc.writeJSON(w, map[string]interface{}{
			"result": map[string]interface{}{"matches": matches},
		}, http.StatusOK)

	case strings.HasSuffix(r.URL.Path, "/delete_by_ids"):
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, id := range req.IDs {
			delete(fc.vectors, id)
		}
		fc.writeJSON(w, map[string]interface{}{"success": true}, http.StatusOK)

	case strings.HasSuffix(r.URL.Path, "/info"):
		fc.writeJSON(w, map[string]interface{}{
			"result": map[string]interface{}{"vectorCount": len(fc.vectors)},
		}, http.StatusOK)

	default:
		http.NotFound(w, r)
	}
}

func (fc *fakeCloud) serveBlobs(w http.ResponseWriter, r *http.Request) {
	idx := strings.Index(r.URL.Path, "/objects/")
	key := r.URL.Path[idx+len("/objects/"):]

	fc.mu.Lock()
	defer fc.mu.Unlock()

	switch r.Method {
	case "PUT":
		body, _ := io.ReadAll(r.Body)
		fc.blobs[key] = string(body)
		w.WriteHeader(http.StatusOK)
	case "GET":
		content, ok := fc.blobs[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	case "DELETE":
		delete(fc.blobs, key)
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (fc *fakeCloud) writeJSON(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestStore(t *testing.T) (*Store, *fakeCloud) {
	t.Helper()
	fc, server := newFakeCloud(t)
	store, err := New(Config{
		BaseURL:     server.URL,
		APIToken:    "test-token",
		AccountID:   "acct",
		DatabaseID:  "db",
		VectorIndex: "idx",
		Bucket:      "bucket",
		Provider:    embedding.NewStaticProvider(64),
		MaxRetries:  2,
		BaseDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return store, fc
}

func mustMemory(t *testing.T, content string, tags []string) *types.Memory {
	t.Helper()
	m, err := types.NewMemory(content, tags, "note", nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "mirrored memory about deployment runbooks", []string{"ops"})
	res, err := store.Store(ctx, m)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !res.Stored {
		t.Fatalf("store rejected: %s", res.Message)
	}
	if _, ok := fc.vectors[m.ContentHash]; !ok {
		t.Error("vector not upserted")
	}

	dup, err := store.Store(ctx, mustMemory(t, "mirrored memory about deployment runbooks", nil))
	if err != nil {
		t.Fatalf("duplicate store errored: %v", err)
	}
	if dup.Stored || dup.Message != storage.DuplicateMessage {
		t.Errorf("duplicate result = %+v", dup)
	}

	got, err := store.GetByHash(ctx, m.ContentHash)
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", err, got)
	}
	if got.Content != m.Content || len(got.Tags) != 1 {
		t.Errorf("round trip lost data: %+v", got)
	}

	hits, err := store.Retrieve(ctx, "deployment runbooks", 5)
	if err != nil || len(hits) == 0 {
		t.Fatalf("retrieve: %v, %d hits", err, len(hits))
	}
	if hits[0].Memory.ContentHash != m.ContentHash {
		t.Error("retrieve missed the stored memory")
	}
}

func TestDeleteLeavesTombstoneAndDropsVector(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "remote memory to delete", nil)
	if _, err := store.Store(ctx, m); err != nil {
		t.Fatal(err)
	}

	res, err := store.Delete(ctx, m.ContentHash)
	if err != nil || !res.Deleted {
		t.Fatalf("delete: %v %+v", err, res)
	}
	if _, ok := fc.vectors[m.ContentHash]; ok {
		t.Error("vector survived delete")
	}

	deleted, err := store.IsDeleted(ctx, m.ContentHash)
	if err != nil || !deleted {
		t.Fatalf("IsDeleted = %v, %v", deleted, err)
	}

	// Tombstone blocks re-store until purged.
	again, err := store.Store(ctx, mustMemory(t, "remote memory to delete", nil))
	if err != nil {
		t.Fatal(err)
	}
	if again.Stored {
		t.Error("tombstoned hash re-stored")
	}

	purged, err := store.PurgeDeleted(ctx, 0)
	if err != nil || purged != 1 {
		t.Fatalf("purge = %d, %v", purged, err)
	}
}

func TestOversizeContentOffloadsToBucket(t *testing.T) {
	fc, server := newFakeCloud(t)
	store, err := New(Config{
		BaseURL:               server.URL,
		APIToken:              "test-token",
		AccountID:             "acct",
		DatabaseID:            "db",
		VectorIndex:           "idx",
		Bucket:                "bucket",
		Provider:              embedding.NewStaticProvider(64),
		LargeContentThreshold: 100,
		BaseDelay:             time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	content := strings.Repeat("large content body. ", 20)
	m := mustMemory(t, content, nil)
	if _, err := store.Store(ctx, m); err != nil {
		t.Fatalf("store: %v", err)
	}

	if _, ok := fc.blobs[blobKey(m.ContentHash)]; !ok {
		t.Fatal("content not offloaded to bucket")
	}

	// Reads dereference transparently.
	got, err := store.GetByHash(ctx, m.ContentHash)
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != content {
		t.Error("blob dereference returned wrong content")
	}
}

func TestCursorEnumeration(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := types.NowTimestamp()
	for i := 0; i < 5; i++ {
		m := mustMemory(t, fmt.Sprintf("cursor memory %d", i), nil)
		m.CreatedAt = base - float64(i)*60
		m.CreatedAtISO = types.TimestampToISO(m.CreatedAt)
		m.UpdatedAt = m.CreatedAt
		m.UpdatedAtISO = m.CreatedAtISO
		if _, err := store.Store(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	var cursor float64
	seen := map[string]bool{}
	for {
		page, next, err := store.GetAllMemoriesCursor(ctx, 2, cursor)
		if err != nil {
			t.Fatalf("cursor page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			if seen[m.ContentHash] {
				t.Fatalf("hash %s returned twice", m.ContentHash)
			}
			seen[m.ContentHash] = true
		}
		cursor = next
	}
	if len(seen) != 5 {
		t.Errorf("cursor enumerated %d memories, want 5", len(seen))
	}
}

func TestLimitErrorsAreNotRetried(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()

	fc.failVectorUpsert = http.StatusRequestEntityTooLarge
	_, err := store.Store(ctx, mustMemory(t, "memory hitting the capacity wall", nil))
	if err == nil {
		t.Fatal("capacity error not surfaced")
	}
	if Classify(err) != ClassLimit {
		t.Errorf("classified as %s, want limit", Classify(err))
	}
	if fc.upsertAttempts != 1 {
		t.Errorf("limit error retried %d times", fc.upsertAttempts-1)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{&apiError{status: 500, message: "internal"}, ClassTransient},
		{&apiError{status: 503, message: "unavailable"}, ClassTransient},
		{&apiError{status: 0, message: "dial tcp: timeout", transientHint: true}, ClassTransient},
		{&apiError{status: 429, message: "slow down"}, ClassLimit},
		{&apiError{status: 413, message: "payload"}, ClassLimit},
		{&apiError{status: 400, message: "vector quota reached"}, ClassLimit},
		{&apiError{status: 400, message: "bad request"}, ClassPermanent},
		{&apiError{status: 404, message: "not found"}, ClassPermanent},
		{fmt.Errorf("wrapped: %w", &apiError{status: 502, message: "bad gateway"}), ClassTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestAdditiveMigrationBackfillsColumns(t *testing.T) {
	fc, server := newFakeCloud(t)

	// A legacy remote table created before tags/deleted_at existed.
	_, err := fc.db.Exec(`CREATE TABLE memories (
		content_hash TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		memory_type TEXT NOT NULL DEFAULT 'note',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at REAL NOT NULL,
		created_at_iso TEXT NOT NULL,
		updated_at REAL NOT NULL,
		updated_at_iso TEXT NOT NULL,
		vector_id TEXT
	)`)
	if err != nil {
		t.Fatal(err)
	}

	store, err := New(Config{
		BaseURL:     server.URL,
		APIToken:    "test-token",
		AccountID:   "acct",
		DatabaseID:  "db",
		VectorIndex: "idx",
		Bucket:      "bucket",
		Provider:    embedding.NewStaticProvider(64),
		BaseDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize on legacy schema: %v", err)
	}

	cols, err := store.introspectColumns(ctx, memoriesTable)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"tags", "deleted_at"} {
		if !cols[want] {
			t.Errorf("column %s not backfilled", want)
		}
	}

	// Migrated table accepts writes.
	if _, err := store.Store(ctx, mustMemory(t, "post-migration memory", []string{"x"})); err != nil {
		t.Fatalf("store after migration: %v", err)
	}
}

func TestSearchByTagsAndStats(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Store(ctx, mustMemory(t, "remote alpha beta memory", []string{"alpha", "beta"})); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Store(ctx, mustMemory(t, "remote alpha memory", []string{"alpha"})); err != nil {
		t.Fatal(err)
	}

	all, err := store.SearchByTags(ctx, []string{"alpha", "beta"}, storage.MatchAll, nil, nil)
	if err != nil || len(all) != 1 {
		t.Fatalf("AND search: %v, %d", err, len(all))
	}
	any, err := store.SearchByTags(ctx, []string{"alpha", "beta"}, storage.MatchAny, nil, nil)
	if err != nil || len(any) != 2 {
		t.Fatalf("OR search: %v, %d", err, len(any))
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalMemories != 2 || stats.UniqueTags != 2 || stats.Backend != "cloud" {
		t.Errorf("stats = %+v", stats)
	}
}
