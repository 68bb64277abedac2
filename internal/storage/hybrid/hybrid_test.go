package hybrid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/internal/storage/sqlite"
	"github.com/evermem/evermem/pkg/types"
)

// fakeSecondary wraps a real in-memory store and lets tests inject
// store failures and count calls.
type fakeSecondary struct {
	storage.Backend

	mu         sync.Mutex
	storeErr   error
	storeCalls int
	readCalls  int
}

func (f *fakeSecondary) Store(ctx context.Context, m *types.Memory) (storage.StoreResult, error) {
	f.mu.Lock()
	f.storeCalls++
	err := f.storeErr
	f.mu.Unlock()
	if err != nil {
		return storage.StoreResult{}, err
	}
	return f.Backend.Store(ctx, m)
}

func (f *fakeSecondary) Retrieve(ctx context.Context, query string, n int) ([]storage.Result, error) {
	f.mu.Lock()
	f.readCalls++
	f.mu.Unlock()
	return f.Backend.Retrieve(ctx, query, n)
}

func newSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{Path: ":memory:", Provider: embedding.NewStaticProvider(64)})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *sqlite.Store, *fakeSecondary) {
	t.Helper()
	primary := newSQLiteStore(t)
	secondary := &fakeSecondary{Backend: newSQLiteStore(t)}
	e, err := New(primary, secondary, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, primary, secondary
}

func mustMemory(t *testing.T, content string, tags ...string) *types.Memory {
	t.Helper()
	m, err := types.NewMemory(content, tags, "note", nil)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return m
}

func TestStoreEnqueuesAndDrainSyncs(t *testing.T) {
	e, _, secondary := newTestEngine(t, Options{})
	ctx := context.Background()

	m := mustMemory(t, "hybrid store content", "alpha")
	res, err := e.Store(ctx, m)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !res.Stored {
		t.Fatalf("not stored: %s", res.Message)
	}

	// The write landed on the primary only so far.
	if got, _ := secondary.GetByHash(ctx, m.ContentHash); got != nil {
		t.Fatal("secondary written before drain")
	}
	if e.GetSyncStatus().QueueLength != 1 {
		t.Fatalf("queue length = %d", e.GetSyncStatus().QueueLength)
	}

	processed, failed := e.sync.drainBatch(ctx)
	if processed != 1 || failed != 0 {
		t.Fatalf("drain processed=%d failed=%d", processed, failed)
	}

	got, err := secondary.GetByHash(ctx, m.ContentHash)
	if err != nil {
		t.Fatalf("secondary GetByHash: %v", err)
	}
	if got == nil || got.Content != m.Content {
		t.Fatalf("secondary copy = %+v", got)
	}

	status := e.GetSyncStatus()
	if status.OperationsSynced != 1 || status.QueueLength != 0 {
		t.Fatalf("status = %+v", status)
	}
}

func TestReadsNeverTouchSecondary(t *testing.T) {
	e, _, secondary := newTestEngine(t, Options{})
	ctx := context.Background()

	_, _ = e.Store(ctx, mustMemory(t, "read routing check"))
	e.sync.drainBatch(ctx)

	if _, err := e.Retrieve(ctx, "read routing check", 5); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	secondary.mu.Lock()
	reads := secondary.readCalls
	secondary.mu.Unlock()
	if reads != 0 {
		t.Fatalf("secondary served %d reads", reads)
	}
}

func TestDeleteMirrorsAndBlocksResurrection(t *testing.T) {
	e, primary, secondary := newTestEngine(t, Options{})
	ctx := context.Background()

	m := mustMemory(t, "delete me on both tiers")
	_, _ = e.Store(ctx, m)
	e.sync.drainBatch(ctx)

	res, err := e.Delete(ctx, m.ContentHash)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !res.Deleted {
		t.Fatalf("delete result = %+v", res)
	}
	e.sync.drainBatch(ctx)

	if got, _ := secondary.GetByHash(ctx, m.ContentHash); got != nil {
		t.Fatal("secondary still serves deleted memory")
	}

	// A stale store op for a tombstoned hash must be dropped, not
	// replayed onto the secondary.
	deleted, err := primary.IsDeleted(ctx, m.ContentHash)
	if err != nil || !deleted {
		t.Fatalf("tombstone missing: %v", err)
	}
	stale := &operation{kind: opStore, hash: m.ContentHash, memory: m}
	if !e.sync.process(ctx, stale) {
		t.Fatal("tombstone drop should count as handled")
	}
	secondary.mu.Lock()
	calls := secondary.storeCalls
	secondary.mu.Unlock()
	if calls != 1 {
		t.Fatalf("secondary store calls = %d, stale op reached the secondary", calls)
	}
}

func TestEnqueueOverflowProcessesInline(t *testing.T) {
	e, _, secondary := newTestEngine(t, Options{QueueSize: 1})
	ctx := context.Background()

	first := mustMemory(t, "fills the queue")
	second := mustMemory(t, "processed inline")
	_, _ = e.Store(ctx, first)
	_, _ = e.Store(ctx, second)

	// The overflow op was applied synchronously.
	got, err := secondary.GetByHash(ctx, second.ContentHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got == nil {
		t.Fatal("overflow op not processed inline")
	}
	if e.GetSyncStatus().InlineProcessed != 1 {
		t.Fatalf("inline counter = %d", e.GetSyncStatus().InlineProcessed)
	}
}

func TestTransientFailureRetriesThenRings(t *testing.T) {
	e, _, secondary := newTestEngine(t, Options{MaxRetries: 2})
	ctx := context.Background()

	secondary.mu.Lock()
	secondary.storeErr = errors.New("connection reset")
	secondary.mu.Unlock()

	m := mustMemory(t, "transient failure target")
	op := &operation{kind: opStore, hash: m.ContentHash, memory: m}

	if e.sync.process(ctx, op) {
		t.Fatal("failed op reported success")
	}
	if op.retries != 1 {
		t.Fatalf("retries = %d", op.retries)
	}
	status := e.GetSyncStatus()
	if status.OperationsRetried != 1 || status.OperationsFailed != 0 {
		t.Fatalf("status after first failure = %+v", status)
	}

	// Exhausted retries land in the failed ring for the periodic pass.
	op.retries = 2
	e.sync.process(ctx, op)
	status = e.GetSyncStatus()
	if status.OperationsFailed != 1 || status.FailedRingLength != 1 {
		t.Fatalf("status after exhaustion = %+v", status)
	}
}

func TestRetryDelayCaps(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.retries); got != tc.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tc.retries, got, tc.want)
		}
	}
}

// quotaSecondary adds a vector quota to the fake.
type quotaSecondary struct {
	*fakeSecondary
	count, limit int
}

func (q *quotaSecondary) VectorCount(ctx context.Context) (int, error) { return q.count, nil }
func (q *quotaSecondary) VectorLimit() int                            { return q.limit }

func TestCapacityGuardRejectsStores(t *testing.T) {
	primary := newSQLiteStore(t)
	secondary := &quotaSecondary{
		fakeSecondary: &fakeSecondary{Backend: newSQLiteStore(t)},
		count:         96,
		limit:         100,
	}
	e, err := New(primary, secondary, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	e.sync.checkCapacity(ctx)
	status := e.GetSyncStatus()
	if !status.ApproachingLimits {
		t.Fatalf("96%% usage not flagged: %+v", status)
	}
	if status.VectorCount != 96 || status.VectorLimit != 100 {
		t.Fatalf("vector counters = %+v", status)
	}

	m := mustMemory(t, "rejected at capacity")
	op := &operation{kind: opStore, hash: m.ContentHash, memory: m}
	if e.sync.process(ctx, op) {
		t.Fatal("store processed past critical capacity")
	}
	if e.GetSyncStatus().OperationsFailed != 1 {
		t.Fatalf("rejection not counted: %+v", e.GetSyncStatus())
	}

	// Deletes still flow: they free capacity.
	secondary.count = 50
	e.sync.checkCapacity(ctx)
	if e.GetSyncStatus().ApproachingLimits {
		t.Fatal("flag not cleared after usage dropped")
	}
}

func TestPauseHoldsDrain(t *testing.T) {
	e, _, secondary := newTestEngine(t, Options{})
	ctx := context.Background()

	e.PauseSync()
	_, _ = e.Store(ctx, mustMemory(t, "written while paused"))

	status := e.GetSyncStatus()
	if !status.Paused || status.QueueLength != 1 {
		t.Fatalf("paused status = %+v", status)
	}

	e.ResumeSync()
	e.sync.drainBatch(ctx)
	if n, _ := secondary.CountAllMemories(ctx, "", nil); n != 1 {
		t.Fatalf("secondary count after resume = %d", n)
	}
}

func TestInitialSyncPullsMissing(t *testing.T) {
	e, primary, secondary := newTestEngine(t, Options{})
	ctx := context.Background()

	// Seed the secondary with rows the primary lacks, one of which was
	// deleted locally and must stay dead.
	for _, content := range []string{"remote one", "remote two", "remote three"} {
		if _, err := secondary.Backend.Store(ctx, mustMemory(t, content)); err != nil {
			t.Fatalf("seed secondary: %v", err)
		}
	}
	dead := mustMemory(t, "remote two")
	if _, err := primary.Store(ctx, mustMemory(t, "remote two")); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if _, err := primary.Delete(ctx, dead.ContentHash); err != nil {
		t.Fatalf("tombstone primary: %v", err)
	}

	if err := e.initial.run(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	status := e.GetInitialSyncStatus()
	if status.State != InitialSyncCompleted {
		t.Fatalf("state = %q (%s)", status.State, status.Message)
	}
	if status.Synced != 2 {
		t.Fatalf("synced = %d", status.Synced)
	}
	if status.Total != 3 {
		t.Fatalf("total = %d, want the secondary's count", status.Total)
	}
	if status.ProgressPercentage != 100 {
		t.Fatalf("progress = %v, want 100 on completion", status.ProgressPercentage)
	}
	if got, _ := primary.GetByHash(ctx, dead.ContentHash); got != nil {
		t.Fatal("tombstoned memory resurrected by initial sync")
	}
	if got, _ := primary.GetByHash(ctx, types.HashContent("remote one")); got == nil {
		t.Fatal("remote one not pulled")
	}
}

func TestInitialSyncSkipsWhenPrimaryAhead(t *testing.T) {
	e, primary, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	if _, err := primary.Store(ctx, mustMemory(t, "local only")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := e.initial.run(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	if state := e.GetInitialSyncStatus().State; state != InitialSyncSkipped {
		t.Fatalf("state = %q", state)
	}
}

func TestForceSyncPushesMissing(t *testing.T) {
	e, primary, secondary := newTestEngine(t, Options{})
	ctx := context.Background()

	for _, content := range []string{"push one", "push two"} {
		if _, err := primary.Store(ctx, mustMemory(t, content)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	report, err := e.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if report.Checked != 2 || report.Synced != 2 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if n, _ := secondary.CountAllMemories(ctx, "", nil); n != 2 {
		t.Fatalf("secondary count = %d", n)
	}

	// Idempotent: a second pass finds nothing to push.
	report, err = e.ForceSync(ctx)
	if err != nil {
		t.Fatalf("second ForceSync: %v", err)
	}
	if report.Synced != 0 {
		t.Fatalf("second pass synced %d", report.Synced)
	}
}

func TestDriftDetectionPrimaryWins(t *testing.T) {
	e, _, secondary := newTestEngine(t, Options{})
	ctx := context.Background()

	m := mustMemory(t, "drift target", "canonical")
	_, _ = e.Store(ctx, m)
	e.sync.drainBatch(ctx)

	// Diverge the secondary copy directly.
	if _, err := secondary.Backend.UpdateMemoryMetadata(ctx, m.ContentHash, map[string]interface{}{
		"tags":        []string{"stale"},
		"memory_type": "draft",
	}, true); err != nil {
		t.Fatalf("diverge secondary: %v", err)
	}

	dry, err := e.DetectDrift(ctx, true, "")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if dry.Drifted != 1 || dry.Repaired != 0 {
		t.Fatalf("dry report = %+v", dry)
	}

	real, err := e.DetectDrift(ctx, false, "")
	if err != nil {
		t.Fatalf("repair run: %v", err)
	}
	if real.Repaired != 1 {
		t.Fatalf("repair report = %+v", real)
	}

	fixed, err := secondary.GetByHash(ctx, m.ContentHash)
	if err != nil || fixed == nil {
		t.Fatalf("read repaired copy: %v", err)
	}
	if len(fixed.Tags) != 1 || fixed.Tags[0] != "canonical" || fixed.MemoryType != "note" {
		t.Fatalf("repaired copy = tags %v type %q", fixed.Tags, fixed.MemoryType)
	}

	clean, err := e.DetectDrift(ctx, false, "")
	if err != nil {
		t.Fatalf("clean run: %v", err)
	}
	if clean.Drifted != 0 {
		t.Fatalf("still drifted after repair: %+v", clean)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	e, _, secondary := newTestEngine(t, Options{})
	ctx := context.Background()

	e.sync.Start(ctx)
	for _, content := range []string{"shutdown one", "shutdown two", "shutdown three"} {
		if _, err := e.Store(ctx, mustMemory(t, content)); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	e.sync.Stop()

	if n, _ := secondary.CountAllMemories(ctx, "", nil); n != 3 {
		t.Fatalf("secondary count after stop = %d, want 3", n)
	}
	if status := e.GetSyncStatus(); status.QueueLength != 0 {
		t.Fatalf("queue not emptied on stop: %+v", status)
	}
}

func TestDriftPeriodBoundsSample(t *testing.T) {
	e, primary, secondary := newTestEngine(t, Options{})
	ctx := context.Background()

	old := mustMemory(t, "quarterly audit trail entry", "canonical")
	old.CreatedAt = types.NowTimestamp() - 10*86400
	old.UpdatedAt = old.CreatedAt
	fresh := mustMemory(t, "current audit trail entry", "canonical")
	for _, m := range []*types.Memory{old, fresh} {
		if _, err := primary.Store(ctx, m); err != nil {
			t.Fatalf("seed primary: %v", err)
		}
	}

	// Mirror both, then diverge both secondary copies.
	oldCopy := mustMemory(t, "quarterly audit trail entry", "canonical")
	oldCopy.CreatedAt = old.CreatedAt
	oldCopy.UpdatedAt = old.UpdatedAt
	for _, m := range []*types.Memory{oldCopy, mustMemory(t, "current audit trail entry", "canonical")} {
		if _, err := secondary.Backend.Store(ctx, m); err != nil {
			t.Fatalf("seed secondary: %v", err)
		}
		if _, err := secondary.Backend.UpdateMemoryMetadata(ctx, m.ContentHash, map[string]interface{}{
			"tags": []string{"stale"},
		}, true); err != nil {
			t.Fatalf("diverge secondary: %v", err)
		}
	}

	report, err := e.DetectDrift(ctx, true, "last 3 days")
	if err != nil {
		t.Fatalf("DetectDrift: %v", err)
	}
	if report.Sampled != 1 || report.Drifted != 1 {
		t.Fatalf("report = %+v, want only the fresh memory in the window", report)
	}
	if report.Entries[0].ContentHash != fresh.ContentHash {
		t.Fatalf("drifted hash = %s, want %s", report.Entries[0].ContentHash, fresh.ContentHash)
	}
}

func TestDriftRejectsUnparseablePeriod(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	if _, err := e.DetectDrift(context.Background(), true, "xyzzy"); err == nil {
		t.Fatal("unparseable period accepted")
	}
}

func TestGetStatsMergesTiers(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	_, _ = e.Store(ctx, mustMemory(t, "stats content"))
	e.sync.drainBatch(ctx)

	stats, err := e.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Backend != "sqlite" {
		t.Fatalf("backend = %q", stats.Backend)
	}
	if stats.SyncStatus == nil {
		t.Fatal("sync status missing")
	}
	if stats.SyncStatus["operations_synced"].(int64) != 1 {
		t.Fatalf("sync status = %+v", stats.SyncStatus)
	}
	if stats.Secondary == nil || stats.Secondary.TotalMemories != 1 {
		t.Fatalf("secondary stats = %+v", stats.Secondary)
	}
}

func TestNoSecondaryPassThrough(t *testing.T) {
	primary := newSQLiteStore(t)
	e, err := New(primary, nil, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := e.Store(ctx, mustMemory(t, "primary only")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if e.GetSyncStatus() != nil {
		t.Fatal("sync status without secondary")
	}
	if _, err := e.ForceSync(ctx); !errors.Is(err, storage.ErrNotSupported) {
		t.Fatalf("ForceSync error = %v", err)
	}

	stats, err := e.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.SyncStatus != nil || stats.Secondary != nil {
		t.Fatalf("stats leaked sync fields: %+v", stats)
	}
}
