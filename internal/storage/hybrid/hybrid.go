// Package hybrid composes the embedded primary with an optional durable
// secondary. The primary is authoritative: every read is served from it,
// every write lands on it first and is then mirrored to the secondary by
// a background sync service. If the secondary is unreachable the system
// degrades to primary-only operation without failing user writes.
package hybrid

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// Options tunes the background sync machinery. Zero values fall back to
// production defaults.
type Options struct {
	QueueSize     int
	BatchSize     int
	DrainInterval time.Duration
	SyncInterval  time.Duration
	MaxRetries    int

	InitialSyncDelay    time.Duration
	InitialSyncPageSize int
	MaxEmptyBatches     int
	MinCheckCount       int

	DriftEnabled   bool
	DriftInterval  time.Duration
	DriftBatchSize int

	// Capacity guard thresholds, as fractions of the secondary's vector
	// limit. Past warning the service logs; past critical it stops
	// accepting store operations for the secondary.
	WarningThreshold  float64
	CriticalThreshold float64
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = 5 * time.Second
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 300 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.InitialSyncDelay <= 0 {
		o.InitialSyncDelay = 10 * time.Second
	}
	if o.InitialSyncPageSize <= 0 {
		o.InitialSyncPageSize = 100
	}
	if o.MaxEmptyBatches <= 0 {
		o.MaxEmptyBatches = 20
	}
	if o.MinCheckCount <= 0 {
		o.MinCheckCount = 1000
	}
	if o.DriftInterval <= 0 {
		o.DriftInterval = time.Hour
	}
	if o.DriftBatchSize <= 0 {
		o.DriftBatchSize = 50
	}
	if o.WarningThreshold <= 0 {
		o.WarningThreshold = 0.8
	}
	if o.CriticalThreshold <= 0 {
		o.CriticalThreshold = 0.95
	}
	return o
}

// Engine is the hybrid backend. It satisfies storage.Backend so upper
// layers never know whether a secondary is attached.
type Engine struct {
	primary   storage.Backend
	secondary storage.Backend
	opts      Options

	// tombstones is the primary's soft-delete view, consulted before any
	// store op is mirrored so deleted memories cannot resurrect.
	tombstones storage.TombstoneBackend

	sync    *Service
	initial *initialSync
	drift   *DriftDetector
}

var _ storage.Backend = (*Engine)(nil)

// New builds the engine. secondary may be nil, in which case the engine
// is a transparent pass-through to the primary.
func New(primary, secondary storage.Backend, opts Options) (*Engine, error) {
	if primary == nil {
		return nil, fmt.Errorf("hybrid: primary backend is required")
	}
	opts = opts.withDefaults()

	e := &Engine{
		primary:   primary,
		secondary: secondary,
		opts:      opts,
	}
	if tb, ok := primary.(storage.TombstoneBackend); ok {
		e.tombstones = tb
	}
	if secondary != nil {
		e.sync = newService(secondary, e.tombstones, opts)
		e.initial = newInitialSync(primary, secondary, e.tombstones, opts)
		e.drift = NewDriftDetector(primary, secondary, opts.DriftBatchSize)
	}
	return e, nil
}

// Initialize initializes the primary and, when attached, the secondary.
// A secondary initialization failure is logged, not fatal: the engine
// starts in degraded primary-only mode and the sync service keeps
// probing.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.primary.Initialize(ctx); err != nil {
		return err
	}
	if e.secondary != nil {
		if err := e.secondary.Initialize(ctx); err != nil {
			log.Printf("hybrid: secondary initialization failed, continuing primary-only: %v", err)
		}
	}
	return nil
}

// Start launches the background sync loop, the delayed initial catch-up
// sync, and the drift loop when enabled. No-op without a secondary.
func (e *Engine) Start(ctx context.Context) {
	if e.sync == nil {
		return
	}
	e.sync.Start(ctx)
	e.initial.start(ctx)
	if e.opts.DriftEnabled {
		go e.driftLoop(ctx)
	}
}

func (e *Engine) driftLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.DriftInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := e.drift.Detect(ctx, false, "")
			if err != nil {
				log.Printf("hybrid: drift pass failed: %v", err)
				continue
			}
			if report.Drifted > 0 {
				log.Printf("hybrid: drift pass repaired %d of %d sampled memories", report.Repaired, report.Sampled)
			}
		}
	}
}

// Store writes to the primary and mirrors on success.
func (e *Engine) Store(ctx context.Context, m *types.Memory) (storage.StoreResult, error) {
	res, err := e.primary.Store(ctx, m)
	if err != nil || !res.Stored {
		return res, err
	}
	e.mirrorStore(ctx, m.ContentHash, res.ChunkHashes)
	return res, nil
}

// StoreBatch writes to the primary and mirrors every stored row.
func (e *Engine) StoreBatch(ctx context.Context, memories []*types.Memory) ([]storage.StoreResult, error) {
	results, err := e.primary.StoreBatch(ctx, memories)
	if err != nil {
		return results, err
	}
	for i, res := range results {
		if !res.Stored {
			continue
		}
		e.mirrorStore(ctx, memories[i].ContentHash, res.ChunkHashes)
	}
	return results, nil
}

// mirrorStore enqueues sync ops for a stored memory. Chunked stores
// mirror the sibling rows, not the oversize original.
func (e *Engine) mirrorStore(ctx context.Context, hash string, chunkHashes []string) {
	if e.sync == nil {
		return
	}
	hashes := chunkHashes
	if len(hashes) == 0 {
		hashes = []string{hash}
	}
	for _, h := range hashes {
		m, err := e.primary.GetByHash(ctx, h)
		if err != nil || m == nil {
			log.Printf("hybrid: cannot read %s back for sync: %v", h, err)
			continue
		}
		e.sync.Enqueue(&operation{kind: opStore, hash: h, memory: m})
	}
}

func (e *Engine) mirrorDeletes(hashes []string) {
	if e.sync == nil {
		return
	}
	for _, h := range hashes {
		e.sync.Enqueue(&operation{kind: opDelete, hash: h})
	}
}

// Delete tombstones on the primary and mirrors the delete.
func (e *Engine) Delete(ctx context.Context, contentHash string) (storage.DeleteResult, error) {
	res, err := e.primary.Delete(ctx, contentHash)
	if err == nil && res.Deleted {
		e.mirrorDeletes(res.Hashes)
	}
	return res, err
}

// DeleteByTag mirrors each deleted hash.
func (e *Engine) DeleteByTag(ctx context.Context, tag string) (storage.DeleteResult, error) {
	res, err := e.primary.DeleteByTag(ctx, tag)
	if err == nil && res.Deleted {
		e.mirrorDeletes(res.Hashes)
	}
	return res, err
}

// DeleteByTags mirrors each deleted hash.
func (e *Engine) DeleteByTags(ctx context.Context, tags []string) (storage.DeleteResult, error) {
	res, err := e.primary.DeleteByTags(ctx, tags)
	if err == nil && res.Deleted {
		e.mirrorDeletes(res.Hashes)
	}
	return res, err
}

// DeleteMemories mirrors the unified delete. Dry runs touch nothing.
func (e *Engine) DeleteMemories(ctx context.Context, filter storage.DeleteFilter, dryRun bool) (storage.DeleteResult, error) {
	res, err := e.primary.DeleteMemories(ctx, filter, dryRun)
	if err == nil && !dryRun && res.Deleted {
		e.mirrorDeletes(res.Hashes)
	}
	return res, err
}

// UpdateMemoryMetadata mirrors the metadata mutation.
func (e *Engine) UpdateMemoryMetadata(ctx context.Context, contentHash string, updates map[string]interface{}, preserveTimestamps bool) (storage.UpdateResult, error) {
	res, err := e.primary.UpdateMemoryMetadata(ctx, contentHash, updates, preserveTimestamps)
	if err == nil && res.Updated && e.sync != nil {
		e.sync.Enqueue(&operation{kind: opUpdate, hash: contentHash, updates: updates})
	}
	return res, err
}

// UpdateMemoriesBatch mirrors each applied update.
func (e *Engine) UpdateMemoriesBatch(ctx context.Context, memories []*types.Memory) ([]bool, error) {
	oks, err := e.primary.UpdateMemoriesBatch(ctx, memories)
	if err != nil || e.sync == nil {
		return oks, err
	}
	for i, ok := range oks {
		if !ok {
			continue
		}
		m := memories[i]
		updates := map[string]interface{}{
			"tags":        m.Tags,
			"memory_type": m.MemoryType,
		}
		if len(m.Metadata) > 0 {
			updates["metadata"] = map[string]interface{}(m.Metadata)
		}
		e.sync.Enqueue(&operation{kind: opUpdate, hash: m.ContentHash, updates: updates})
	}
	return oks, err
}

// Reads are primary-only; the primary is authoritative.

func (e *Engine) Retrieve(ctx context.Context, query string, n int) ([]storage.Result, error) {
	return e.primary.Retrieve(ctx, query, n)
}

func (e *Engine) RetrieveWithQualityBoost(ctx context.Context, query string, n int, weight float64) ([]storage.Result, error) {
	return e.primary.RetrieveWithQualityBoost(ctx, query, n, weight)
}

func (e *Engine) SearchByTag(ctx context.Context, tags []string, timeStart *time.Time) ([]*types.Memory, error) {
	return e.primary.SearchByTag(ctx, tags, timeStart)
}

func (e *Engine) SearchByTags(ctx context.Context, tags []string, match storage.TagMatch, timeStart, timeEnd *time.Time) ([]*types.Memory, error) {
	return e.primary.SearchByTags(ctx, tags, match, timeStart, timeEnd)
}

func (e *Engine) SearchByTagChronological(ctx context.Context, tags []string, limit, offset int) ([]*types.Memory, error) {
	return e.primary.SearchByTagChronological(ctx, tags, limit, offset)
}

func (e *Engine) GetByHash(ctx context.Context, contentHash string) (*types.Memory, error) {
	return e.primary.GetByHash(ctx, contentHash)
}

func (e *Engine) GetByExactContent(ctx context.Context, content string) ([]*types.Memory, error) {
	return e.primary.GetByExactContent(ctx, content)
}

func (e *Engine) GetAllMemories(ctx context.Context, limit, offset int, memoryType string, tags []string) ([]*types.Memory, error) {
	return e.primary.GetAllMemories(ctx, limit, offset, memoryType, tags)
}

func (e *Engine) CountAllMemories(ctx context.Context, memoryType string, tags []string) (int, error) {
	return e.primary.CountAllMemories(ctx, memoryType, tags)
}

func (e *Engine) GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]*types.Memory, error) {
	return e.primary.GetMemoriesByTimeRange(ctx, start, end)
}

func (e *Engine) GetMemoryTimestamps(ctx context.Context, days int) ([]float64, error) {
	return e.primary.GetMemoryTimestamps(ctx, days)
}

func (e *Engine) SearchMemories(ctx context.Context, req storage.SearchRequest) (*storage.SearchResponse, error) {
	return e.primary.SearchMemories(ctx, req)
}

func (e *Engine) GetRecentMemories(ctx context.Context, n int) ([]*types.Memory, error) {
	return e.primary.GetRecentMemories(ctx, n)
}

func (e *Engine) GetAllTags(ctx context.Context) ([]string, error) {
	return e.primary.GetAllTags(ctx)
}

func (e *Engine) GetAllTagsWithCounts(ctx context.Context) ([]storage.TagCount, error) {
	return e.primary.GetAllTagsWithCounts(ctx)
}

// GetStats returns primary stats enriched with sync status and, when
// the secondary responds within a short deadline, its stats too.
func (e *Engine) GetStats(ctx context.Context) (*storage.Stats, error) {
	stats, err := e.primary.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	if e.sync == nil {
		return stats, nil
	}

	stats.SyncStatus = e.sync.Status().asMap()

	secCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if secondary, err := e.secondary.GetStats(secCtx); err == nil {
		stats.Secondary = secondary
	} else {
		log.Printf("hybrid: secondary stats unavailable: %v", err)
	}
	return stats, nil
}

func (e *Engine) MaxContentLength() int  { return e.primary.MaxContentLength() }
func (e *Engine) SupportsChunking() bool { return e.primary.SupportsChunking() }

// Close stops the sync service and closes both backends.
func (e *Engine) Close() error {
	if e.sync != nil {
		e.sync.Stop()
	}
	var firstErr error
	if e.secondary != nil {
		if err := e.secondary.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// PauseSync stops the drain loop from processing; writes still enqueue.
// Consolidation holds this for the duration of a run.
func (e *Engine) PauseSync() {
	if e.sync != nil {
		e.sync.Pause()
	}
}

// ResumeSync re-enables draining.
func (e *Engine) ResumeSync() {
	if e.sync != nil {
		e.sync.Resume()
	}
}

// GetSyncStatus reports the live sync counters; nil without a secondary.
func (e *Engine) GetSyncStatus() *SyncStatus {
	if e.sync == nil {
		return nil
	}
	status := e.sync.Status()
	return &status
}

// GetInitialSyncStatus reports catch-up sync progress; nil without a
// secondary.
func (e *Engine) GetInitialSyncStatus() *InitialSyncStatus {
	if e.initial == nil {
		return nil
	}
	status := e.initial.status()
	return &status
}

// DetectDrift runs one sampled drift pass. With dryRun the report lists
// drifted memories without repairing them. A non-empty period bounds
// the sample to memories updated in that window; an unparseable period
// is rejected.
func (e *Engine) DetectDrift(ctx context.Context, dryRun bool, period string) (*DriftReport, error) {
	if e.drift == nil {
		return nil, fmt.Errorf("hybrid: %w: no secondary attached", storage.ErrNotSupported)
	}
	return e.drift.Detect(ctx, dryRun, period)
}

// ForceSyncReport summarizes one operator-triggered reconciliation.
type ForceSyncReport struct {
	Checked  int           `json:"checked"`
	Synced   int           `json:"synced"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// ForceSync pushes every live primary memory absent from the secondary
// across, synchronously. Operator hook; the background service keeps
// running.
func (e *Engine) ForceSync(ctx context.Context) (*ForceSyncReport, error) {
	if e.secondary == nil {
		return nil, fmt.Errorf("hybrid: %w: no secondary attached", storage.ErrNotSupported)
	}

	start := time.Now()
	report := &ForceSyncReport{}
	pageSize := e.opts.InitialSyncPageSize

	for offset := 0; ; offset += pageSize {
		page, err := e.primary.GetAllMemories(ctx, pageSize, offset, "", nil)
		if err != nil {
			return report, fmt.Errorf("hybrid: force sync page at %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			report.Checked++
			existing, err := e.secondary.GetByHash(ctx, m.ContentHash)
			if err != nil {
				report.Failed++
				continue
			}
			if existing != nil {
				continue
			}
			if _, err := e.secondary.Store(ctx, m); err != nil {
				report.Failed++
				log.Printf("hybrid: force sync store %s: %v", m.ContentHash, err)
				continue
			}
			report.Synced++
		}
		if len(page) < pageSize {
			break
		}
	}

	report.Duration = time.Since(start)
	log.Printf("hybrid: force sync checked %d, synced %d, failed %d in %s",
		report.Checked, report.Synced, report.Failed, report.Duration)
	return report, nil
}
