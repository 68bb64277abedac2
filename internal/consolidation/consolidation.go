// Package consolidation implements the dream-inspired maintenance
// pipeline: periodic passes that re-score relevance, cluster related
// memories, surface novel associations, compress clusters into summary
// memories, and archive or delete what has stopped mattering.
//
// Each scheduled horizon (daily through yearly) enables a subset of
// phases and selects its own candidate window. Phases within one run
// always execute in the order score, cluster, associate, compress,
// forget; later phases consume earlier outputs.
package consolidation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// Horizon names one scheduled consolidation cadence.
type Horizon string

const (
	Daily     Horizon = "daily"
	Weekly    Horizon = "weekly"
	Monthly   Horizon = "monthly"
	Quarterly Horizon = "quarterly"
	Yearly    Horizon = "yearly"
)

// Phase names one pipeline stage.
type Phase string

const (
	PhaseScore     Phase = "score"
	PhaseCluster   Phase = "cluster"
	PhaseAssociate Phase = "associate"
	PhaseCompress  Phase = "compress"
	PhaseForget    Phase = "forget"
)

// phasesByHorizon is the enablement table. Scoring runs everywhere;
// forgetting only on the long horizons where age signals are meaningful.
var phasesByHorizon = map[Horizon][]Phase{
	Daily:     {PhaseScore},
	Weekly:    {PhaseScore, PhaseCluster, PhaseAssociate, PhaseCompress},
	Monthly:   {PhaseScore, PhaseCluster, PhaseAssociate, PhaseCompress, PhaseForget},
	Quarterly: {PhaseScore, PhaseCluster, PhaseCompress, PhaseForget},
	Yearly:    {PhaseScore, PhaseForget},
}

// Horizons lists all cadences in schedule order.
func Horizons() []Horizon {
	return []Horizon{Daily, Weekly, Monthly, Quarterly, Yearly}
}

// Valid reports whether h names a known horizon.
func (h Horizon) Valid() bool {
	_, ok := phasesByHorizon[h]
	return ok
}

// Options tunes the pipeline. Zero values fall back to defaults.
type Options struct {
	// AssociationStorage is "memories", "dual", or "graph".
	AssociationStorage string

	// Incremental limits each run to the BatchSize candidates least
	// recently consolidated, stamping last_consolidated_at afterwards.
	Incremental bool
	BatchSize   int

	MinSimilarity float64
	MaxSimilarity float64
	PairSampleCap int

	// Clustering is "dbscan", "hierarchical", or "simple".
	Clustering     string
	MinClusterSize int

	MaxSummaryLength int

	ForgettingEnabled   bool
	RelevanceThreshold  float64
	AccessThresholdDays int
	ArchivePath         string

	QualityBoostEnabled  bool
	QualityBoostFactor   float64
	QualityBoostMinConns int
}

func (o Options) withDefaults() Options {
	if o.AssociationStorage == "" {
		o.AssociationStorage = "memories"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.MinSimilarity <= 0 {
		o.MinSimilarity = 0.3
	}
	if o.MaxSimilarity <= 0 {
		o.MaxSimilarity = 0.7
	}
	if o.PairSampleCap <= 0 {
		o.PairSampleCap = 10000
	}
	if o.Clustering == "" {
		o.Clustering = "dbscan"
	}
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = 5
	}
	if o.MaxSummaryLength <= 0 {
		o.MaxSummaryLength = 500
	}
	if o.RelevanceThreshold <= 0 {
		o.RelevanceThreshold = 0.1
	}
	if o.AccessThresholdDays <= 0 {
		o.AccessThresholdDays = 90
	}
	if o.QualityBoostFactor <= 0 {
		o.QualityBoostFactor = 1.2
	}
	if o.QualityBoostMinConns <= 0 {
		o.QualityBoostMinConns = 3
	}
	return o
}

// SyncController pauses background replication for the duration of a
// run. The hybrid engine implements it.
type SyncController interface {
	PauseSync()
	ResumeSync()
}

// EmbeddingSource serves stored vectors by hash, so consolidation never
// re-embeds content that already has a vector.
type EmbeddingSource interface {
	GetEmbeddings(ctx context.Context, hashes []string) (map[string][]float32, error)
}

// Deps wires the engine to the rest of the system. Store is required;
// everything else degrades gracefully when absent.
type Deps struct {
	Store        storage.Backend
	Associations storage.AssociationStore
	Access       storage.AccessTracker
	Vectors      EmbeddingSource
	Provider     embedding.Provider
	Sync         SyncController
}

// PhaseResult records one executed phase.
type PhaseResult struct {
	Phase     Phase          `json:"phase"`
	Duration  time.Duration  `json:"duration"`
	Processed int            `json:"processed"`
	Succeeded bool           `json:"succeeded"`
	Errors    []string       `json:"errors,omitempty"`
	Details   map[string]int `json:"details,omitempty"`
}

// Report summarizes one consolidation run.
type Report struct {
	Horizon    Horizon       `json:"horizon"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Candidates int           `json:"candidates"`
	Phases     []PhaseResult `json:"phases"`
}

// Engine runs consolidation passes.
type Engine struct {
	deps   Deps
	opts   Options
	health *HealthMonitor
}

// New builds an engine.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("consolidation: store is required")
	}
	opts = opts.withDefaults()
	switch opts.AssociationStorage {
	case "memories", "dual", "graph":
	default:
		return nil, fmt.Errorf("consolidation: unknown association storage %q", opts.AssociationStorage)
	}
	switch opts.Clustering {
	case "dbscan", "hierarchical", "simple":
	default:
		return nil, fmt.Errorf("consolidation: unknown clustering algorithm %q", opts.Clustering)
	}
	if opts.MinSimilarity >= opts.MaxSimilarity {
		return nil, fmt.Errorf("consolidation: similarity band [%f,%f] is empty",
			opts.MinSimilarity, opts.MaxSimilarity)
	}
	return &Engine{deps: deps, opts: opts, health: NewHealthMonitor()}, nil
}

// Health exposes the run-history and alert monitor.
func (e *Engine) Health() *HealthMonitor { return e.health }

// runState carries intermediate outputs between phases of one run.
type runState struct {
	horizon     Horizon
	candidates  []*types.Memory
	vectors     map[string][]float32
	connections map[string]int
	accessTimes map[string]time.Time
	relevance   map[string]float64
	clusters    [][]*types.Memory
	decisions   map[string]string // content hash to forgetting decision
}

// Run executes one horizon pass. Background sync is paused for the
// duration and always resumed, even on failure.
func (e *Engine) Run(ctx context.Context, horizon Horizon) (*Report, error) {
	if !horizon.Valid() {
		return nil, fmt.Errorf("consolidation: unknown horizon %q", horizon)
	}

	if e.deps.Sync != nil {
		e.deps.Sync.PauseSync()
		defer e.deps.Sync.ResumeSync()
	}

	report := &Report{Horizon: horizon, StartedAt: time.Now()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	candidates, err := e.gatherCandidates(ctx, horizon)
	if err != nil {
		e.health.RecordRun(horizon, err)
		return report, err
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		log.Printf("consolidation: %s run found no candidates", horizon)
		e.health.RecordRun(horizon, nil)
		return report, nil
	}

	state := &runState{
		horizon:    horizon,
		candidates: candidates,
		relevance:  map[string]float64{},
		decisions:  map[string]string{},
	}

	for _, phase := range phasesByHorizon[horizon] {
		result := e.runPhase(ctx, phase, state)
		report.Phases = append(report.Phases, result)
		e.health.RecordPhase(horizon, result)
		if !result.Succeeded {
			log.Printf("consolidation: %s phase %s failed: %v", horizon, phase, result.Errors)
		}
	}

	if err := e.finalizeRun(ctx, state); err != nil {
		e.health.RecordRun(horizon, err)
		return report, err
	}
	e.health.RecordRun(horizon, nil)
	log.Printf("consolidation: %s run processed %d candidates in %s",
		horizon, report.Candidates, time.Since(report.StartedAt))
	return report, nil
}

func (e *Engine) runPhase(ctx context.Context, phase Phase, state *runState) PhaseResult {
	result := PhaseResult{Phase: phase, Succeeded: true}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	var err error
	switch phase {
	case PhaseScore:
		err = e.scorePhase(ctx, state, &result)
	case PhaseCluster:
		err = e.clusterPhase(ctx, state, &result)
	case PhaseAssociate:
		err = e.associatePhase(ctx, state, &result)
	case PhaseCompress:
		err = e.compressPhase(ctx, state, &result)
	case PhaseForget:
		err = e.forgetPhase(ctx, state, &result)
	}
	if err != nil {
		result.Succeeded = false
		result.Errors = append(result.Errors, err.Error())
	}
	return result
}

// gatherCandidates selects the horizon's window, applying incremental
// slicing when enabled.
func (e *Engine) gatherCandidates(ctx context.Context, horizon Horizon) ([]*types.Memory, error) {
	now := time.Now()
	var memories []*types.Memory
	var err error

	switch horizon {
	case Daily:
		memories, err = e.deps.Store.GetMemoriesByTimeRange(ctx, now.Add(-48*time.Hour), now)
	case Weekly, Monthly:
		memories, err = e.allMemories(ctx)
	case Quarterly:
		memories, err = e.deps.Store.GetMemoriesByTimeRange(ctx, time.Unix(0, 0), now.AddDate(0, 0, -90))
	case Yearly:
		memories, err = e.deps.Store.GetMemoriesByTimeRange(ctx, time.Unix(0, 0), now.AddDate(0, 0, -365))
	}
	if err != nil {
		return nil, fmt.Errorf("consolidation: gather %s candidates: %w", horizon, err)
	}

	if e.opts.Incremental && len(memories) > e.opts.BatchSize {
		sort.SliceStable(memories, func(i, j int) bool {
			return memories[i].LastConsolidatedAt() < memories[j].LastConsolidatedAt()
		})
		memories = memories[:e.opts.BatchSize]
	}
	return memories, nil
}

func (e *Engine) allMemories(ctx context.Context) ([]*types.Memory, error) {
	const pageSize = 500
	var out []*types.Memory
	for offset := 0; ; offset += pageSize {
		page, err := e.deps.Store.GetAllMemories(ctx, pageSize, offset, "", nil)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}

// finalizeRun persists the run's metadata mutations in one batch:
// relevance scores, quality boosts, and the consolidation watermark.
// Every surviving candidate is stamped; deleted and archived memories
// are skipped.
func (e *Engine) finalizeRun(ctx context.Context, state *runState) error {
	now := types.NowTimestamp()
	var batch []*types.Memory
	for _, m := range state.candidates {
		switch state.decisions[m.ContentHash] {
		case "deleted", "archived":
			continue
		}
		if score, ok := state.relevance[m.ContentHash]; ok {
			m.SetMetadata(types.MetaRelevanceScore, score)
		}
		m.SetMetadata(types.MetaLastConsolidatedAt, now)
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		return nil
	}
	if _, err := e.deps.Store.UpdateMemoriesBatch(ctx, batch); err != nil {
		return fmt.Errorf("consolidation: persist run metadata: %w", err)
	}
	return nil
}

// loadVectors resolves embeddings for the candidates, preferring stored
// vectors and re-embedding only what is missing.
func (e *Engine) loadVectors(ctx context.Context, state *runState) error {
	if state.vectors != nil {
		return nil
	}
	state.vectors = map[string][]float32{}

	hashes := make([]string, 0, len(state.candidates))
	for _, m := range state.candidates {
		hashes = append(hashes, m.ContentHash)
	}

	if e.deps.Vectors != nil {
		stored, err := e.deps.Vectors.GetEmbeddings(ctx, hashes)
		if err != nil {
			return err
		}
		state.vectors = stored
	}

	if e.deps.Provider == nil {
		return nil
	}
	for _, m := range state.candidates {
		if _, ok := state.vectors[m.ContentHash]; ok {
			continue
		}
		vec, err := e.deps.Provider.Embed(ctx, m.Content)
		if err != nil {
			log.Printf("consolidation: embed %s: %v", m.ContentHash, err)
			continue
		}
		state.vectors[m.ContentHash] = vec
	}
	return nil
}
