package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/internal/storage/sqlite"
	"github.com/evermem/evermem/pkg/types"
)

func newTestStore(t *testing.T) (*sqlite.Store, *embedding.StaticProvider) {
	t.Helper()
	provider := embedding.NewStaticProvider(256)
	s, err := sqlite.New(sqlite.Config{Path: ":memory:", Provider: provider})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, provider
}

func newEngine(t *testing.T, s *sqlite.Store, provider *embedding.StaticProvider, opts Options) *Engine {
	t.Helper()
	e, err := New(Deps{
		Store:        s,
		Associations: s,
		Access:       s,
		Vectors:      s,
		Provider:     provider,
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func seedMemory(t *testing.T, s *sqlite.Store, content string, tags []string, memoryType string, ageDays float64, meta types.Metadata) *types.Memory {
	t.Helper()
	m, err := types.NewMemory(content, tags, memoryType, meta)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if ageDays > 0 {
		m.CreatedAt = types.NowTimestamp() - ageDays*86400
		m.UpdatedAt = m.CreatedAt
	}
	res, err := s.Store(context.Background(), m)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !res.Stored {
		t.Fatalf("Store rejected %q: %s", content, res.Message)
	}
	return m
}

type recordingSync struct{ paused, resumed int }

func (r *recordingSync) PauseSync()  { r.paused++ }
func (r *recordingSync) ResumeSync() { r.resumed++ }

func TestRunMonthlyEndToEnd(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)
	archiveDir := t.TempDir()

	// Six memories sharing a long common phrase form one dense cluster.
	phrase := "migration runbook for the billing database failover drill rehearsal"
	for i := 0; i < 6; i++ {
		seedMemory(t, s, fmt.Sprintf("%s step%d", phrase, i), []string{"project"}, "note", 0, nil)
	}
	stale := seedMemory(t, s, "scratch reminder from a long abandoned experiment", nil, "note", 400, nil)
	kept := seedMemory(t, s, "master encryption key escrow procedure", []string{protectedTag}, "note", 400, nil)

	syncCtl := &recordingSync{}
	e := newEngine(t, s, provider, Options{
		Clustering:         "simple",
		MinClusterSize:     3,
		AssociationStorage: "graph",
		ForgettingEnabled:  true,
		ArchivePath:        archiveDir,
	})
	e.deps.Sync = syncCtl

	report, err := e.Run(ctx, Monthly)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Candidates != 8 {
		t.Fatalf("candidates = %d, want 8", report.Candidates)
	}
	if len(report.Phases) != 5 {
		t.Fatalf("phases = %d, want 5", len(report.Phases))
	}
	for _, p := range report.Phases {
		if !p.Succeeded {
			t.Fatalf("phase %s failed: %v", p.Phase, p.Errors)
		}
	}
	if syncCtl.paused != 1 || syncCtl.resumed != 1 {
		t.Fatalf("sync pause/resume = %d/%d, want 1/1", syncCtl.paused, syncCtl.resumed)
	}

	// The cluster was compressed into a tagged summary memory.
	summaries, err := s.SearchByTag(ctx, []string{"consolidated"}, nil)
	if err != nil {
		t.Fatalf("SearchByTag: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}
	summary := summaries[0]
	if types.MemoryTypeBase(summary.MemoryType) != types.TypeSummary {
		t.Fatalf("summary type = %q", summary.MemoryType)
	}
	sources, _ := summary.Metadata[types.MetaSourceMemoryHashes].(string)
	if len(strings.Split(sources, ",")) != 6 {
		t.Fatalf("summary sources = %q, want 6 hashes", sources)
	}

	// The stale memory was archived and deleted; the protected one survived.
	if m, _ := s.GetByHash(ctx, stale.ContentHash); m != nil {
		t.Fatal("stale memory survived forgetting")
	}
	if m, _ := s.GetByHash(ctx, kept.ContentHash); m == nil {
		t.Fatal("protected memory was forgotten")
	}
	archives, err := filepath.Glob(filepath.Join(archiveDir, "forgotten-monthly-*.json"))
	if err != nil || len(archives) != 1 {
		t.Fatalf("archive files = %v (err %v), want 1", archives, err)
	}

	// Survivors carry the persisted relevance score.
	for _, m := range summariesSources(t, ctx, s, sources) {
		if _, ok := m.Metadata[types.MetaRelevanceScore]; !ok {
			t.Fatalf("memory %s missing relevance score", m.ContentHash)
		}
	}

	health := e.Health().Status()
	if health.TotalRuns != 1 || !health.LastRunOK || health.LastRunHorizon != Monthly {
		t.Fatalf("health = %+v", health)
	}
	if len(health.History) != 5 {
		t.Fatalf("health history = %d, want 5", len(health.History))
	}
}

func summariesSources(t *testing.T, ctx context.Context, s *sqlite.Store, joined string) []*types.Memory {
	t.Helper()
	var out []*types.Memory
	for _, hash := range strings.Split(joined, ",") {
		m, err := s.GetByHash(ctx, hash)
		if err != nil {
			t.Fatalf("GetByHash: %v", err)
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func TestAssociationDiscoveryGraphMode(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)

	// Half-overlapping vocabularies land the pair inside the creative
	// band; the causal marker drives the inferred type.
	first := seedMemory(t, s,
		"payment gateway timeout spike alert raised overnight", nil, "note", 1, nil)
	second := seedMemory(t, s,
		"payment gateway timeout happened because upstream dns failed", nil, "note", 0, nil)

	e := newEngine(t, s, provider, Options{AssociationStorage: "graph"})
	report, err := e.Run(ctx, Weekly)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	has, err := s.HasAssociation(ctx, first.ContentHash, second.ContentHash)
	if err != nil {
		t.Fatalf("HasAssociation: %v", err)
	}
	if !has {
		t.Fatalf("no association discovered; report %+v", report)
	}

	// A second run finds the edge already present instead of duplicating.
	if _, err := e.Run(ctx, Weekly); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	assocs, err := s.GetAssociations(ctx, first.ContentHash)
	if err != nil {
		t.Fatalf("GetAssociations: %v", err)
	}
	if len(assocs) != 1 {
		t.Fatalf("associations = %d, want 1", len(assocs))
	}
	if assocs[0].ConnectionTypes[0] != types.ConnCauses {
		t.Fatalf("connection type = %v, want causes", assocs[0].ConnectionTypes)
	}
}

func TestAssociationMemoriesMode(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)

	a := seedMemory(t, s,
		"search indexer rebuild finished after the schema change", nil, "note", 1, nil)
	b := seedMemory(t, s,
		"search indexer latency improved because cache warmed", nil, "note", 0, nil)

	e := newEngine(t, s, provider, Options{AssociationStorage: "memories"})
	if _, err := e.Run(ctx, Weekly); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found, err := s.SearchByTag(ctx, []string{"association"}, nil)
	if err != nil {
		t.Fatalf("SearchByTag: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("association memories = %d, want 1", len(found))
	}
	sources, _ := found[0].Metadata[types.MetaSourceMemoryHashes].(string)
	if !strings.Contains(sources, a.ContentHash) || !strings.Contains(sources, b.ContentHash) {
		t.Fatalf("association sources = %q", sources)
	}
}

func TestRunStampsWatermarkByDefault(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)

	m := seedMemory(t, s, "quarterly planning notes from the roadmap review", nil, "note", 0, nil)

	e := newEngine(t, s, provider, Options{})
	before := types.NowTimestamp()
	if _, err := e.Run(ctx, Weekly); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := s.GetByHash(ctx, m.ContentHash)
	if err != nil || got == nil {
		t.Fatalf("GetByHash: %v %v", got, err)
	}
	if _, ok := got.Metadata[types.MetaRelevanceScore]; !ok {
		t.Fatal("relevance score not persisted")
	}
	if got.LastConsolidatedAt() < before {
		t.Fatalf("last_consolidated_at = %v, want >= %v", got.LastConsolidatedAt(), before)
	}
}

func TestAssociationPhaseIdempotentPerHorizon(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)

	seedMemory(t, s,
		"release checklist draft shared with the oncall rotation", nil, "note", 1, nil)
	seedMemory(t, s,
		"release checklist updated because the rotation flagged gaps", nil, "note", 0, nil)

	e := newEngine(t, s, provider, Options{AssociationStorage: "graph"})
	first, err := e.Run(ctx, Weekly)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if n := associateCount(t, first, "discovered"); n != 1 {
		t.Fatalf("first run discovered = %d, want 1", n)
	}

	second, err := e.Run(ctx, Weekly)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if n := associateCount(t, second, "discovered"); n != 0 {
		t.Fatalf("second run discovered = %d, want 0", n)
	}
	if n := associateCount(t, second, "existing"); n != 1 {
		t.Fatalf("second run existing = %d, want 1", n)
	}
	summaries, err := s.SearchByTag(ctx, []string{"consolidated"}, nil)
	if err != nil {
		t.Fatalf("SearchByTag: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("summaries created across runs: %d", len(summaries))
	}
}

func TestDuplicateAssociationMemoryNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)

	a := seedMemory(t, s, "cache eviction policy switched to lru", nil, "note", 1, nil)
	b := seedMemory(t, s, "cache hit rate improved because eviction changed", nil, "note", 0, nil)

	e := newEngine(t, s, provider, Options{AssociationStorage: "memories"})
	assoc, err := types.NewAssociation(a.ContentHash, b.ContentHash, 0.5,
		[]types.ConnectionType{types.ConnCauses}, "consolidation")
	if err != nil {
		t.Fatalf("NewAssociation: %v", err)
	}

	novel, err := e.storeAssociation(ctx, assoc, a, b)
	if err != nil {
		t.Fatalf("storeAssociation: %v", err)
	}
	if !novel {
		t.Fatal("first write not reported as novel")
	}
	novel, err = e.storeAssociation(ctx, assoc, a, b)
	if err != nil {
		t.Fatalf("second storeAssociation: %v", err)
	}
	if novel {
		t.Fatal("rejected duplicate reported as novel")
	}
}

func associateCount(t *testing.T, report *Report, key string) int {
	t.Helper()
	for _, p := range report.Phases {
		if p.Phase == PhaseAssociate {
			return p.Details[key]
		}
	}
	t.Fatalf("no associate phase in report %+v", report)
	return 0
}

func TestQualityBoostAppliedOnce(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)

	hub := seedMemory(t, s, "service ownership map for the platform team",
		nil, "fact", 0, types.Metadata{types.MetaQualityScore: 0.5})
	for i := 0; i < 3; i++ {
		spoke := seedMemory(t, s, fmt.Sprintf("ownership detail record %d", i), nil, "note", 0, nil)
		assoc, err := types.NewAssociation(hub.ContentHash, spoke.ContentHash, 0.9,
			[]types.ConnectionType{types.ConnRelated}, "manual")
		if err != nil {
			t.Fatalf("NewAssociation: %v", err)
		}
		if err := s.StoreAssociation(ctx, assoc); err != nil {
			t.Fatalf("StoreAssociation: %v", err)
		}
	}

	e := newEngine(t, s, provider, Options{QualityBoostEnabled: true})
	if _, err := e.Run(ctx, Daily); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := s.GetByHash(ctx, hub.ContentHash)
	if err != nil || got == nil {
		t.Fatalf("GetByHash: %v %v", got, err)
	}
	if applied, _ := got.Metadata[types.MetaQualityBoostApplied].(bool); !applied {
		t.Fatalf("boost not applied: %+v", got.Metadata)
	}
	boosted := got.QualityScore()
	if boosted < 0.59 || boosted > 0.61 {
		t.Fatalf("boosted quality = %v, want 0.6", boosted)
	}
	if orig := got.Metadata[types.MetaOriginalQuality]; orig == nil {
		t.Fatal("original quality not recorded")
	}
	if reason, _ := got.Metadata[types.MetaQualityBoostReason].(string); reason != "association_connectivity" {
		t.Fatalf("boost reason = %q", reason)
	}

	// The second run sees the provenance flag and leaves the score alone.
	if _, err := e.Run(ctx, Daily); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	again, _ := s.GetByHash(ctx, hub.ContentHash)
	if again.QualityScore() != boosted {
		t.Fatalf("quality reboosted: %v then %v", boosted, again.QualityScore())
	}
}

func TestIncrementalProcessesLeastRecentFirst(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)

	never := seedMemory(t, s, "entry consolidated never", nil, "note", 0, nil)
	oldest := seedMemory(t, s, "entry consolidated longest ago", nil, "note", 0,
		types.Metadata{types.MetaLastConsolidatedAt: 100.0})
	recent := seedMemory(t, s, "entry consolidated recently", nil, "note", 0,
		types.Metadata{types.MetaLastConsolidatedAt: types.NowTimestamp()})

	e := newEngine(t, s, provider, Options{Incremental: true, BatchSize: 2})
	report, err := e.Run(ctx, Daily)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Candidates != 2 {
		t.Fatalf("candidates = %d, want batch of 2", report.Candidates)
	}

	cutoff := types.NowTimestamp() - 60
	for _, m := range []*types.Memory{never, oldest} {
		got, _ := s.GetByHash(ctx, m.ContentHash)
		if got.LastConsolidatedAt() < cutoff {
			t.Fatalf("watermark not advanced for %s: %v", m.ContentHash, got.LastConsolidatedAt())
		}
	}
	skipped, _ := s.GetByHash(ctx, recent.ContentHash)
	if _, ok := skipped.Metadata[types.MetaRelevanceScore]; ok {
		t.Fatal("out-of-batch memory was scored")
	}
}

func TestForgetPhaseDecisions(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)
	archiveDir := t.TempDir()

	stale := seedMemory(t, s, "obsolete meeting logistics", nil, "note", 400, nil)
	temp := seedMemory(t, s, "one off debug toggle state", nil, "temporary", 40, nil)
	prot := seedMemory(t, s, "disaster recovery passphrase location", []string{protectedTag}, "note", 400, nil)

	e := newEngine(t, s, provider, Options{ForgettingEnabled: true, ArchivePath: archiveDir})
	state := &runState{
		horizon:    Monthly,
		candidates: []*types.Memory{stale, temp, prot},
		relevance: map[string]float64{
			stale.ContentHash: 0.01,
			temp.ContentHash:  0.01,
			prot.ContentHash:  0.01,
		},
		decisions: map[string]string{},
	}
	var result PhaseResult
	if err := e.forgetPhase(ctx, state, &result); err != nil {
		t.Fatalf("forgetPhase: %v", err)
	}

	if state.decisions[stale.ContentHash] != decisionArchived {
		t.Fatalf("stale decision = %q", state.decisions[stale.ContentHash])
	}
	if state.decisions[temp.ContentHash] != decisionDeleted {
		t.Fatalf("temporary decision = %q", state.decisions[temp.ContentHash])
	}
	if state.decisions[prot.ContentHash] != decisionKept {
		t.Fatalf("protected decision = %q", state.decisions[prot.ContentHash])
	}

	archives, _ := filepath.Glob(filepath.Join(archiveDir, "forgotten-monthly-*.json"))
	if len(archives) != 1 {
		t.Fatalf("archive files = %v, want 1", archives)
	}
	buf, err := os.ReadFile(archives[0])
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var entries []archiveEntry
	if err := json.Unmarshal(buf, &entries); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if len(entries) != 1 || entries[0].Memory.ContentHash != stale.ContentHash {
		t.Fatalf("archive entries = %+v", entries)
	}
}

func TestForgetKeepsEverythingWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)

	stale := seedMemory(t, s, "stale but unarchivable memory", nil, "note", 400, nil)

	// Forgetting without an archive path cannot produce the durable
	// copy, so nothing may be deleted.
	e := newEngine(t, s, provider, Options{ForgettingEnabled: true})
	state := &runState{
		horizon:    Monthly,
		candidates: []*types.Memory{stale},
		relevance:  map[string]float64{stale.ContentHash: 0.01},
		decisions:  map[string]string{},
	}
	var result PhaseResult
	if err := e.forgetPhase(ctx, state, &result); err != nil {
		t.Fatalf("forgetPhase: %v", err)
	}
	if len(result.Errors) == 0 {
		t.Fatal("archive failure not surfaced")
	}
	if state.decisions[stale.ContentHash] != decisionKept {
		t.Fatalf("decision = %q, want kept", state.decisions[stale.ContentHash])
	}
	if m, _ := s.GetByHash(ctx, stale.ContentHash); m == nil {
		t.Fatal("memory deleted despite archive failure")
	}
}

func TestRecentAccessBlocksForgetting(t *testing.T) {
	ctx := context.Background()
	s, provider := newTestStore(t)

	m := seedMemory(t, s, "old but still consulted checklist", nil, "note", 400,
		types.Metadata{types.MetaLastAccessedAt: types.NowTimestamp()})

	e := newEngine(t, s, provider, Options{ForgettingEnabled: true, ArchivePath: t.TempDir()})
	state := &runState{
		horizon:    Monthly,
		candidates: []*types.Memory{m},
		relevance:  map[string]float64{m.ContentHash: 0.01},
		decisions:  map[string]string{},
	}
	var result PhaseResult
	if err := e.forgetPhase(ctx, state, &result); err != nil {
		t.Fatalf("forgetPhase: %v", err)
	}
	if state.decisions[m.ContentHash] != decisionKept {
		t.Fatalf("decision = %q, want kept", state.decisions[m.ContentHash])
	}
}

func TestHealthMonitorAlerts(t *testing.T) {
	h := NewHealthMonitor()

	h.RecordPhase(Daily, PhaseResult{Phase: PhaseScore, Succeeded: true})
	h.RecordPhase(Weekly, PhaseResult{Phase: PhaseCompress, Succeeded: false, Errors: []string{"boom"}})
	h.RecordRun(Weekly, fmt.Errorf("run exploded"))
	h.RecordRun(Daily, nil)

	status := h.Status()
	if status.TotalRuns != 2 || status.FailedRuns != 1 {
		t.Fatalf("runs = %d/%d, want 2 total 1 failed", status.TotalRuns, status.FailedRuns)
	}
	if !status.LastRunOK || status.LastRunHorizon != Daily {
		t.Fatalf("last run = %+v", status)
	}
	if len(status.Alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(status.Alerts))
	}

	for _, a := range status.Alerts {
		if !h.Resolve(a.ID) {
			t.Fatalf("Resolve(%s) = false", a.ID)
		}
	}
	if h.Resolve("nonexistent") {
		t.Fatal("Resolve of unknown id succeeded")
	}
	if left := h.Status().Alerts; len(left) != 0 {
		t.Fatalf("alerts after resolve = %d", len(left))
	}
}

func TestHealthHistoryCapped(t *testing.T) {
	h := NewHealthMonitor()
	for i := 0; i < historyCap+20; i++ {
		h.RecordPhase(Daily, PhaseResult{Phase: PhaseScore, Succeeded: true})
	}
	if got := len(h.Status().History); got != historyCap {
		t.Fatalf("history = %d, want %d", got, historyCap)
	}
}

func TestSchedulerDueLongestFirst(t *testing.T) {
	s, provider := newTestStore(t)
	e := newEngine(t, s, provider, Options{})
	sched := NewScheduler(e)

	now := time.Now()
	for _, h := range Horizons() {
		sched.lastRun[h] = now
	}
	sched.lastRun[Daily] = now.Add(-25 * time.Hour)
	sched.lastRun[Yearly] = now.Add(-366 * 24 * time.Hour)

	due := sched.due(now)
	if len(due) != 2 || due[0] != Yearly || due[1] != Daily {
		t.Fatalf("due = %v, want [yearly daily]", due)
	}
	if again := sched.due(now); len(again) != 0 {
		t.Fatalf("due repeated = %v", again)
	}
}

func TestRunRejectsUnknownHorizon(t *testing.T) {
	s, provider := newTestStore(t)
	e := newEngine(t, s, provider, Options{})
	if _, err := e.Run(context.Background(), Horizon("hourly")); err == nil {
		t.Fatal("unknown horizon accepted")
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	s, provider := newTestStore(t)
	deps := Deps{Store: s, Provider: provider}

	if _, err := New(deps, Options{AssociationStorage: "ledger"}); err == nil {
		t.Fatal("bad association storage accepted")
	}
	if _, err := New(deps, Options{Clustering: "kmeans"}); err == nil {
		t.Fatal("bad clustering accepted")
	}
	if _, err := New(deps, Options{MinSimilarity: 0.8, MaxSimilarity: 0.4}); err == nil {
		t.Fatal("empty similarity band accepted")
	}
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Fatal("missing store accepted")
	}
}

func TestBuildSummaryBoundsLength(t *testing.T) {
	s, provider := newTestStore(t)
	e := newEngine(t, s, provider, Options{MaxSummaryLength: 200, MinClusterSize: 2})

	var cluster []*types.Memory
	for i := 0; i < 8; i++ {
		m, err := types.NewMemory(
			fmt.Sprintf("incident retro %d covered the paging policy. Further detail follows here.", i),
			[]string{"retro", "ops"}, "note", nil)
		if err != nil {
			t.Fatalf("NewMemory: %v", err)
		}
		cluster = append(cluster, m)
	}

	summary, err := e.buildSummary(cluster)
	if err != nil {
		t.Fatalf("buildSummary: %v", err)
	}
	if len(summary.Content) > 200 {
		t.Fatalf("summary length = %d, want <= 200", len(summary.Content))
	}
	if types.MemoryTypeBase(summary.MemoryType) != types.TypeSummary {
		t.Fatalf("summary type = %q", summary.MemoryType)
	}
	if !summary.HasTag("consolidated") {
		t.Fatalf("summary tags = %v", summary.Tags)
	}
	if size, _ := summary.Metadata["cluster_size"].(int); size != 8 {
		t.Fatalf("cluster_size = %v", summary.Metadata["cluster_size"])
	}
}
