package hybrid

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sort"
	"time"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/internal/timex"
	"github.com/evermem/evermem/pkg/types"
)

// driftMetadataKeys are the metadata fields compared between tiers.
// Volatile counters (access tracking) are excluded: they legitimately
// differ because reads never touch the secondary.
var driftMetadataKeys = []string{
	types.MetaImportanceScore,
	types.MetaQualityScore,
	types.MetaLastConsolidatedAt,
	types.MetaRelevanceScore,
}

// DriftEntry describes one memory whose secondary copy diverged.
type DriftEntry struct {
	ContentHash string   `json:"content_hash"`
	Fields      []string `json:"fields"`
	Repaired    bool     `json:"repaired"`
}

// DriftReport summarizes one detection pass.
type DriftReport struct {
	Sampled  int          `json:"sampled"`
	Drifted  int          `json:"drifted"`
	Repaired int          `json:"repaired"`
	DryRun   bool         `json:"dry_run"`
	Period   string       `json:"period,omitempty"`
	Entries  []DriftEntry `json:"entries,omitempty"`
}

// DriftDetector samples recently touched memories and reconciles
// metadata divergence between tiers. The primary always wins.
type DriftDetector struct {
	primary   storage.Backend
	secondary storage.Backend
	batchSize int
}

// NewDriftDetector builds a detector sampling up to batchSize memories
// per pass.
func NewDriftDetector(primary, secondary storage.Backend, batchSize int) *DriftDetector {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &DriftDetector{primary: primary, secondary: secondary, batchSize: batchSize}
}

// Detect runs one pass. With dryRun the report lists divergent memories
// without writing anything. A non-empty period ("yesterday", "last
// week", "last 3 days") bounds the sample to memories whose updated_at
// falls in the resolved window; an unparseable period is an error
// before any rows are read.
func (d *DriftDetector) Detect(ctx context.Context, dryRun bool, period string) (*DriftReport, error) {
	var periodStart, periodEnd float64
	if period != "" {
		start, end, err := timex.Resolve(period, time.Now())
		if err != nil {
			return nil, fmt.Errorf("hybrid: drift period: %w", err)
		}
		periodStart = types.TimeToTimestamp(start)
		periodEnd = types.TimeToTimestamp(end)
	}

	sample, err := d.primary.GetRecentMemories(ctx, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("hybrid: drift sample: %w", err)
	}

	report := &DriftReport{DryRun: dryRun, Period: period}
	for _, local := range sample {
		if period != "" && (local.UpdatedAt < periodStart || local.UpdatedAt >= periodEnd) {
			continue
		}
		remote, err := d.secondary.GetByHash(ctx, local.ContentHash)
		if err != nil {
			log.Printf("hybrid: drift read %s: %v", local.ContentHash, err)
			continue
		}
		if remote == nil {
			// Missing rows are the sync service's problem, not drift.
			continue
		}
		report.Sampled++

		fields := diffMemory(local, remote)
		if len(fields) == 0 {
			continue
		}
		report.Drifted++
		entry := DriftEntry{ContentHash: local.ContentHash, Fields: fields}

		if !dryRun {
			if err := d.repair(ctx, local); err != nil {
				log.Printf("hybrid: drift repair %s: %v", local.ContentHash, err)
			} else {
				entry.Repaired = true
				report.Repaired++
			}
		}
		report.Entries = append(report.Entries, entry)
	}
	return report, nil
}

// repair pushes the primary's view of the divergent fields onto the
// secondary.
func (d *DriftDetector) repair(ctx context.Context, local *types.Memory) error {
	updates := map[string]interface{}{
		"tags":        local.Tags,
		"memory_type": local.MemoryType,
	}
	md := map[string]interface{}{}
	for _, key := range driftMetadataKeys {
		if local.Metadata != nil {
			if v, ok := local.Metadata[key]; ok {
				md[key] = v
			}
		}
	}
	if len(md) > 0 {
		updates["metadata"] = md
	}
	_, err := d.secondary.UpdateMemoryMetadata(ctx, local.ContentHash, updates, false)
	return err
}

// diffMemory lists the compared fields on which the two copies differ.
func diffMemory(local, remote *types.Memory) []string {
	var fields []string
	if !equalTags(local.Tags, remote.Tags) {
		fields = append(fields, "tags")
	}
	if local.MemoryType != remote.MemoryType {
		fields = append(fields, "memory_type")
	}
	for _, key := range driftMetadataKeys {
		lv := metadataValue(local, key)
		rv := metadataValue(remote, key)
		if !reflect.DeepEqual(lv, rv) {
			fields = append(fields, key)
		}
	}
	return fields
}

func metadataValue(m *types.Memory, key string) interface{} {
	if m.Metadata == nil {
		return nil
	}
	v, ok := m.Metadata[key]
	if !ok {
		return nil
	}
	// Numeric values round-trip through JSON as float64 on one side.
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
