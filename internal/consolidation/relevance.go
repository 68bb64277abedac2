package consolidation

import (
	"context"
	"math"
	"time"

	"github.com/evermem/evermem/pkg/types"
)

// baseImportanceByTag maps tags onto base importance. The highest
// matching tag wins; untagged memories score 1.0.
var baseImportanceByTag = map[string]float64{
	"critical":  2.0,
	"important": 1.5,
	"urgent":    1.4,
	"reference": 1.3,
	"project":   1.2,
	"personal":  1.1,
	"note":      0.9,
	"draft":     0.8,
	"temporary": 0.7,
}

// retentionDaysByType is the per-type decay time constant in days.
// Types absent from the table decay on the 30 day default.
var retentionDaysByType = map[string]float64{
	types.TypeDecision:     365,
	types.TypeFact:         180,
	types.TypeReference:    180,
	types.TypeSummary:      180,
	types.TypeDocument:     120,
	types.TypeCode:         90,
	types.TypeEvent:        60,
	types.TypeTask:         30,
	types.TypeConversation: 30,
	types.TypeObservation:  30,
	types.TypeNote:         30,
	types.TypeTemporary:    7,
}

const defaultRetentionDays = 30

// protectedTag marks memories whose relevance never drops below the
// protected floor, keeping them out of forgetting's reach.
const protectedTag = "protected"

const protectedFloor = 0.5

// baseImportance reads an explicit importance_score when present, else
// derives it from tags.
func baseImportance(m *types.Memory) float64 {
	if score, ok := m.ImportanceScore(); ok {
		return score
	}
	best := 1.0
	matched := false
	for _, tag := range m.Tags {
		if v, ok := baseImportanceByTag[tag]; ok {
			if !matched || v > best {
				best = v
			}
			matched = true
		}
	}
	return best
}

// accessBoost rewards recently retrieved memories.
func accessBoost(lastAccess time.Time, now time.Time) float64 {
	if lastAccess.IsZero() {
		return 1.0
	}
	age := now.Sub(lastAccess)
	switch {
	case age <= 24*time.Hour:
		return 1.5
	case age <= 7*24*time.Hour:
		return 1.2
	case age <= 30*24*time.Hour:
		return 1.1
	default:
		return 1.0
	}
}

// relevanceScore computes the decayed, boosted relevance of one memory.
func relevanceScore(m *types.Memory, connections int, lastAccess time.Time, now time.Time) float64 {
	ageDays := (types.TimeToTimestamp(now) - m.CreatedAt) / 86400
	if ageDays < 0 {
		ageDays = 0
	}

	retention, ok := retentionDaysByType[types.MemoryTypeBase(m.MemoryType)]
	if !ok {
		retention = defaultRetentionDays
	}

	total := baseImportance(m) *
		math.Exp(-ageDays/retention) *
		(1 + 0.1*float64(connections)) *
		accessBoost(lastAccess, now) *
		(1.0 + 0.5*m.QualityScore())

	if m.HasTag(protectedTag) && total < protectedFloor {
		total = protectedFloor
	}
	return total
}

// scorePhase recomputes relevance for every candidate and applies the
// association quality boost. Scores are persisted by finalizeRun's
// single batch write.
func (e *Engine) scorePhase(ctx context.Context, state *runState, result *PhaseResult) error {
	now := time.Now()

	if e.deps.Associations != nil {
		conns, err := e.deps.Associations.GetMemoryConnections(ctx)
		if err != nil {
			return err
		}
		state.connections = conns
	}
	if e.deps.Access != nil {
		patterns, err := e.deps.Access.GetAccessPatterns(ctx)
		if err != nil {
			return err
		}
		state.accessTimes = patterns
	}

	boosted := 0
	for _, m := range state.candidates {
		connections := state.connections[m.ContentHash]
		if e.applyQualityBoost(m, connections) {
			boosted++
		}
		state.relevance[m.ContentHash] = relevanceScore(
			m, connections, state.accessTimes[m.ContentHash], now)
		result.Processed++
	}
	result.Details = map[string]int{"quality_boosted": boosted}
	return nil
}

// applyQualityBoost raises quality_score for well-connected memories,
// recording provenance so the boost is auditable and never reapplied.
func (e *Engine) applyQualityBoost(m *types.Memory, connections int) bool {
	if !e.opts.QualityBoostEnabled || connections < e.opts.QualityBoostMinConns {
		return false
	}
	if m.Metadata != nil {
		if applied, ok := m.Metadata[types.MetaQualityBoostApplied].(bool); ok && applied {
			return false
		}
	}

	original := m.QualityScore()
	boosted := math.Min(original*e.opts.QualityBoostFactor, 1.0)
	if boosted <= original {
		return false
	}

	m.SetMetadata(types.MetaOriginalQuality, original)
	m.SetMetadata(types.MetaQualityScore, boosted)
	m.SetMetadata(types.MetaQualityBoostApplied, true)
	m.SetMetadata(types.MetaQualityBoostReason, "association_connectivity")
	m.SetMetadata(types.MetaQualityBoostConnCount, connections)
	return true
}
