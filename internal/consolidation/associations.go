package consolidation

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/pkg/types"
)

// inferenceThreshold is the minimum confidence required to keep an
// inferred relationship type instead of falling back to related.
const inferenceThreshold = 0.5

// typePairTable is the first inference signal: known relationships
// between base memory types. Keys are "sourceBase:targetBase".
var typePairTable = map[string]struct {
	conn       types.ConnectionType
	confidence float64
}{
	"decision:task":    {types.ConnCauses, 0.6},
	"task:event":       {types.ConnFollows, 0.5},
	"event:decision":   {types.ConnCauses, 0.5},
	"fact:fact":        {types.ConnSupports, 0.4},
	"observation:fact": {types.ConnSupports, 0.55},
	"code:task":        {types.ConnFixes, 0.5},
	"summary:note":     {types.ConnSupports, 0.4},
}

// contentPatterns is the second signal: lexical markers of causation,
// resolution, support, and contradiction.
var contentPatterns = []struct {
	re         *regexp.Regexp
	conn       types.ConnectionType
	confidence float64
}{
	{regexp.MustCompile(`(?i)\b(because|due to|caused by|led to|resulted in)\b`), types.ConnCauses, 0.7},
	{regexp.MustCompile(`(?i)\b(fixed|fixes|resolved|resolves|solution to|workaround)\b`), types.ConnFixes, 0.7},
	{regexp.MustCompile(`(?i)\b(confirms|supports|consistent with|agrees with|validates)\b`), types.ConnSupports, 0.65},
	{regexp.MustCompile(`(?i)\b(contradicts|conflicts with|however|no longer true|incorrect)\b`), types.ConnContradicts, 0.65},
}

// temporalWindow bounds the third signal: memories created close
// together in time plausibly follow one another.
const temporalWindow = 3600 // seconds

// inferConnectionType runs the three-signal heuristic and returns the
// max-confidence candidate, falling back to related below threshold.
func inferConnectionType(a, b *types.Memory) types.ConnectionType {
	best := types.ConnRelated
	bestConfidence := 0.0

	key := types.MemoryTypeBase(a.MemoryType) + ":" + types.MemoryTypeBase(b.MemoryType)
	if entry, ok := typePairTable[key]; ok && entry.confidence > bestConfidence {
		best, bestConfidence = entry.conn, entry.confidence
	}

	joined := strings.ToLower(a.Content + " " + b.Content)
	for _, p := range contentPatterns {
		if p.confidence > bestConfidence && p.re.MatchString(joined) {
			best, bestConfidence = p.conn, p.confidence
		}
	}

	gap := b.CreatedAt - a.CreatedAt
	if gap > 0 && gap <= temporalWindow && 0.4 > bestConfidence {
		best, bestConfidence = types.ConnFollows, 0.4
	}

	if bestConfidence < inferenceThreshold {
		return types.ConnRelated
	}
	return best
}

// pair indexes two candidates.
type pair struct{ i, j int }

// samplePairs enumerates candidate pairs, sampling uniformly when the
// full set exceeds the cap.
func samplePairs(n, limit int, rng *rand.Rand) []pair {
	total := n * (n - 1) / 2
	if total <= limit {
		out := make([]pair, 0, total)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				out = append(out, pair{i, j})
			}
		}
		return out
	}

	seen := make(map[pair]bool, limit)
	out := make([]pair, 0, limit)
	for len(out) < limit {
		i := rng.Intn(n)
		j := rng.Intn(n)
		if i == j {
			continue
		}
		if i > j {
			i, j = j, i
		}
		p := pair{i, j}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// associatePhase discovers novel edges between candidates whose
// similarity falls in the creative band: close enough to relate,
// distant enough to be non-obvious.
func (e *Engine) associatePhase(ctx context.Context, state *runState, result *PhaseResult) error {
	if err := e.loadVectors(ctx, state); err != nil {
		return err
	}
	n := len(state.candidates)
	if n < 2 || len(state.vectors) == 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	discovered, existing := 0, 0

	for _, p := range samplePairs(n, e.opts.PairSampleCap, rng) {
		a, b := state.candidates[p.i], state.candidates[p.j]
		va, okA := state.vectors[a.ContentHash]
		vb, okB := state.vectors[b.ContentHash]
		if !okA || !okB {
			continue
		}
		result.Processed++

		sim := embedding.CosineSimilarity(va, vb)
		if sim < e.opts.MinSimilarity || sim > e.opts.MaxSimilarity {
			continue
		}
		if e.deps.Associations != nil {
			has, err := e.deps.Associations.HasAssociation(ctx, a.ContentHash, b.ContentHash)
			if err == nil && has {
				existing++
				continue
			}
		}

		// Directed types read earlier→later, so order by creation time.
		src, dst := a, b
		if dst.CreatedAt < src.CreatedAt {
			src, dst = dst, src
		}
		conn := inferConnectionType(src, dst)
		assoc, err := types.NewAssociation(src.ContentHash, dst.ContentHash, clampSim(sim),
			[]types.ConnectionType{conn}, "consolidation")
		if err != nil {
			continue
		}
		novel, err := e.storeAssociation(ctx, assoc, src, dst)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if novel {
			discovered++
		} else {
			existing++
		}
	}
	result.Details = map[string]int{"discovered": discovered, "existing": existing}
	return nil
}

func clampSim(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// storeAssociation persists one discovered edge per the configured
// storage mode. It reports whether anything new was written; a
// duplicate association memory rejected by the store does not count.
func (e *Engine) storeAssociation(ctx context.Context, assoc *types.Association, a, b *types.Memory) (bool, error) {
	mode := e.opts.AssociationStorage
	novel := false

	if (mode == "graph" || mode == "dual") && e.deps.Associations != nil {
		if err := e.deps.Associations.StoreAssociation(ctx, assoc); err != nil {
			return false, err
		}
		novel = true
	}

	if mode == "memories" || mode == "dual" {
		content := fmt.Sprintf("Discovered %s link (similarity %.2f):\n1. %s\n2. %s",
			assoc.ConnectionTypes[0], assoc.Similarity,
			excerpt(a.Content, 120), excerpt(b.Content, 120))
		m, err := types.NewMemory(content, []string{"association", string(assoc.ConnectionTypes[0])},
			types.TypeObservation+"/association", types.Metadata{
				types.MetaSourceMemoryHashes: assoc.SourceHash + "," + assoc.TargetHash,
				"similarity":                 assoc.Similarity,
				"discovery_method":           assoc.DiscoveryMethod,
			})
		if err != nil {
			return novel, err
		}
		res, err := e.deps.Store.Store(ctx, m)
		if err != nil {
			return novel, err
		}
		if res.Stored {
			novel = true
		}
	}
	return novel, nil
}

// excerpt truncates content for association memory bodies.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
