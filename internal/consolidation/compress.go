package consolidation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// compressPhase synthesizes one summary memory per cluster, linking
// back to the source hashes. Originals are retained; the forgetting
// phase may later archive them on its own criteria.
func (e *Engine) compressPhase(ctx context.Context, state *runState, result *PhaseResult) error {
	created := 0
	for _, cluster := range state.clusters {
		if len(cluster) < e.opts.MinClusterSize {
			continue
		}
		result.Processed += len(cluster)

		summary, err := e.buildSummary(cluster)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		res, err := e.deps.Store.Store(ctx, summary)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if !res.Stored && res.Message != storage.DuplicateMessage {
			result.Errors = append(result.Errors, fmt.Sprintf("summary rejected: %s", res.Message))
			continue
		}
		if res.Stored {
			created++
			for _, m := range cluster {
				if state.decisions[m.ContentHash] == "" {
					state.decisions[m.ContentHash] = "compressed"
				}
			}
		}
	}
	result.Details = map[string]int{"summaries_created": created}
	return nil
}

// buildSummary produces an extractive summary memory for a cluster:
// the lead sentence of each of the highest-relevance members, bounded
// by the configured summary length.
func (e *Engine) buildSummary(cluster []*types.Memory) (*types.Memory, error) {
	ranked := append([]*types.Memory(nil), cluster...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CreatedAt > ranked[j].CreatedAt
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Consolidated summary of %d related memories:\n", len(cluster)))
	for _, m := range ranked {
		line := "- " + leadSentence(m.Content) + "\n"
		if sb.Len()+len(line) > e.opts.MaxSummaryLength {
			break
		}
		sb.WriteString(line)
	}
	content := strings.TrimSpace(sb.String())
	if len(content) > e.opts.MaxSummaryLength {
		content = content[:e.opts.MaxSummaryLength]
	}

	hashes := make([]string, len(cluster))
	for i, m := range cluster {
		hashes[i] = m.ContentHash
	}

	return types.NewMemory(content, clusterTags(cluster), types.TypeSummary, types.Metadata{
		types.MetaSourceMemoryHashes: strings.Join(hashes, ","),
		"cluster_size":               len(cluster),
	})
}

// leadSentence extracts the first sentence, bounded at 160 characters.
func leadSentence(content string) string {
	content = strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.Index(content, sep); idx > 0 {
			content = content[:idx+1]
			break
		}
	}
	if len(content) > 160 {
		content = content[:160] + "..."
	}
	return content
}

// clusterTags collects the most frequent tags across the cluster, plus
// a marker tag for discoverability.
func clusterTags(cluster []*types.Memory) []string {
	counts := map[string]int{}
	for _, m := range cluster {
		for _, tag := range m.Tags {
			counts[tag]++
		}
	}
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > 4 {
		tags = tags[:4]
	}
	return append(tags, "consolidated")
}
