package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/evermem/evermem/pkg/types"
)

// Forgetting decisions. kept is implicit for anything not listed in
// runState.decisions.
const (
	decisionKept     = "kept"
	decisionArchived = "archived"
	decisionDeleted  = "deleted"
)

// forgetPhase archives or deletes candidates whose relevance and access
// recency both fell below threshold. Protected memories and anything
// the compression phase touched this run are exempt.
func (e *Engine) forgetPhase(ctx context.Context, state *runState, result *PhaseResult) error {
	if !e.opts.ForgettingEnabled {
		return nil
	}

	now := time.Now()
	staleCutoff := now.Add(-time.Duration(e.opts.AccessThresholdDays) * 24 * time.Hour)
	archived, deleted := 0, 0

	var toArchive []*types.Memory
	for _, m := range state.candidates {
		if state.decisions[m.ContentHash] != "" {
			continue
		}
		result.Processed++

		if m.HasTag(protectedTag) {
			state.decisions[m.ContentHash] = decisionKept
			continue
		}
		if score, ok := state.relevance[m.ContentHash]; !ok || score >= e.opts.RelevanceThreshold {
			state.decisions[m.ContentHash] = decisionKept
			continue
		}
		if recentlyAccessed(m, state.accessTimes[m.ContentHash], staleCutoff) {
			state.decisions[m.ContentHash] = decisionKept
			continue
		}

		// Expired temporaries are deleted outright; everything else is
		// archived first so the data survives the forgetting decision.
		if types.MemoryTypeBase(m.MemoryType) == types.TypeTemporary {
			if err := e.deleteForgotten(ctx, m); err != nil {
				result.Errors = append(result.Errors, err.Error())
				state.decisions[m.ContentHash] = decisionKept
				continue
			}
			state.decisions[m.ContentHash] = decisionDeleted
			deleted++
			continue
		}
		toArchive = append(toArchive, m)
	}

	if len(toArchive) > 0 {
		path, err := e.writeArchive(state.horizon, toArchive)
		if err != nil {
			// Without a durable archive nothing gets deleted.
			result.Errors = append(result.Errors, err.Error())
			for _, m := range toArchive {
				state.decisions[m.ContentHash] = decisionKept
			}
		} else {
			for _, m := range toArchive {
				if err := e.deleteForgotten(ctx, m); err != nil {
					result.Errors = append(result.Errors, err.Error())
					state.decisions[m.ContentHash] = decisionKept
					continue
				}
				state.decisions[m.ContentHash] = decisionArchived
				archived++
			}
			if archived > 0 {
				log.Printf("consolidation: archived %d memories to %s", archived, path)
			}
		}
	}

	result.Details = map[string]int{"archived": archived, "deleted": deleted}
	return nil
}

// recentlyAccessed checks both the access tracker and the metadata
// fallback for a retrieval newer than the staleness cutoff.
func recentlyAccessed(m *types.Memory, tracked time.Time, cutoff time.Time) bool {
	if !tracked.IsZero() && tracked.After(cutoff) {
		return true
	}
	if ts := m.LastAccessedAt(); ts > 0 {
		return types.TimestampToTime(ts).After(cutoff)
	}
	return false
}

func (e *Engine) deleteForgotten(ctx context.Context, m *types.Memory) error {
	res, err := e.deps.Store.Delete(ctx, m.ContentHash)
	if err != nil {
		return fmt.Errorf("consolidation: forget %s: %w", m.ContentHash, err)
	}
	if !res.Deleted {
		return fmt.Errorf("consolidation: forget %s: %s", m.ContentHash, res.Message)
	}
	return nil
}

// archiveEntry is the on-disk JSON form of an archived memory.
type archiveEntry struct {
	Memory     *types.Memory `json:"memory"`
	ArchivedAt string        `json:"archived_at"`
	Horizon    Horizon       `json:"horizon"`
	Reason     string        `json:"reason"`
}

// writeArchive persists the memories about to be forgotten as a JSON
// document under the archive path, named by run timestamp.
func (e *Engine) writeArchive(horizon Horizon, memories []*types.Memory) (string, error) {
	if e.opts.ArchivePath == "" {
		return "", fmt.Errorf("consolidation: forgetting enabled without an archive path")
	}
	if err := os.MkdirAll(e.opts.ArchivePath, 0o755); err != nil {
		return "", fmt.Errorf("consolidation: create archive dir: %w", err)
	}

	now := time.Now().UTC()
	entries := make([]archiveEntry, len(memories))
	for i, m := range memories {
		entries[i] = archiveEntry{
			Memory:     m,
			ArchivedAt: now.Format(time.RFC3339),
			Horizon:    horizon,
			Reason:     "relevance below threshold with no recent access",
		}
	}
	buf, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("consolidation: encode archive: %w", err)
	}

	name := fmt.Sprintf("forgotten-%s-%s.json", horizon, now.Format("20060102-150405"))
	path := filepath.Join(e.opts.ArchivePath, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("consolidation: write archive: %w", err)
	}
	return path, nil
}
