package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// listSnapshots reads the snapshot directory, newest first. The taken
// time is parsed out of the filename; files that are not snapshots of
// ours are ignored.
func listSnapshots(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: read snapshot dir: %w", err)
	}

	var snaps []Snapshot
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		taken := info.ModTime()
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
		if t, err := time.Parse(snapshotTimeLayout, stamp); err == nil {
			taken = t
		}

		snaps = append(snaps, Snapshot{
			Path:      filepath.Join(dir, name),
			TakenAt:   taken,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].TakenAt.After(snaps[j].TakenAt)
	})
	return snaps, nil
}

// prune applies the tiered retention policy. Within each age tier the
// newest snapshots survive; anything older than a year goes
// unconditionally.
func prune(dir string, policy Policy, now time.Time) error {
	snaps, err := listSnapshots(dir)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return nil
	}

	tiers := map[string][]Snapshot{}
	var doomed []string

	for _, snap := range snaps {
		age := now.Sub(snap.TakenAt)
		switch {
		case age < 24*time.Hour:
			tiers["hourly"] = append(tiers["hourly"], snap)
		case age < 7*24*time.Hour:
			tiers["daily"] = append(tiers["daily"], snap)
		case age < 30*24*time.Hour:
			tiers["weekly"] = append(tiers["weekly"], snap)
		case age < 365*24*time.Hour:
			tiers["monthly"] = append(tiers["monthly"], snap)
		default:
			doomed = append(doomed, snap.Path)
		}
	}

	keep := map[string]int{
		"hourly":  policy.Hourly,
		"daily":   policy.Daily,
		"weekly":  policy.Weekly,
		"monthly": policy.Monthly,
	}
	for tier, limit := range keep {
		if got := tiers[tier]; len(got) > limit {
			for _, snap := range got[limit:] {
				doomed = append(doomed, snap.Path)
			}
		}
	}

	var lastErr error
	for _, path := range doomed {
		if err := os.Remove(path); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("backup: prune snapshots: %w", lastErr)
	}
	return nil
}
