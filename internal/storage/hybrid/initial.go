package hybrid

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// Initial sync states.
const (
	InitialSyncPending   = "pending"
	InitialSyncRunning   = "running"
	InitialSyncSkipped   = "skipped"
	InitialSyncCompleted = "completed"
	InitialSyncFailed    = "failed"
)

// InitialSyncStatus reports catch-up sync progress. Total is the
// secondary's memory count at the start of the pass; the percentage
// tracks Checked against it.
type InitialSyncStatus struct {
	State              string    `json:"state"`
	Total              int       `json:"total"`
	Checked            int       `json:"checked"`
	Synced             int       `json:"synced"`
	ProgressPercentage float64   `json:"progress_percentage"`
	StartedAt          time.Time `json:"started_at,omitzero"`
	FinishedAt         time.Time `json:"finished_at,omitzero"`
	Message            string    `json:"message,omitempty"`
}

// cursorEnumerator is implemented by secondaries that support keyset
// pagination. Offset pagination on remote stores degrades badly at
// depth, so cursor mode is preferred whenever available.
type cursorEnumerator interface {
	GetAllMemoriesCursor(ctx context.Context, limit int, cursor float64) ([]*types.Memory, float64, error)
}

// initialSync pulls memories that exist only on the secondary back into
// a fresh (or restored) primary. It runs once, after a short delay so
// the hosting service can start serving first.
type initialSync struct {
	primary    storage.Backend
	secondary  storage.Backend
	tombstones storage.TombstoneBackend
	opts       Options

	mu   sync.Mutex
	stat InitialSyncStatus
}

func newInitialSync(primary, secondary storage.Backend, tombstones storage.TombstoneBackend, opts Options) *initialSync {
	return &initialSync{
		primary:    primary,
		secondary:  secondary,
		tombstones: tombstones,
		opts:       opts,
		stat:       InitialSyncStatus{State: InitialSyncPending},
	}
}

func (is *initialSync) status() InitialSyncStatus {
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.stat
}

func (is *initialSync) setState(state, message string) {
	is.mu.Lock()
	is.stat.State = state
	is.stat.Message = message
	if state == InitialSyncRunning {
		is.stat.StartedAt = time.Now()
	} else {
		is.stat.FinishedAt = time.Now()
	}
	is.mu.Unlock()
}

func (is *initialSync) start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(is.opts.InitialSyncDelay):
		}
		if err := is.run(ctx); err != nil {
			is.setState(InitialSyncFailed, err.Error())
			log.Printf("hybrid: initial sync failed: %v", err)
		}
	}()
}

func (is *initialSync) run(ctx context.Context) error {
	primaryCount, err := is.primary.CountAllMemories(ctx, "", nil)
	if err != nil {
		return err
	}
	secondaryCount, err := is.secondary.CountAllMemories(ctx, "", nil)
	if err != nil {
		return err
	}
	is.mu.Lock()
	is.stat.Total = secondaryCount
	is.mu.Unlock()

	if secondaryCount <= primaryCount {
		is.setState(InitialSyncSkipped, "secondary has no memories the primary lacks")
		log.Printf("hybrid: initial sync skipped (primary %d, secondary %d)", primaryCount, secondaryCount)
		return nil
	}

	is.setState(InitialSyncRunning, "")
	log.Printf("hybrid: initial sync running (primary %d, secondary %d)", primaryCount, secondaryCount)

	enumerator, hasCursor := is.secondary.(cursorEnumerator)
	if !hasCursor {
		log.Printf("hybrid: secondary lacks cursor pagination, falling back to offsets (degraded)")
	}

	var (
		cursor       float64
		offset       int
		checked      int
		synced       int
		emptyBatches int
	)
	for {
		var page []*types.Memory
		var err error
		if hasCursor {
			page, cursor, err = enumerator.GetAllMemoriesCursor(ctx, is.opts.InitialSyncPageSize, cursor)
		} else {
			page, err = is.secondary.GetAllMemories(ctx, is.opts.InitialSyncPageSize, offset, "", nil)
			offset += is.opts.InitialSyncPageSize
		}
		if err != nil {
			// A failed page is tolerated; the periodic sync and the next
			// startup get another chance.
			log.Printf("hybrid: initial sync page failed: %v", err)
			break
		}
		if len(page) == 0 {
			break
		}

		batchSynced := 0
		for _, m := range page {
			checked++
			n, err := is.pullOne(ctx, m)
			if err != nil {
				log.Printf("hybrid: initial sync of %s failed: %v", m.ContentHash, err)
				continue
			}
			batchSynced += n
		}
		synced += batchSynced

		is.mu.Lock()
		is.stat.Checked = checked
		is.stat.Synced = synced
		is.stat.ProgressPercentage = progressPct(checked, secondaryCount)
		is.mu.Unlock()

		if batchSynced == 0 {
			emptyBatches++
		} else {
			emptyBatches = 0
		}
		if synced > 0 && emptyBatches >= is.opts.MaxEmptyBatches {
			log.Printf("hybrid: initial sync stopping after %d consecutive empty batches", emptyBatches)
			break
		}
		if synced == 0 && checked >= is.opts.MinCheckCount {
			log.Printf("hybrid: initial sync stopping after %d candidates with nothing to pull", checked)
			break
		}
	}

	is.mu.Lock()
	is.stat.ProgressPercentage = 100
	is.mu.Unlock()
	is.setState(InitialSyncCompleted, "")
	log.Printf("hybrid: initial sync completed, checked %d, pulled %d", checked, synced)
	return nil
}

// progressPct is checked over total as a percentage, capped at 100.
func progressPct(checked, total int) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(checked) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// pullOne stores a remote memory locally unless it already exists or a
// local tombstone forbids its return. Returns 1 when a row was pulled.
func (is *initialSync) pullOne(ctx context.Context, m *types.Memory) (int, error) {
	existing, err := is.primary.GetByHash(ctx, m.ContentHash)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, nil
	}
	if is.tombstones != nil {
		deleted, err := is.tombstones.IsDeleted(ctx, m.ContentHash)
		if err == nil && deleted {
			return 0, nil
		}
	}

	// Copy so the primary's re-embedding never mutates the page slice.
	local := *m
	local.Embedding = nil
	res, err := is.primary.Store(ctx, &local)
	if err != nil {
		return 0, err
	}
	if !res.Stored {
		return 0, nil
	}
	return 1, nil
}
