// Package backup takes periodic point-in-time snapshots of the SQLite
// database, verifies them, and prunes old ones under a tiered retention
// policy.
package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// snapshotPrefix and snapshotTimeLayout define the on-disk naming of
// snapshot files: memory_backup_20060102_150405.db. Two backups within
// the same second resolve to the same name; the later one replaces it.
const (
	snapshotPrefix     = "memory_backup_"
	snapshotSuffix     = ".db"
	snapshotTimeLayout = "20060102_150405"
)

// Config configures the snapshot service.
type Config struct {
	DBPath string // database file to snapshot
	Dir    string // directory snapshots are written to

	// Interval between automatic snapshots. Zero or negative means
	// hourly.
	Interval time.Duration

	// Verify runs an integrity_check over every new snapshot.
	Verify bool

	Policy Policy
}

// Policy is the tiered retention policy. Snapshots age through tiers
// (under a day, under a week, under a month, under a year) and each
// tier keeps at most its configured count. Snapshots older than a year
// are always pruned.
type Policy struct {
	Hourly  int // kept while younger than 24h
	Daily   int // kept while 1-7 days old
	Weekly  int // kept while 7-30 days old
	Monthly int // kept while 30-365 days old
}

func (p Policy) withDefaults() Policy {
	if p.Hourly <= 0 {
		p.Hourly = 24
	}
	if p.Daily <= 0 {
		p.Daily = 7
	}
	if p.Weekly <= 0 {
		p.Weekly = 4
	}
	if p.Monthly <= 0 {
		p.Monthly = 12
	}
	return p
}

// Snapshot describes one backup file on disk.
type Snapshot struct {
	Path      string    `json:"path"`
	TakenAt   time.Time `json:"taken_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Result reports one completed snapshot.
type Result struct {
	Path      string        `json:"path"`
	SizeBytes int64         `json:"size_bytes"`
	Duration  time.Duration `json:"duration"`
	Verified  bool          `json:"verified"`
}

// Health is the service health snapshot surfaced to operators.
type Health struct {
	Status        string    `json:"status"` // healthy | warning
	Message       string    `json:"message,omitempty"`
	LastBackup    time.Time `json:"last_backup,omitzero"`
	NextBackup    time.Time `json:"next_backup,omitzero"`
	SnapshotCount int       `json:"snapshot_count"`
	DiskBytes     int64     `json:"disk_bytes"`
	Dir           string    `json:"dir"`
}

// Service runs the periodic snapshot loop.
type Service struct {
	dbPath   string
	dir      string
	interval time.Duration
	verify   bool
	policy   Policy

	mu      sync.Mutex
	running bool
	last    time.Time
	next    time.Time
	stopCh  chan struct{}
}

// NewService validates the config and prepares the snapshot directory.
func NewService(cfg Config) (*Service, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("backup: database path is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup: snapshot directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create snapshot directory: %w", err)
	}
	return &Service{
		dbPath:   cfg.DBPath,
		dir:      cfg.Dir,
		interval: cfg.Interval,
		verify:   cfg.Verify,
		policy:   cfg.Policy.withDefaults(),
		stopCh:   make(chan struct{}),
	}, nil
}

// Run blocks, taking a snapshot every interval until the context is
// cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup: service already running")
	}
	s.running = true
	s.next = time.Now().Add(s.interval)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	log.Printf("backup: service started, interval=%v dir=%s", s.interval, s.dir)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if res, err := s.BackupNow(ctx); err != nil {
				log.Printf("backup: scheduled snapshot failed: %v", err)
			} else {
				log.Printf("backup: snapshot %s (%d bytes, %v, verified=%v)",
					res.Path, res.SizeBytes, res.Duration.Round(time.Millisecond), res.Verified)
			}
			s.mu.Lock()
			s.next = time.Now().Add(s.interval)
			s.mu.Unlock()
		}
	}
}

// Stop cancels the loop. Safe to call once.
func (s *Service) Stop() {
	close(s.stopCh)
}

// BackupNow takes an immediate snapshot, verifies it when configured,
// and prunes old snapshots. Pruning failures are logged, not returned:
// the snapshot itself already succeeded.
func (s *Service) BackupNow(ctx context.Context) (*Result, error) {
	start := time.Now()

	if _, err := os.Stat(s.dbPath); err != nil {
		return nil, fmt.Errorf("backup: database missing: %w", err)
	}

	name := snapshotPrefix + start.UTC().Format(snapshotTimeLayout) + snapshotSuffix
	path := filepath.Join(s.dir, name)

	// VACUUM INTO refuses an existing target; a same-second rerun
	// replaces its snapshot.
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("backup: replace snapshot: %w", err)
		}
	}

	if err := vacuumInto(ctx, s.dbPath, path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: stat snapshot: %w", err)
	}

	res := &Result{Path: path, SizeBytes: info.Size(), Duration: time.Since(start)}
	if s.verify {
		if err := verifySnapshot(ctx, path); err != nil {
			return res, err
		}
		res.Verified = true
	}

	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()

	if err := prune(s.dir, s.policy, time.Now()); err != nil {
		log.Printf("backup: retention prune: %v", err)
	}
	return res, nil
}

// List returns the snapshots on disk, newest first.
func (s *Service) List() ([]Snapshot, error) {
	return listSnapshots(s.dir)
}

// RestoreNow replaces the live database with a snapshot. The serving
// process must be stopped first. The current database is snapshotted to
// <db>.pre-restore and rolled back to on failure.
func (s *Service) RestoreNow(ctx context.Context, snapshotPath string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return fmt.Errorf("backup: cannot restore while the snapshot loop is running")
	}

	if _, err := os.Stat(snapshotPath); err != nil {
		return fmt.Errorf("backup: snapshot missing: %w", err)
	}

	guard := s.dbPath + ".pre-restore"
	haveGuard := false
	if _, err := os.Stat(s.dbPath); err == nil {
		if err := vacuumInto(ctx, s.dbPath, guard); err != nil {
			return fmt.Errorf("backup: pre-restore snapshot: %w", err)
		}
		haveGuard = true
	}

	if err := restoreSnapshot(ctx, snapshotPath, s.dbPath); err != nil {
		if haveGuard {
			if rbErr := restoreSnapshot(ctx, guard, s.dbPath); rbErr != nil {
				return fmt.Errorf("backup: restore and rollback both failed: %v (restore: %w)", rbErr, err)
			}
			return fmt.Errorf("backup: restore failed, previous database rolled back: %w", err)
		}
		return err
	}

	if haveGuard {
		_ = os.Remove(guard)
	}
	log.Printf("backup: database restored from %s", snapshotPath)
	return nil
}

// HealthCheck reports snapshot counts, disk usage, and whether the
// schedule has slipped.
func (s *Service) HealthCheck() (*Health, error) {
	s.mu.Lock()
	last, next := s.last, s.next
	s.mu.Unlock()

	snaps, err := listSnapshots(s.dir)
	if err != nil {
		return nil, err
	}
	var disk int64
	for _, sn := range snaps {
		disk += sn.SizeBytes
	}

	h := &Health{
		Status:        "healthy",
		LastBackup:    last,
		NextBackup:    next,
		SnapshotCount: len(snaps),
		DiskBytes:     disk,
		Dir:           s.dir,
	}
	switch {
	case last.IsZero():
		h.Message = "no snapshots taken yet"
	case time.Since(last) > 2*s.interval:
		h.Status = "warning"
		h.Message = fmt.Sprintf("snapshot overdue by %v", (time.Since(last) - s.interval).Round(time.Second))
	default:
		h.Message = fmt.Sprintf("last snapshot %v ago", time.Since(last).Round(time.Minute))
	}
	return h, nil
}
