package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// IntegrityStatus is a snapshot of the monitor's health view.
type IntegrityStatus struct {
	Healthy    bool      `json:"healthy"`
	LastCheck  time.Time `json:"last_check"`
	LastError  string    `json:"last_error,omitempty"`
	Repairs    int       `json:"repairs"`
	ExportPath string    `json:"export_path,omitempty"`
}

// IntegrityMonitor runs PRAGMA integrity_check on a timer and at
// startup. Checks use a separate short-lived read-only connection so
// they never contend with the serving connection. On failure it tries a
// WAL checkpoint (TRUNCATE) and re-checks; if the database is still
// corrupt it exports all surviving live rows to a timestamped JSON file
// next to the database and marks itself unhealthy while reads continue.
type IntegrityMonitor struct {
	store    *Store
	interval time.Duration

	mu     sync.Mutex
	status IntegrityStatus
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewIntegrityMonitor creates a monitor for the store. A non-positive
// interval defaults to 30 minutes.
func NewIntegrityMonitor(store *Store, interval time.Duration) *IntegrityMonitor {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &IntegrityMonitor{
		store:    store,
		interval: interval,
		status:   IntegrityStatus{Healthy: true},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs an immediate check and then the periodic loop in a
// goroutine. Stop cancels the loop.
func (m *IntegrityMonitor) Start(ctx context.Context) {
	if _, err := m.Check(ctx); err != nil {
		log.Printf("integrity: startup check: %v", err)
	}

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if _, err := m.Check(ctx); err != nil {
					log.Printf("integrity: periodic check: %v", err)
				}
			}
		}
	}()
}

// Stop cancels the periodic loop and waits for it to exit.
func (m *IntegrityMonitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Status returns the current health snapshot.
func (m *IntegrityMonitor) Status() IntegrityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check runs one integrity pass: check, repair via WAL checkpoint if
// needed, re-check, and emergency-export if the repair failed. The
// returned bool reports post-check health.
func (m *IntegrityMonitor) Check(ctx context.Context) (bool, error) {
	err := m.integrityCheck(ctx)
	if err == nil {
		m.setHealthy()
		return true, nil
	}

	log.Printf("integrity: check failed, attempting WAL checkpoint repair: %v", err)
	if cpErr := m.store.Checkpoint(ctx); cpErr != nil {
		log.Printf("integrity: checkpoint failed: %v", cpErr)
	}

	if recheckErr := m.integrityCheck(ctx); recheckErr == nil {
		m.mu.Lock()
		m.status.Repairs++
		m.mu.Unlock()
		m.setHealthy()
		log.Printf("integrity: WAL checkpoint repaired the database")
		return true, nil
	}

	exportPath, exportErr := m.emergencyExport(ctx)
	if exportErr != nil {
		log.Printf("integrity: emergency export failed: %v", exportErr)
	} else {
		log.Printf("integrity: emergency export written to %s", exportPath)
	}

	m.mu.Lock()
	m.status.Healthy = false
	m.status.LastCheck = time.Now().UTC()
	m.status.LastError = err.Error()
	m.status.ExportPath = exportPath
	m.mu.Unlock()
	return false, err
}

func (m *IntegrityMonitor) setHealthy() {
	m.mu.Lock()
	m.status.Healthy = true
	m.status.LastCheck = time.Now().UTC()
	m.status.LastError = ""
	m.mu.Unlock()
}

// integrityCheck opens a separate short-lived connection and runs
// PRAGMA integrity_check. In-memory databases are checked over the
// serving connection since they are invisible to a second connection.
func (m *IntegrityMonitor) integrityCheck(ctx context.Context) error {
	var db *sql.DB
	if m.store.path == ":memory:" {
		db = m.store.db
	} else {
		sidecar, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", m.store.path))
		if err != nil {
			return fmt.Errorf("integrity: open check connection: %w", err)
		}
		defer func() { _ = sidecar.Close() }()
		db = sidecar
	}

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity: run integrity_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity: integrity_check reported: %s", result)
	}
	return nil
}

// emergencyExport writes all surviving live rows to a timestamped JSON
// file next to the database.
func (m *IntegrityMonitor) emergencyExport(ctx context.Context) (string, error) {
	memories, err := m.store.GetAllMemories(ctx, 1_000_000, 0, "", nil)
	if err != nil {
		return "", fmt.Errorf("integrity: read surviving rows: %w", err)
	}

	dir := filepath.Dir(m.store.path)
	if m.store.path == ":memory:" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("emergency_export_%d.json", time.Now().Unix()))

	data, err := json.MarshalIndent(map[string]interface{}{
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"count":       len(memories),
		"memories":    memories,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("integrity: marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("integrity: write export: %w", err)
	}
	return path, nil
}
