package consolidation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// historyCap bounds the rolling phase history.
const historyCap = 100

// PhaseRecord is one phase execution in the rolling history.
type PhaseRecord struct {
	Horizon    Horizon       `json:"horizon"`
	Phase      Phase         `json:"phase"`
	RecordedAt time.Time     `json:"recorded_at"`
	Duration   time.Duration `json:"duration"`
	Processed  int           `json:"processed"`
	Succeeded  bool          `json:"succeeded"`
	Errors     []string      `json:"errors,omitempty"`
}

// Alert is an operator-visible condition raised by failed runs or
// phases. Alerts stay active until resolved by id.
type Alert struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthStatus is the externally served health view.
type HealthStatus struct {
	LastRunAt      time.Time     `json:"last_run_at,omitzero"`
	LastRunHorizon Horizon       `json:"last_run_horizon,omitempty"`
	LastRunOK      bool          `json:"last_run_ok"`
	TotalRuns      int           `json:"total_runs"`
	FailedRuns     int           `json:"failed_runs"`
	History        []PhaseRecord `json:"history"`
	Alerts         []Alert       `json:"alerts"`
}

// HealthMonitor keeps the rolling phase history and active alerts.
type HealthMonitor struct {
	mu         sync.Mutex
	history    []PhaseRecord
	alerts     map[string]Alert
	lastRunAt  time.Time
	lastRunOK  bool
	lastRunHzn Horizon
	totalRuns  int
	failedRuns int
}

// NewHealthMonitor builds an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{alerts: map[string]Alert{}}
}

// RecordPhase appends one phase execution, raising an alert on failure.
func (h *HealthMonitor) RecordPhase(horizon Horizon, result PhaseResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, PhaseRecord{
		Horizon:    horizon,
		Phase:      result.Phase,
		RecordedAt: time.Now(),
		Duration:   result.Duration,
		Processed:  result.Processed,
		Succeeded:  result.Succeeded,
		Errors:     result.Errors,
	})
	if len(h.history) > historyCap {
		h.history = h.history[len(h.history)-historyCap:]
	}

	if !result.Succeeded {
		h.raiseLocked("warning", string(horizon)+" "+string(result.Phase)+" phase failed")
	}
}

// RecordRun records run-level success or failure.
func (h *HealthMonitor) RecordRun(horizon Horizon, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRuns++
	h.lastRunAt = time.Now()
	h.lastRunHzn = horizon
	h.lastRunOK = err == nil
	if err != nil {
		h.failedRuns++
		h.raiseLocked("error", string(horizon)+" consolidation run failed: "+err.Error())
	}
}

func (h *HealthMonitor) raiseLocked(severity, message string) {
	id := uuid.NewString()
	h.alerts[id] = Alert{
		ID:        id,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// Resolve clears one alert by id, reporting whether it existed.
func (h *HealthMonitor) Resolve(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.alerts[id]; !ok {
		return false
	}
	delete(h.alerts, id)
	return true
}

// Status snapshots the monitor.
func (h *HealthMonitor) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := HealthStatus{
		LastRunAt:      h.lastRunAt,
		LastRunHorizon: h.lastRunHzn,
		LastRunOK:      h.lastRunOK,
		TotalRuns:      h.totalRuns,
		FailedRuns:     h.failedRuns,
		History:        append([]PhaseRecord(nil), h.history...),
	}
	for _, a := range h.alerts {
		status.Alerts = append(status.Alerts, a)
	}
	return status
}
