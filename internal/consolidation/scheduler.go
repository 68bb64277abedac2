package consolidation

import (
	"context"
	"log"
	"sync"
	"time"
)

// horizonPeriod maps each cadence onto its wall-clock period.
var horizonPeriod = map[Horizon]time.Duration{
	Daily:     24 * time.Hour,
	Weekly:    7 * 24 * time.Hour,
	Monthly:   30 * 24 * time.Hour,
	Quarterly: 90 * 24 * time.Hour,
	Yearly:    365 * 24 * time.Hour,
}

// Scheduler fires consolidation runs on their horizons. It checks due
// horizons once a minute rather than holding one timer per horizon, so
// a long run simply delays the next check instead of stacking runs.
type Scheduler struct {
	engine   *Engine
	interval time.Duration

	mu      sync.Mutex
	lastRun map[Horizon]time.Time
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler builds a scheduler for the engine.
func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: time.Minute,
		lastRun:  map[Horizon]time.Time{},
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduling loop. Horizons are considered freshly
// run at start so a restart never triggers an immediate full cascade.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	now := time.Now()
	for _, h := range Horizons() {
		s.lastRun[h] = now
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	log.Printf("consolidation: scheduler started")
}

// Stop halts the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	log.Printf("consolidation: scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, horizon := range s.due(time.Now()) {
				runCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
				if _, err := s.engine.Run(runCtx, horizon); err != nil {
					log.Printf("consolidation: scheduled %s run failed: %v", horizon, err)
				}
				cancel()
			}
		}
	}
}

// due returns the horizons whose period has elapsed, longest first so a
// yearly run is not preempted by the dailies queued behind it.
func (s *Scheduler) due(now time.Time) []Horizon {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Horizon
	horizons := Horizons()
	for i := len(horizons) - 1; i >= 0; i-- {
		h := horizons[i]
		if now.Sub(s.lastRun[h]) >= horizonPeriod[h] {
			s.lastRun[h] = now
			out = append(out, h)
		}
	}
	return out
}
