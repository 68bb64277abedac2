package hybrid

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/internal/storage/cloud"
	"github.com/evermem/evermem/pkg/types"
)

type opKind string

const (
	opStore  opKind = "store"
	opDelete opKind = "delete"
	opUpdate opKind = "update"
)

// operation is one unit of primary→secondary replication.
type operation struct {
	kind    opKind
	hash    string
	memory  *types.Memory          // store only
	updates map[string]interface{} // update only

	retries    int
	enqueuedAt time.Time
}

// failedRingCap bounds the ring of exhausted-retry operations that get
// one more chance on each periodic pass.
const failedRingCap = 100

// maxLoopBackoff caps the exponential backoff applied after consecutive
// drain-loop failures.
const maxLoopBackoff = 30 * time.Minute

// capacityReporter is implemented by secondaries with a vector quota.
type capacityReporter interface {
	VectorCount(ctx context.Context) (int, error)
	VectorLimit() int
}

// SyncStatus is a point-in-time snapshot of the sync service.
type SyncStatus struct {
	Running             bool      `json:"running"`
	Paused              bool      `json:"paused"`
	QueueLength         int       `json:"queue_length"`
	OperationsSynced    int64     `json:"operations_synced"`
	OperationsFailed    int64     `json:"operations_failed"`
	OperationsRetried   int64     `json:"operations_retried"`
	InlineProcessed     int64     `json:"inline_processed"`
	FailedRingLength    int       `json:"failed_ring_length"`
	LastSyncAt          time.Time `json:"last_sync_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SecondaryHealthy    bool      `json:"secondary_healthy"`
	ApproachingLimits   bool      `json:"approaching_limits"`
	VectorCount         int       `json:"vector_count,omitempty"`
	VectorLimit         int       `json:"vector_limit,omitempty"`
}

func (s SyncStatus) asMap() map[string]interface{} {
	m := map[string]interface{}{
		"running":              s.Running,
		"paused":               s.Paused,
		"queue_length":         s.QueueLength,
		"operations_synced":    s.OperationsSynced,
		"operations_failed":    s.OperationsFailed,
		"operations_retried":   s.OperationsRetried,
		"inline_processed":     s.InlineProcessed,
		"failed_ring_length":   s.FailedRingLength,
		"consecutive_failures": s.ConsecutiveFailures,
		"secondary_healthy":    s.SecondaryHealthy,
		"approaching_limits":   s.ApproachingLimits,
	}
	if !s.LastSyncAt.IsZero() {
		m["last_sync_at"] = s.LastSyncAt.UTC().Format(time.RFC3339)
	}
	if s.LastError != "" {
		m["last_error"] = s.LastError
	}
	if s.VectorLimit > 0 {
		m["vector_count"] = s.VectorCount
		m["vector_limit"] = s.VectorLimit
	}
	return m
}

// Service drains a bounded FIFO queue of replication operations into
// the secondary.
type Service struct {
	secondary  storage.Backend
	tombstones storage.TombstoneBackend
	capacity   capacityReporter
	opts       Options

	queue  chan *operation
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu                  sync.Mutex
	running             bool
	paused              bool
	synced              int64
	failed              int64
	retried             int64
	inline              int64
	lastSync            time.Time
	lastError           string
	consecutiveFailures int
	secondaryHealthy    bool
	approachingLimits   bool
	vectorCount         int
	failedRing          []*operation
}

func newService(secondary storage.Backend, tombstones storage.TombstoneBackend, opts Options) *Service {
	s := &Service{
		secondary:        secondary,
		tombstones:       tombstones,
		opts:             opts,
		queue:            make(chan *operation, opts.QueueSize),
		stopCh:           make(chan struct{}),
		secondaryHealthy: true,
	}
	if cr, ok := secondary.(capacityReporter); ok && cr.VectorLimit() > 0 {
		s.capacity = cr
	}
	return s
}

// Start launches the drain loop and the periodic pass.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.periodicLoop(ctx)
}

// Stop shuts both loops down, then drains whatever is still queued in
// one best-effort pass. Operations that fail during the final pass are
// counted and left to the next start's periodic sync.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.finalDrain()
}

// finalDrain empties the queue under a short deadline. Transient
// failures are not retried here; requeue drops them once running is
// false.
func (s *Service) finalDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for ctx.Err() == nil {
		processed, _ := s.drainBatch(ctx)
		if processed == 0 {
			return
		}
	}
}

// Pause holds draining; enqueue keeps accepting.
func (s *Service) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	log.Printf("hybrid: sync paused")
}

// Resume re-enables draining.
func (s *Service) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	log.Printf("hybrid: sync resumed")
}

// Enqueue adds an operation to the queue. When the queue is full the
// operation is processed inline so the caller's write never blocks on a
// slow secondary drain.
func (s *Service) Enqueue(op *operation) {
	op.enqueuedAt = time.Now()
	select {
	case s.queue <- op:
	default:
		s.mu.Lock()
		s.inline++
		s.mu.Unlock()
		log.Printf("hybrid: sync queue full, processing %s %s inline", op.kind, op.hash)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.process(ctx, op)
		cancel()
	}
}

func (s *Service) drainLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.DrainInterval)
	defer ticker.Stop()

	var backoffUntil time.Time
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			paused := s.paused
			s.mu.Unlock()
			if paused || time.Now().Before(backoffUntil) {
				continue
			}

			processed, failed := s.drainBatch(ctx)
			s.mu.Lock()
			if processed > 0 && failed == processed {
				s.consecutiveFailures++
			} else if processed > 0 {
				s.consecutiveFailures = 0
			}
			failures := s.consecutiveFailures
			s.mu.Unlock()

			if failures > 3 {
				delay := time.Duration(math.Min(
					float64(s.opts.DrainInterval)*math.Pow(2, float64(failures-3)),
					float64(maxLoopBackoff)))
				backoffUntil = time.Now().Add(delay)
				log.Printf("hybrid: %d consecutive sync failures, backing off %s", failures, delay)
			}
		}
	}
}

// drainBatch processes up to BatchSize queued operations and returns
// how many were processed and how many of those failed.
func (s *Service) drainBatch(ctx context.Context) (processed, failed int) {
	for i := 0; i < s.opts.BatchSize; i++ {
		select {
		case op := <-s.queue:
			processed++
			if !s.process(ctx, op) {
				failed++
			}
		default:
			return processed, failed
		}
	}
	return processed, failed
}

// process applies one operation to the secondary and returns whether it
// succeeded (retried operations count as failures for loop health).
func (s *Service) process(ctx context.Context, op *operation) bool {
	if op.kind == opStore {
		s.mu.Lock()
		rejecting := s.approachingLimits
		s.mu.Unlock()
		if rejecting {
			s.recordFailure(op, "secondary vector capacity critical, store rejected")
			return false
		}

		// Anti-resurrection: a local tombstone outranks any queued store.
		if s.tombstones != nil {
			deleted, err := s.tombstones.IsDeleted(ctx, op.hash)
			if err == nil && deleted {
				log.Printf("hybrid: dropping sync store for tombstoned %s", op.hash)
				return true
			}
		}
	}

	err := s.apply(ctx, op)
	if err == nil {
		s.mu.Lock()
		s.synced++
		s.lastSync = time.Now()
		s.lastError = ""
		s.mu.Unlock()
		return true
	}

	switch cloud.Classify(err) {
	case cloud.ClassTransient:
		if op.retries < s.opts.MaxRetries {
			op.retries++
			delay := retryDelay(op.retries)
			s.mu.Lock()
			s.retried++
			s.lastError = err.Error()
			s.mu.Unlock()
			time.AfterFunc(delay, func() { s.requeue(op) })
			return false
		}
		s.addToFailedRing(op)
		s.recordFailure(op, err.Error())
	default:
		// Limit and permanent failures are not retryable.
		s.recordFailure(op, err.Error())
	}
	return false
}

func (s *Service) apply(ctx context.Context, op *operation) error {
	switch op.kind {
	case opStore:
		// Duplicate and tombstone outcomes on the secondary count as
		// success; the row is already in its final state.
		_, err := s.secondary.Store(ctx, op.memory)
		return err
	case opDelete:
		_, err := s.secondary.Delete(ctx, op.hash)
		return err
	case opUpdate:
		_, err := s.secondary.UpdateMemoryMetadata(ctx, op.hash, op.updates, false)
		return err
	}
	return nil
}

// retryDelay is min(2^retries, 60) seconds.
func retryDelay(retries int) time.Duration {
	secs := math.Min(math.Pow(2, float64(retries)), 60)
	return time.Duration(secs * float64(time.Second))
}

// requeue puts a retried operation back; if the service stopped in the
// meantime the op is dropped.
func (s *Service) requeue(op *operation) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}
	select {
	case s.queue <- op:
	default:
		s.addToFailedRing(op)
		s.recordFailure(op, "queue full on retry")
	}
}

func (s *Service) recordFailure(op *operation, msg string) {
	s.mu.Lock()
	s.failed++
	s.lastError = msg
	s.mu.Unlock()
	log.Printf("hybrid: sync %s %s failed: %s", op.kind, op.hash, msg)
}

// addToFailedRing keeps the newest failedRingCap exhausted operations
// for the periodic pass to retry once more.
func (s *Service) addToFailedRing(op *operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failedRing) >= failedRingCap {
		s.failedRing = s.failedRing[1:]
	}
	op.retries = 0
	s.failedRing = append(s.failedRing, op)
}

func (s *Service) periodicLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.periodicPass(ctx)
		}
	}
}

// periodicPass health-checks the secondary, re-enqueues the failed
// ring, and refreshes the capacity guard.
func (s *Service) periodicPass(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.secondary.CountAllMemories(checkCtx, "", nil)
	s.mu.Lock()
	s.secondaryHealthy = err == nil
	if err != nil {
		s.lastError = err.Error()
	}
	ring := s.failedRing
	s.failedRing = nil
	s.mu.Unlock()

	if err != nil {
		log.Printf("hybrid: secondary health check failed: %v", err)
		// Unhealthy secondary: keep the ring for the next pass.
		s.mu.Lock()
		s.failedRing = ring
		s.mu.Unlock()
		return
	}

	for _, op := range ring {
		s.requeue(op)
	}
	if len(ring) > 0 {
		log.Printf("hybrid: re-enqueued %d previously failed operations", len(ring))
	}

	s.checkCapacity(checkCtx)
}

// checkCapacity compares the secondary's vector count against its limit
// and flips the approaching-limits flag at the critical threshold.
func (s *Service) checkCapacity(ctx context.Context) {
	if s.capacity == nil {
		return
	}
	count, err := s.capacity.VectorCount(ctx)
	if err != nil {
		log.Printf("hybrid: vector count unavailable: %v", err)
		return
	}
	limit := s.capacity.VectorLimit()
	usage := float64(count) / float64(limit)

	s.mu.Lock()
	s.vectorCount = count
	wasApproaching := s.approachingLimits
	s.approachingLimits = usage >= s.opts.CriticalThreshold
	nowApproaching := s.approachingLimits
	s.mu.Unlock()

	switch {
	case nowApproaching && !wasApproaching:
		log.Printf("hybrid: secondary vector usage %.1f%% past critical threshold, rejecting store sync", usage*100)
	case !nowApproaching && wasApproaching:
		log.Printf("hybrid: secondary vector usage %.1f%% back below critical threshold", usage*100)
	case usage >= s.opts.WarningThreshold:
		log.Printf("hybrid: secondary vector usage %.1f%% (%d of %d)", usage*100, count, limit)
	}
}

// Status snapshots the counters.
func (s *Service) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SyncStatus{
		Running:             s.running,
		Paused:              s.paused,
		QueueLength:         len(s.queue),
		OperationsSynced:    s.synced,
		OperationsFailed:    s.failed,
		OperationsRetried:   s.retried,
		InlineProcessed:     s.inline,
		FailedRingLength:    len(s.failedRing),
		LastSyncAt:          s.lastSync,
		LastError:           s.lastError,
		ConsecutiveFailures: s.consecutiveFailures,
		SecondaryHealthy:    s.secondaryHealthy,
		ApproachingLimits:   s.approachingLimits,
		VectorCount:         s.vectorCount,
	}
	if s.capacity != nil {
		status.VectorLimit = s.capacity.VectorLimit()
	}
	return status
}
