// Implements the WorkerPool, which tracks the workers serving exactly one
// model, their reported load, and elastic sizing between configured bounds.

package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultMemoryPerWorkerMB is the available-memory headroom required before
// the pool will grow by one worker.
const DefaultMemoryPerWorkerMB = 512

// shrinkAfterLowLoadSteps is how many consecutive low-load AutoScale
// observations are required before the pool shrinks by one worker.
const shrinkAfterLowLoadSteps = 3

// WorkerPoolConfig is the per-model elasticity policy.
type WorkerPoolConfig struct {
	ModelID         string  `yaml:"model_id"`
	MinWorkers      int     `yaml:"min_workers"`
	MaxWorkers      int     `yaml:"max_workers"`
	TargetLatencyMs float64 `yaml:"target_latency_ms"`
}

// Validate checks the invariant 1 <= MinWorkers <= MaxWorkers and a positive
// latency target.
func (c WorkerPoolConfig) Validate() error {
	if c.ModelID == "" {
		return fmt.Errorf("worker pool config: model_id must not be empty")
	}
	if c.MinWorkers < 1 {
		return fmt.Errorf("worker pool config: min_workers=%d, must be >= 1", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("worker pool config: max_workers=%d < min_workers=%d", c.MaxWorkers, c.MinWorkers)
	}
	if c.TargetLatencyMs <= 0 {
		return fmt.Errorf("worker pool config: target_latency_ms=%v, must be > 0", c.TargetLatencyMs)
	}
	return nil
}

// WorkerState is the mutable per-worker record. Owned exclusively by the
// pool that registered the worker; updated only via explicit metric pushes,
// never inferred.
type WorkerState struct {
	ID                string  `json:"id"`
	QueueDepth        int     `json:"queue_depth"`
	LatencyMs         float64 `json:"latency_ms"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	Assignments       int64   `json:"assignments"`
}

// WorkerPool holds the workers for one model and the control loop that
// resizes their number. All methods take the pool's single mutex, so a
// get-least-loaded + assign sequence done via AssignLeastLoaded cannot race
// with a concurrent AutoScale.
type WorkerPool struct {
	mu sync.Mutex

	config            WorkerPoolConfig
	memoryPerWorkerMB float64
	workers           map[string]*WorkerState
	nextWorkerID      int
	lowLoadStreak     int
}

// NewWorkerPool validates the config and seeds the pool with MinWorkers
// deterministically-named workers (<model>-w1, <model>-w2, ...).
func NewWorkerPool(config WorkerPoolConfig) (*WorkerPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	wp := &WorkerPool{
		config:            config,
		memoryPerWorkerMB: DefaultMemoryPerWorkerMB,
		workers:           make(map[string]*WorkerState),
	}
	for i := 0; i < config.MinWorkers; i++ {
		wp.addWorkerLocked()
	}
	return wp, nil
}

func (wp *WorkerPool) addWorkerLocked() *WorkerState {
	wp.nextWorkerID++
	id := fmt.Sprintf("%s-w%d", wp.config.ModelID, wp.nextWorkerID)
	w := &WorkerState{ID: id}
	wp.workers[id] = w
	return w
}

// ModelID returns the model the pool serves.
func (wp *WorkerPool) ModelID() string {
	return wp.config.ModelID
}

// Size returns the current number of workers.
func (wp *WorkerPool) Size() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.workers)
}

// RegisterWorker adds a worker with the given id, for callers that manage
// worker identity themselves. Registering an existing id is a no-op.
// Registration ignores MaxWorkers: bounds apply to auto-scaling decisions,
// not to explicitly registered workers.
func (wp *WorkerPool) RegisterWorker(id string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if _, exists := wp.workers[id]; exists {
		return
	}
	wp.workers[id] = &WorkerState{ID: id}
}

// UpdateWorkerMetrics records a metric push for one worker. Unknown ids are
// ignored: a push can legitimately race with a scale-down.
func (wp *WorkerPool) UpdateWorkerMetrics(id string, queueDepth int, latencyMs, availableMemoryMB float64) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	w, ok := wp.workers[id]
	if !ok {
		logrus.Debugf("pool %s: metrics push for unknown worker %s dropped", wp.config.ModelID, id)
		return
	}
	w.QueueDepth = queueDepth
	w.LatencyMs = latencyMs
	w.AvailableMemoryMB = availableMemoryMB
}

// leastLoadedLocked selects the worker with the lowest reported queue depth,
// ties broken by lowest latency, then by id for determinism.
func (wp *WorkerPool) leastLoadedLocked() *WorkerState {
	ids := make([]string, 0, len(wp.workers))
	for id := range wp.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best *WorkerState
	for _, id := range ids {
		w := wp.workers[id]
		if best == nil {
			best = w
			continue
		}
		if w.QueueDepth != best.QueueDepth {
			if w.QueueDepth < best.QueueDepth {
				best = w
			}
			continue
		}
		if w.LatencyMs < best.LatencyMs {
			best = w
		}
	}
	return best
}

// GetLeastLoadedWorker returns a copy of the least-loaded worker's state.
// ok is false when the pool has no workers.
func (wp *WorkerPool) GetLeastLoadedWorker() (WorkerState, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	best := wp.leastLoadedLocked()
	if best == nil {
		return WorkerState{}, false
	}
	return *best, true
}

// AssignRequest increments the assignment counter of the given worker.
// It does not dispatch anything; executing on the backend is the caller's
// job. Unknown ids report ok=false.
func (wp *WorkerPool) AssignRequest(workerID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	w, ok := wp.workers[workerID]
	if !ok {
		return false
	}
	w.Assignments++
	return true
}

// AssignLeastLoaded performs select-and-increment under one lock hold,
// closing the check-then-act race two concurrent callers would otherwise
// hit. The selected worker's queue depth is bumped optimistically so a
// second caller arriving before the next metrics push sees the assignment.
func (wp *WorkerPool) AssignLeastLoaded() (WorkerState, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	best := wp.leastLoadedLocked()
	if best == nil {
		return WorkerState{}, false
	}
	best.Assignments++
	best.QueueDepth++
	return *best, true
}

// Workers returns a copy of all worker states, sorted by id.
func (wp *WorkerPool) Workers() []WorkerState {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	out := make([]WorkerState, 0, len(wp.workers))
	for _, w := range wp.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AutoScale runs one control-loop step against observed load. Deterministic:
// the same inputs in the same pool state always produce the same decision.
//
// Grow by one worker when latency exceeds the target AND the queue is deep
// relative to current capacity AND memory headroom permits, clamped at
// MaxWorkers. Shrink by one worker only after shrinkAfterLowLoadSteps
// consecutive low-load observations, clamped at MinWorkers. Clamping is
// silent: bounds are policy, not caller errors.
//
// Returns the pool size delta (-1, 0, or +1).
func (wp *WorkerPool) AutoScale(queueDepth int, avgLatencyMs, availableMemoryMB float64) int {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	size := len(wp.workers)

	overloaded := avgLatencyMs > wp.config.TargetLatencyMs && queueDepth > 2*size
	if overloaded {
		wp.lowLoadStreak = 0
		if size >= wp.config.MaxWorkers {
			return 0
		}
		if availableMemoryMB < wp.memoryPerWorkerMB {
			logrus.Debugf("pool %s: scale-up blocked, %.0fMB available < %.0fMB per worker",
				wp.config.ModelID, availableMemoryMB, wp.memoryPerWorkerMB)
			return 0
		}
		w := wp.addWorkerLocked()
		logrus.Infof("pool %s: scaled up to %d workers (added %s, latency=%.1fms > target=%.1fms, queue=%d)",
			wp.config.ModelID, len(wp.workers), w.ID, avgLatencyMs, wp.config.TargetLatencyMs, queueDepth)
		return 1
	}

	underloaded := avgLatencyMs < wp.config.TargetLatencyMs/2 && queueDepth < size
	if !underloaded {
		wp.lowLoadStreak = 0
		return 0
	}
	wp.lowLoadStreak++
	if wp.lowLoadStreak < shrinkAfterLowLoadSteps || size <= wp.config.MinWorkers {
		return 0
	}
	wp.lowLoadStreak = 0

	// Remove the last worker id in sorted order for determinism.
	ids := make([]string, 0, len(wp.workers))
	for id := range wp.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	victim := ids[len(ids)-1]
	delete(wp.workers, victim)
	logrus.Infof("pool %s: scaled down to %d workers (removed %s after sustained low load)",
		wp.config.ModelID, len(wp.workers), victim)
	return -1
}
