// Implements the LoadBalancer, which assigns dequeued requests to registered
// workers using live pushed metrics, and classifies system-wide backpressure.

package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AssignmentStrategy selects how the balancer picks a worker.
// The set is closed and dispatched via switch, keeping every branch
// exhaustively testable.
type AssignmentStrategy string

const (
	// StrategyLeastLoaded picks the eligible worker with the lowest
	// reported queue depth, ties broken by latency then id.
	StrategyLeastLoaded AssignmentStrategy = "least-loaded"
	// StrategyRoundRobin rotates deterministically over eligible workers
	// in sorted-id order.
	StrategyRoundRobin AssignmentStrategy = "round-robin"
)

// ValidAssignmentStrategies is the set of recognized strategy names.
// Empty string selects StrategyLeastLoaded.
var ValidAssignmentStrategies = map[AssignmentStrategy]bool{
	"":                  true,
	StrategyLeastLoaded: true,
	StrategyRoundRobin:  true,
}

// BackpressureStatus is the tri-state system-health classification.
type BackpressureStatus string

const (
	BackpressureHealthy  BackpressureStatus = "healthy"
	BackpressureElevated BackpressureStatus = "elevated"
	BackpressureCritical BackpressureStatus = "critical"
)

// Backpressure threshold defaults. Critical triggers at the queue ceiling or
// the memory floor; Elevated triggers on approach (75% of the ceiling, twice
// the floor).
const (
	DefaultQueueDepthCeiling = 8000
	DefaultMemoryFloorMB     = 512

	elevatedQueueFraction  = 0.75
	elevatedMemoryMultiple = 2
)

// Assignment is the result of a successful balancing decision.
type Assignment struct {
	AssignedWorkerID string          `json:"assigned_worker_id"`
	Request          RequestMetadata `json:"request"`
}

// LoadBalancer owns a registry of worker records fed by metric pushes from
// the backend layer (it never polls) and hands out assignments. Assignment
// is a pure computation over already-known metrics: nothing here blocks.
//
// The single mutex serializes metric pushes against assignment reads, so a
// placement can act on stale metrics (tolerable) but never on a torn record.
type LoadBalancer struct {
	mu sync.Mutex

	strategy          AssignmentStrategy
	queueDepthCeiling int
	memoryFloorMB     float64

	workers map[string]*WorkerState
	rrIndex int
}

// NewLoadBalancer creates a balancer with the given strategy and default
// backpressure thresholds. Unknown strategies fail with a typed error at
// construction, never at assignment time.
func NewLoadBalancer(strategy AssignmentStrategy) (*LoadBalancer, error) {
	if !ValidAssignmentStrategies[strategy] {
		return nil, fmt.Errorf("unknown assignment strategy %q", strategy)
	}
	if strategy == "" {
		strategy = StrategyLeastLoaded
	}
	return &LoadBalancer{
		strategy:          strategy,
		queueDepthCeiling: DefaultQueueDepthCeiling,
		memoryFloorMB:     DefaultMemoryFloorMB,
		workers:           make(map[string]*WorkerState),
	}, nil
}

// SetBackpressureThresholds overrides the queue-depth ceiling and memory
// floor. Non-positive values keep the current setting.
func (lb *LoadBalancer) SetBackpressureThresholds(queueDepthCeiling int, memoryFloorMB float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if queueDepthCeiling > 0 {
		lb.queueDepthCeiling = queueDepthCeiling
	}
	if memoryFloorMB > 0 {
		lb.memoryFloorMB = memoryFloorMB
	}
}

// RegisterWorker adds a worker id to the registry. Re-registering is a no-op.
func (lb *LoadBalancer) RegisterWorker(id string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, exists := lb.workers[id]; exists {
		return
	}
	lb.workers[id] = &WorkerState{ID: id}
	logrus.Debugf("balancer: registered worker %s (%d total)", id, len(lb.workers))
}

// UpdateWorkerMetrics records a pushed metrics report for one worker.
// Pushes for unregistered workers are dropped.
func (lb *LoadBalancer) UpdateWorkerMetrics(id string, queueDepth int, latencyMs, availableMemoryMB float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	w, ok := lb.workers[id]
	if !ok {
		logrus.Debugf("balancer: metrics push for unregistered worker %s dropped", id)
		return
	}
	w.QueueDepth = queueDepth
	w.LatencyMs = latencyMs
	w.AvailableMemoryMB = availableMemoryMB
}

// eligibleLocked returns ids of workers whose estimated wait fits the
// timeout budget, sorted for deterministic iteration. The estimate is
// queue depth x reported per-request latency; a worker that has never
// reported latency is assumed able to accept.
func (lb *LoadBalancer) eligibleLocked(timeout time.Duration) []string {
	budgetMs := float64(timeout) / float64(time.Millisecond)
	ids := make([]string, 0, len(lb.workers))
	for id, w := range lb.workers {
		if timeout > 0 && w.LatencyMs > 0 {
			if estimated := float64(w.QueueDepth) * w.LatencyMs; estimated > budgetMs {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AssignRequest selects a worker for req within the given timeout budget.
// The timeout is a synchronous capacity bound ("skip workers whose backlog
// implies waiting longer than this"), not an asynchronous wait; timeout <= 0
// means no bound. Returns ok=false when no worker can accept — an expected
// outcome under load, not an error. The caller decides whether to retry,
// requeue, or reject.
func (lb *LoadBalancer) AssignRequest(req RequestMetadata, timeout time.Duration) (Assignment, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	eligible := lb.eligibleLocked(timeout)
	if len(eligible) == 0 {
		logrus.Debugf("balancer: no worker within %s budget for %s", timeout, req.RequestID)
		return Assignment{}, false
	}

	var chosen *WorkerState
	switch lb.strategy {
	case StrategyRoundRobin:
		chosen = lb.workers[eligible[lb.rrIndex%len(eligible)]]
		lb.rrIndex++
	default: // StrategyLeastLoaded
		for _, id := range eligible {
			w := lb.workers[id]
			if chosen == nil {
				chosen = w
				continue
			}
			if w.QueueDepth != chosen.QueueDepth {
				if w.QueueDepth < chosen.QueueDepth {
					chosen = w
				}
				continue
			}
			if w.LatencyMs < chosen.LatencyMs {
				chosen = w
			}
		}
	}

	// Bump the chosen worker's depth so back-to-back assignments between
	// metric pushes spread out instead of piling onto one worker.
	chosen.QueueDepth++
	chosen.Assignments++
	return Assignment{AssignedWorkerID: chosen.ID, Request: req}, true
}

// CheckBackpressure classifies current system health from queue depth and
// available memory against the configured thresholds. Critical when either
// threshold is breached, Elevated when either is approaching breach. The
// result is advisory: the balancer never rejects requests itself — admission
// control is the caller's responsibility, enforced by consulting this status
// before enqueueing.
func (lb *LoadBalancer) CheckBackpressure(queueDepth int, availableMemoryMB float64) BackpressureStatus {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if queueDepth >= lb.queueDepthCeiling || availableMemoryMB <= lb.memoryFloorMB {
		return BackpressureCritical
	}
	elevatedQueue := queueDepth >= int(elevatedQueueFraction*float64(lb.queueDepthCeiling))
	elevatedMemory := availableMemoryMB <= elevatedMemoryMultiple*lb.memoryFloorMB
	if elevatedQueue || elevatedMemory {
		return BackpressureElevated
	}
	return BackpressureHealthy
}

// WorkerStates returns a copy of all registered worker records, sorted by id.
func (lb *LoadBalancer) WorkerStates() []WorkerState {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]WorkerState, 0, len(lb.workers))
	for _, w := range lb.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
