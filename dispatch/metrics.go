// Tracks dispatch-wide metrics: queued/processed counts per priority class,
// wait-time distributions, queue-depth history, and throughput.

package dispatch

import (
	"sort"
	"sync"
	"time"
)

// queueDepthHistoryCap bounds the depth history to cap memory; oldest
// samples are evicted once exceeded. A memory bound, not a correctness
// requirement.
const queueDepthHistoryCap = 10000

// PriorityWaitStats is the per-class wait-time summary inside a snapshot.
// All values are milliseconds.
type PriorityWaitStats struct {
	Queued    int64   `json:"queued"`
	Processed int64   `json:"processed"`
	AvgWaitMs float64 `json:"avg_wait_ms"`
	P50WaitMs float64 `json:"p50_wait_ms"`
	P95WaitMs float64 `json:"p95_wait_ms"`
	P99WaitMs float64 `json:"p99_wait_ms"`
}

// QueueMetricsSnapshot is a point-in-time aggregate of everything the
// collector has accumulated. Plain serializable data; computing it never
// mutates collector state.
type QueueMetricsSnapshot struct {
	TotalQueued       int64                          `json:"total_queued"`
	TotalProcessed    int64                          `json:"total_processed"`
	CurrentQueueDepth int                            `json:"current_queue_depth"`
	AvgQueueDepth     float64                        `json:"avg_queue_depth"`
	MaxQueueDepth     int                            `json:"max_queue_depth"`
	PerPriority       map[Priority]PriorityWaitStats `json:"per_priority"`
	ThroughputPerSec  float64                        `json:"throughput_per_sec"`
	ElapsedSecs       float64                        `json:"elapsed_secs"`
}

// MetricsCollector accumulates fire-and-forget dispatch events. It owns its
// history buffers outright and never inspects the queue or pool directly:
// callers explicitly feed it events. Guarded by a single mutex.
type MetricsCollector struct {
	mu sync.Mutex

	queuedByClass    map[Priority]int64
	processedByClass map[Priority]int64
	waitSamplesMs    map[Priority][]float64
	depthHistory     []int
	startedAt        time.Time

	now func() time.Time // injectable clock for deterministic tests
}

// NewMetricsCollector creates an empty collector; the throughput baseline
// starts now.
func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{now: time.Now}
	mc.resetLocked()
	return mc
}

// SetClock replaces the collector's time source and restarts the baseline.
// Test hook.
func (mc *MetricsCollector) SetClock(now func() time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.now = now
	mc.startedAt = now()
}

func (mc *MetricsCollector) resetLocked() {
	mc.queuedByClass = make(map[Priority]int64, 4)
	mc.processedByClass = make(map[Priority]int64, 4)
	mc.waitSamplesMs = make(map[Priority][]float64, 4)
	mc.depthHistory = nil
	mc.startedAt = mc.now()
}

// RecordQueued counts one admission at the given priority.
func (mc *MetricsCollector) RecordQueued(priority Priority) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.queuedByClass[priority]++
}

// RecordProcessed counts one completion and its observed wait time.
func (mc *MetricsCollector) RecordProcessed(priority Priority, waitTimeMs float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.processedByClass[priority]++
	mc.waitSamplesMs[priority] = append(mc.waitSamplesMs[priority], waitTimeMs)
}

// RecordQueueDepth appends one depth observation to the bounded history.
func (mc *MetricsCollector) RecordQueueDepth(depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.depthHistory = append(mc.depthHistory, depth)
	if len(mc.depthHistory) > queueDepthHistoryCap {
		mc.depthHistory = mc.depthHistory[len(mc.depthHistory)-queueDepthHistoryCap:]
	}
}

// percentile returns the p-th percentile (p in [0,1]) of sorted samples,
// indexed at floor(p * len) clamped to len-1. Zero for empty input.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// mean returns the arithmetic mean of samples, zero for empty input.
func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// Snapshot computes the aggregate view at the current instant.
// currentQueueDepth is supplied by the caller: the collector never reads the
// queue itself. Throughput divides total processed by elapsed wall-clock
// seconds since creation (or the last Reset), floored at one second.
func (mc *MetricsCollector) Snapshot(currentQueueDepth int) QueueMetricsSnapshot {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	snap := QueueMetricsSnapshot{
		CurrentQueueDepth: currentQueueDepth,
		PerPriority:       make(map[Priority]PriorityWaitStats, 4),
	}

	for _, class := range Priorities() {
		queued := mc.queuedByClass[class]
		processed := mc.processedByClass[class]
		snap.TotalQueued += queued
		snap.TotalProcessed += processed

		stats := PriorityWaitStats{Queued: queued, Processed: processed}
		if samples := mc.waitSamplesMs[class]; len(samples) > 0 {
			sorted := make([]float64, len(samples))
			copy(sorted, samples)
			sort.Float64s(sorted)
			stats.AvgWaitMs = mean(sorted)
			stats.P50WaitMs = percentile(sorted, 0.50)
			stats.P95WaitMs = percentile(sorted, 0.95)
			stats.P99WaitMs = percentile(sorted, 0.99)
		}
		snap.PerPriority[class] = stats
	}

	if len(mc.depthHistory) > 0 {
		sum := 0
		for _, d := range mc.depthHistory {
			sum += d
			if d > snap.MaxQueueDepth {
				snap.MaxQueueDepth = d
			}
		}
		snap.AvgQueueDepth = float64(sum) / float64(len(mc.depthHistory))
	}

	elapsed := mc.now().Sub(mc.startedAt).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	snap.ElapsedSecs = elapsed
	snap.ThroughputPerSec = float64(snap.TotalProcessed) / elapsed
	return snap
}

// Reset clears all accumulated state and restarts the elapsed-time baseline.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.resetLocked()
}
