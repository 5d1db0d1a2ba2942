// End-to-end exercise of the dispatch control flow: producer -> scheduler
// enqueue -> dequeue -> balancer assignment -> completion reporting into the
// metrics collector and worker state.

package dispatch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatch_EndToEnd_DrainsAllFiftyRequests(t *testing.T) {
	// GIVEN a scheduler, a pool of workers registered with a balancer, and
	// a collector
	scheduler := NewFairScheduler(0, 0)
	collector := NewMetricsCollector()
	pool, err := NewWorkerPool(WorkerPoolConfig{ModelID: "m", MinWorkers: 3, MaxWorkers: 6, TargetLatencyMs: 200})
	assert.NoError(t, err)
	balancer, err := NewLoadBalancer(StrategyLeastLoaded)
	assert.NoError(t, err)
	for _, w := range pool.Workers() {
		balancer.RegisterWorker(w.ID)
	}

	// WHEN 50 requests cycling through all four priorities are enqueued
	// and fully drained
	classes := Priorities()
	for i := 0; i < 50; i++ {
		req := NewRequestMetadata(fmt.Sprintf("req-%02d", i), fmt.Sprintf("user-%d", i%5), classes[i%4], "m", 0)
		scheduler.Enqueue(req)
		collector.RecordQueued(req.Priority)
	}
	assert.Equal(t, 50, scheduler.QueueDepth())

	dequeued := 0
	for {
		req, ok := scheduler.Dequeue()
		if !ok {
			break
		}
		assignment, ok := balancer.AssignRequest(req, time.Second)
		assert.True(t, ok, "no worker for %s", req.RequestID)
		assert.True(t, pool.AssignRequest(assignment.AssignedWorkerID))

		waitMs := float64(req.WaitTime(time.Now())) / float64(time.Millisecond)
		collector.RecordProcessed(req.Priority, waitMs)
		collector.RecordQueueDepth(scheduler.QueueDepth())
		dequeued++
	}

	// THEN exactly 50 were dequeued and the snapshot agrees
	assert.Equal(t, 50, dequeued)
	snap := collector.Snapshot(0)
	assert.Equal(t, int64(50), snap.TotalProcessed)
	assert.Equal(t, int64(50), snap.TotalQueued)
	// Each class saw 12 or 13 requests (50 cycling over 4 classes)
	for _, class := range classes {
		processed := snap.PerPriority[class].Processed
		if processed != 12 && processed != 13 {
			t.Errorf("class %s processed = %d, want 12 or 13", class, processed)
		}
	}

	// Work spread across the pool: every assignment was counted
	var totalAssignments int64
	for _, w := range pool.Workers() {
		totalAssignments += w.Assignments
	}
	assert.Equal(t, int64(50), totalAssignments)

	// Drained system reports a fair outcome and healthy backpressure
	assert.Greater(t, scheduler.FairnessStats().FairnessScore, 0.5)
	assert.Equal(t, BackpressureHealthy, balancer.CheckBackpressure(scheduler.QueueDepth(), 8192))
}

func TestDispatch_EndToEnd_AutoScaleReactsToReportedLoad(t *testing.T) {
	// GIVEN a pool at its minimum and an overload signal from the backend
	pool, err := NewWorkerPool(WorkerPoolConfig{ModelID: "m", MinWorkers: 2, MaxWorkers: 4, TargetLatencyMs: 100})
	assert.NoError(t, err)
	balancer, err := NewLoadBalancer(StrategyLeastLoaded)
	assert.NoError(t, err)
	for _, w := range pool.Workers() {
		balancer.RegisterWorker(w.ID)
	}

	// WHEN the control loop observes sustained overload
	grew := 0
	for i := 0; i < 3; i++ {
		if pool.AutoScale(50, 400, 8192) > 0 {
			grew++
			// New workers join the balancer's registry, as the runtime would
			for _, w := range pool.Workers() {
				balancer.RegisterWorker(w.ID)
			}
		}
	}

	// THEN the pool grew to its maximum and the balancer can place work on
	// the new workers
	assert.Equal(t, 2, grew)
	assert.Equal(t, 4, pool.Size())
	assignment, ok := balancer.AssignRequest(NewRequestMetadata("r", "u", PriorityNormal, "m", 0), 0)
	assert.True(t, ok)
	assert.NotEmpty(t, assignment.AssignedWorkerID)
}
