package dispatch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFairScheduler_Dequeue_Empty_ReturnsNotOK(t *testing.T) {
	fs := NewFairScheduler(0, 0)
	if _, ok := fs.Dequeue(); ok {
		t.Error("Dequeue on empty scheduler: got ok=true, want false")
	}
}

func TestFairScheduler_EnqueueDequeue_RoundTrips(t *testing.T) {
	fs := NewFairScheduler(0, 0)
	fs.Enqueue(NewRequestMetadata("r1", "alice", PriorityNormal, "m", 0))

	req, ok := fs.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, "r1", req.RequestID)
	assert.Equal(t, 0, fs.QueueDepth())
}

func TestFairScheduler_StarvationBound_LowTrafficSurvivesVIP(t *testing.T) {
	// GIVEN 1 VIP request and 100 Low requests
	fs := NewFairScheduler(50*time.Millisecond, 0)
	fs.Enqueue(NewRequestMetadata("vip-0", "alice", PriorityVIP, "m", 0))
	for i := 0; i < 100; i++ {
		fs.Enqueue(NewRequestMetadata(fmt.Sprintf("low-%03d", i), "bob", PriorityLow, "m", 0))
	}

	// WHEN fully draining
	drained := 0
	for {
		if _, ok := fs.Dequeue(); !ok {
			break
		}
		drained++
	}

	// THEN all 101 requests were dequeued and fairness stayed above 0.5
	if drained != 101 {
		t.Fatalf("drained %d requests, want 101", drained)
	}
	stats := fs.FairnessStats()
	if stats.FairnessScore <= 0.5 {
		t.Errorf("fairness score = %.3f, want > 0.5", stats.FairnessScore)
	}
	if stats.TotalDequeued != 101 {
		t.Errorf("TotalDequeued = %d, want 101", stats.TotalDequeued)
	}
}

func TestFairScheduler_Aging_PromotesStarvedRequest(t *testing.T) {
	// GIVEN a Low request that has waited past the starvation threshold
	// while fresh VIP traffic keeps arriving
	fs := NewFairScheduler(100*time.Millisecond, 0)
	start := time.Now()
	clock := start
	fs.SetClock(func() time.Time { return clock })

	old := RequestMetadata{RequestID: "starved-low", User: "bob", Priority: PriorityLow, Model: "m", EnqueuedAt: start}
	fs.Enqueue(old)

	// Low has now waited 3 thresholds: promoted Low -> VIP, tying the
	// fresh VIP class; FIFO then favors the older request.
	clock = start.Add(320 * time.Millisecond)
	fresh := RequestMetadata{RequestID: "fresh-vip", User: "alice", Priority: PriorityVIP, Model: "m", EnqueuedAt: clock}
	fs.Enqueue(fresh)

	// WHEN dequeuing
	req, ok := fs.Dequeue()

	// THEN the aged Low request wins
	if !ok {
		t.Fatal("Dequeue: got ok=false")
	}
	if req.RequestID != "starved-low" {
		t.Errorf("Dequeue = %s, want starved-low", req.RequestID)
	}
	stats := fs.FairnessStats()
	if stats.AgedRequests != 1 {
		t.Errorf("AgedRequests = %d, want 1", stats.AgedRequests)
	}
}

func TestFairScheduler_Aging_BelowThreshold_NoBoost(t *testing.T) {
	// GIVEN a Low request waiting less than the threshold and a fresh High
	fs := NewFairScheduler(time.Hour, 0)
	start := time.Now()
	clock := start
	fs.SetClock(func() time.Time { return clock })

	fs.Enqueue(RequestMetadata{RequestID: "low", Priority: PriorityLow, Model: "m", EnqueuedAt: start})
	clock = start.Add(time.Second)
	fs.Enqueue(RequestMetadata{RequestID: "high", Priority: PriorityHigh, Model: "m", EnqueuedAt: clock})

	// WHEN dequeuing
	req, _ := fs.Dequeue()

	// THEN base priority ordering holds
	if req.RequestID != "high" {
		t.Errorf("Dequeue = %s, want high", req.RequestID)
	}
	if aged := fs.FairnessStats().AgedRequests; aged != 0 {
		t.Errorf("AgedRequests = %d, want 0", aged)
	}
}

func TestFairScheduler_FairnessStats_EmptyScheduler_PerfectScore(t *testing.T) {
	fs := NewFairScheduler(0, 0)
	stats := fs.FairnessStats()
	assert.Equal(t, 1.0, stats.FairnessScore)
	assert.Equal(t, int64(0), stats.TotalDequeued)
}

func TestFairScheduler_FairnessStats_CountsSLAMisses(t *testing.T) {
	// GIVEN a VIP request that waited far past its 100ms SLA
	fs := NewFairScheduler(time.Hour, 0)
	start := time.Now()
	clock := start
	fs.SetClock(func() time.Time { return clock })

	fs.Enqueue(RequestMetadata{RequestID: "late-vip", Priority: PriorityVIP, Model: "m", EnqueuedAt: start})
	clock = start.Add(10 * time.Second)

	// WHEN dequeued
	_, ok := fs.Dequeue()
	assert.True(t, ok)

	// THEN the dequeue counts as an SLA miss
	stats := fs.FairnessStats()
	assert.Equal(t, int64(1), stats.TotalDequeued)
	assert.Equal(t, int64(0), stats.WithinSLA)
	assert.Equal(t, 0.0, stats.FairnessScore)
}

func TestFairScheduler_SetWaitSLA_OverridesTargets(t *testing.T) {
	// GIVEN a Low-class SLA loosened to one hour
	fs := NewFairScheduler(time.Hour, 0)
	start := time.Now()
	clock := start
	fs.SetClock(func() time.Time { return clock })
	fs.SetWaitSLA(map[Priority]time.Duration{PriorityLow: time.Hour})

	fs.Enqueue(RequestMetadata{RequestID: "low", Priority: PriorityLow, Model: "m", EnqueuedAt: start})
	clock = start.Add(30 * time.Second) // past the 10s default, inside the override

	// WHEN dequeued
	_, ok := fs.Dequeue()
	assert.True(t, ok)

	// THEN the request counts as within SLA
	assert.Equal(t, 1.0, fs.FairnessStats().FairnessScore)
}
