// Implements the FairScheduler, which wraps a PriorityQueue and adds
// anti-starvation aging: waiting long enough promotes a request's effective
// priority so that a steady trickle of VIP traffic cannot starve Low traffic
// forever.

package dispatch

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultStarvationThreshold is the wait after which a request's effective
// priority is promoted one level (and one more level per further threshold
// elapsed, capped at VIP).
const DefaultStarvationThreshold = 5 * time.Second

// DefaultWaitSLA maps each priority class to its target wait-time SLA.
// FairnessStats counts a dequeue as "fair" when the request waited no longer
// than its class target.
var DefaultWaitSLA = map[Priority]time.Duration{
	PriorityVIP:    100 * time.Millisecond,
	PriorityHigh:   500 * time.Millisecond,
	PriorityNormal: 2 * time.Second,
	PriorityLow:    10 * time.Second,
}

// FairnessStats reports how fairly the scheduler has been serving traffic.
// FairnessScore is the load-bearing correctness metric: the fraction of all
// dequeued requests that were served within their class's wait-time SLA.
type FairnessStats struct {
	TotalDequeued   int64              `json:"total_dequeued"`
	WithinSLA       int64              `json:"within_sla"`
	AgedRequests    int64              `json:"aged_requests"`
	FairnessScore   float64            `json:"fairness_score"`
	ServedByClass   map[Priority]int64 `json:"served_by_class"`
	InSLAByClass    map[Priority]int64 `json:"in_sla_by_class"`
	CurrentlyQueued int                `json:"currently_queued"`
}

// FairScheduler serializes enqueue/dequeue over one exclusively-owned
// PriorityQueue and applies the aging transformation at each dequeue.
// Aging is idempotent and monotonic: an entry's effective priority never
// decreases once boosted.
type FairScheduler struct {
	mu sync.Mutex

	queue               *PriorityQueue
	starvationThreshold time.Duration
	waitSLA             map[Priority]time.Duration

	totalDequeued int64
	withinSLA     int64
	agedRequests  int64
	servedByClass map[Priority]int64
	inSLAByClass  map[Priority]int64

	now func() time.Time // injectable clock for deterministic tests
}

// NewFairScheduler creates a scheduler with the given starvation threshold
// and deadline escalation margin. Non-positive values select the defaults.
func NewFairScheduler(starvationThreshold, escalationMargin time.Duration) *FairScheduler {
	if starvationThreshold <= 0 {
		starvationThreshold = DefaultStarvationThreshold
	}
	return &FairScheduler{
		queue:               NewPriorityQueue(escalationMargin),
		starvationThreshold: starvationThreshold,
		waitSLA:             DefaultWaitSLA,
		servedByClass:       make(map[Priority]int64, 4),
		inSLAByClass:        make(map[Priority]int64, 4),
		now:                 time.Now,
	}
}

// SetWaitSLA overrides the per-class wait-time SLA targets.
// Classes missing from targets keep their defaults.
func (fs *FairScheduler) SetWaitSLA(targets map[Priority]time.Duration) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	merged := make(map[Priority]time.Duration, 4)
	for class, sla := range fs.waitSLA {
		merged[class] = sla
	}
	for class, sla := range targets {
		merged[class] = sla
	}
	fs.waitSLA = merged
}

// SetClock replaces the scheduler's time source. Test hook.
func (fs *FairScheduler) SetClock(now func() time.Time) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.now = now
}

// Enqueue admits a request into the underlying queue.
func (fs *FairScheduler) Enqueue(req RequestMetadata) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.queue.Push(req)
	logrus.Debugf("enqueued %s (priority=%s, queue_depth=%d)", req.RequestID, req.Priority, fs.queue.Len())
}

// Dequeue returns the next request to serve, after boosting the effective
// priority of every entry that has waited past the starvation threshold.
// Returns ok=false on an empty queue.
func (fs *FairScheduler) Dequeue() (RequestMetadata, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := fs.now()
	fs.age(now)

	e, ok := fs.queue.PopEntry(now)
	if !ok {
		return RequestMetadata{}, false
	}

	req := e.Request()
	wait := req.WaitTime(now)
	fs.totalDequeued++
	fs.servedByClass[req.Priority]++
	if wait <= fs.waitSLA[req.Priority] {
		fs.withinSLA++
		fs.inSLAByClass[req.Priority]++
	}
	if e.Aged() {
		fs.agedRequests++
		logrus.Debugf("dequeued aged request %s (base=%s, effective=%s, waited=%s)",
			req.RequestID, req.Priority, e.Effective(), wait)
	}
	return req, true
}

// age promotes each queued entry by one level per starvation threshold
// elapsed since enqueue, capped at VIP. Boost never demotes, so repeated
// passes are idempotent.
func (fs *FairScheduler) age(now time.Time) {
	fs.queue.Reweight(func(e *Entry) {
		waited := e.Request().WaitTime(now)
		if waited < fs.starvationThreshold {
			return
		}
		levels := int(waited / fs.starvationThreshold)
		e.Boost(e.Request().Priority.Promote(levels))
	})
}

// QueueDepth returns the number of pending requests.
func (fs *FairScheduler) QueueDepth() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.queue.Len()
}

// QueueStats summarizes the pending queue composition.
func (fs *FairScheduler) QueueStats() QueueStats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.queue.Stats(fs.now())
}

// FairnessStats reports the scheduler's serving-fairness summary.
// A scheduler that has dequeued nothing reports a perfect score.
func (fs *FairScheduler) FairnessStats() FairnessStats {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	stats := FairnessStats{
		TotalDequeued:   fs.totalDequeued,
		WithinSLA:       fs.withinSLA,
		AgedRequests:    fs.agedRequests,
		FairnessScore:   1.0,
		ServedByClass:   make(map[Priority]int64, 4),
		InSLAByClass:    make(map[Priority]int64, 4),
		CurrentlyQueued: fs.queue.Len(),
	}
	for class, n := range fs.servedByClass {
		stats.ServedByClass[class] = n
	}
	for class, n := range fs.inSLAByClass {
		stats.InSLAByClass[class] = n
	}
	if fs.totalDequeued > 0 {
		stats.FairnessScore = float64(fs.withinSLA) / float64(fs.totalDequeued)
	}
	return stats
}
