// Implements the PriorityQueue, which holds all requests waiting to be
// dispatched. Ordering is priority-first with deadline-driven escalation
// evaluated at pop time.

package dispatch

import (
	"container/heap"
	"time"
)

// DefaultEscalationMargin is how close a request's deadline must be before
// it jumps ahead of higher-priority items with no deadline pressure.
// Tunable per queue; 5s matches the SLA granularity of the priority classes.
const DefaultEscalationMargin = 5 * time.Second

// Entry wraps one queued request with its scheduling-time state.
// The effective priority starts at the request's base priority and may be
// boosted (never demoted) by the fair scheduler's aging pass.
type Entry struct {
	req       RequestMetadata
	effective Priority
	seq       uint64 // insertion sequence, final FIFO tie-breaker
}

// Request returns the queued request metadata.
func (e *Entry) Request() RequestMetadata { return e.req }

// Effective returns the entry's current effective priority.
func (e *Entry) Effective() Priority { return e.effective }

// Boost raises the effective priority to p if p is more urgent.
// Demotions are ignored, keeping aging monotonic.
func (e *Entry) Boost(p Priority) {
	if p.MoreUrgent(e.effective) {
		e.effective = p
	}
}

// Aged reports whether the entry has been boosted above its base priority.
func (e *Entry) Aged() bool {
	return e.effective.MoreUrgent(e.req.Priority)
}

// entryHeap implements heap.Interface with deterministic ordering
// Ordering: effective priority → enqueue time → insertion sequence
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	ei, ej := h[i], h[j]
	if ei.effective != ej.effective {
		return ei.effective.MoreUrgent(ej.effective)
	}
	if !ei.req.EnqueuedAt.Equal(ej.req.EnqueuedAt) {
		return ei.req.EnqueuedAt.Before(ej.req.EnqueuedAt)
	}
	return ei.seq < ej.seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*Entry))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// PriorityQueue is an ordered container of pending requests.
// Primary key is effective priority (VIP first); a request whose deadline is
// within the escalation margin outranks everything without that pressure;
// ties within a class are FIFO by enqueue time. Capacity is unbounded here:
// bounding admission is the caller's job, via the load balancer's
// backpressure check.
//
// Not internally synchronized. Each queue is owned by exactly one
// FairScheduler, which provides the locking boundary.
type PriorityQueue struct {
	heap             entryHeap
	seq              uint64
	escalationMargin time.Duration
}

// NewPriorityQueue creates an empty queue with the given escalation margin.
// margin <= 0 selects DefaultEscalationMargin.
func NewPriorityQueue(margin time.Duration) *PriorityQueue {
	if margin <= 0 {
		margin = DefaultEscalationMargin
	}
	return &PriorityQueue{escalationMargin: margin}
}

// Len returns the number of queued requests.
func (pq *PriorityQueue) Len() int {
	return len(pq.heap)
}

// Push inserts a request. O(log n).
func (pq *PriorityQueue) Push(req RequestMetadata) {
	pq.seq++
	heap.Push(&pq.heap, &Entry{req: req, effective: req.Priority, seq: pq.seq})
}

// escalated reports whether the entry's deadline is within the margin at now.
// A deadline that already passed still counts as escalated: late is more
// urgent than almost-late.
func (pq *PriorityQueue) escalated(e *Entry, now time.Time) bool {
	remaining, ok := e.req.RemainingToDeadline(now)
	return ok && remaining <= pq.escalationMargin
}

// popLess reports whether a outranks b at now, including deadline escalation.
// Escalated entries beat all non-escalated entries; among escalated entries
// the least remaining time wins; otherwise heap order applies.
func (pq *PriorityQueue) popLess(a, b *Entry, now time.Time) bool {
	ea, eb := pq.escalated(a, now), pq.escalated(b, now)
	if ea != eb {
		return ea
	}
	if ea && eb {
		ra, _ := a.req.RemainingToDeadline(now)
		rb, _ := b.req.RemainingToDeadline(now)
		if ra != rb {
			return ra < rb
		}
	}
	if a.effective != b.effective {
		return a.effective.MoreUrgent(b.effective)
	}
	if !a.req.EnqueuedAt.Equal(b.req.EnqueuedAt) {
		return a.req.EnqueuedAt.Before(b.req.EnqueuedAt)
	}
	return a.seq < b.seq
}

// selectIndex returns the index of the highest-urgency entry at now.
// Linear scan: escalation depends on the clock, so it cannot be baked into
// the heap invariant. Requires a non-empty queue.
func (pq *PriorityQueue) selectIndex(now time.Time) int {
	best := 0
	for i := 1; i < len(pq.heap); i++ {
		if pq.popLess(pq.heap[i], pq.heap[best], now) {
			best = i
		}
	}
	return best
}

// Pop removes and returns the single highest-urgency request at now.
// Returns ok=false on an empty queue; that is an expected outcome, not an
// error. No request is ever silently dropped.
func (pq *PriorityQueue) Pop(now time.Time) (RequestMetadata, bool) {
	e, ok := pq.PopEntry(now)
	if !ok {
		return RequestMetadata{}, false
	}
	return e.req, true
}

// PopEntry is Pop but returns the full entry, exposing the effective
// priority the request was dequeued at. Used by FairScheduler.
func (pq *PriorityQueue) PopEntry(now time.Time) (*Entry, bool) {
	if len(pq.heap) == 0 {
		return nil, false
	}
	idx := pq.selectIndex(now)
	e := heap.Remove(&pq.heap, idx).(*Entry)
	return e, true
}

// Peek returns the request Pop would return at now, without removing it.
func (pq *PriorityQueue) Peek(now time.Time) (RequestMetadata, bool) {
	if len(pq.heap) == 0 {
		return RequestMetadata{}, false
	}
	return pq.heap[pq.selectIndex(now)].req, true
}

// Reweight applies fn to every queued entry, then restores heap order.
// The fair scheduler's aging pass is the primary consumer:
//
//	pq.Reweight(func(e *Entry) {
//	    e.Boost(agedPriority(e, now))
//	})
//
// fn MUST NOT retain entries beyond the call.
func (pq *PriorityQueue) Reweight(fn func(e *Entry)) {
	for _, e := range pq.heap {
		fn(e)
	}
	heap.Init(&pq.heap)
}

// QueueStats is a recomputed-on-demand snapshot of queue composition.
type QueueStats struct {
	Total       int              `json:"total"`
	PerPriority map[Priority]int `json:"per_priority"`
	OldestWait  time.Duration    `json:"oldest_wait"`
}

// Stats summarizes the queue contents at now.
func (pq *PriorityQueue) Stats(now time.Time) QueueStats {
	stats := QueueStats{
		Total:       len(pq.heap),
		PerPriority: make(map[Priority]int, 4),
	}
	for _, e := range pq.heap {
		stats.PerPriority[e.req.Priority]++
		if wait := e.req.WaitTime(now); wait > stats.OldestWait {
			stats.OldestWait = wait
		}
	}
	return stats
}
