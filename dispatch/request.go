// Defines RequestMetadata, the value type handed between every component in
// the dispatch core. Producers construct it at admission time; the queue
// consumes it on dequeue; the caller discards it after dispatch or failure.

package dispatch

import (
	"fmt"
	"time"
)

// RequestMetadata describes one inference request for scheduling purposes.
// Immutable after construction: components that need derived urgency (aging,
// deadline escalation) track it in their own wrappers, never by mutating the
// metadata itself.
type RequestMetadata struct {
	RequestID    string    // Unique identifier, caller-supplied
	User         string    // Per-user fairness bucketing key
	Priority     Priority  // Base urgency class
	Model        string    // Target model identifier
	EnqueuedAt   time.Time // Set at construction
	DeadlineSecs float64   // Relative seconds-to-deadline; 0 = no deadline
}

// NewRequestMetadata constructs request metadata, stamping EnqueuedAt with
// the current time. deadlineSecs <= 0 means no deadline.
func NewRequestMetadata(requestID, user string, priority Priority, model string, deadlineSecs float64) RequestMetadata {
	if deadlineSecs < 0 {
		deadlineSecs = 0
	}
	return RequestMetadata{
		RequestID:    requestID,
		User:         user,
		Priority:     priority,
		Model:        model,
		EnqueuedAt:   time.Now(),
		DeadlineSecs: deadlineSecs,
	}
}

// Clone returns a copy of the metadata.
func (r RequestMetadata) Clone() RequestMetadata {
	return r
}

// Deadline returns the absolute deadline and whether one is set.
func (r RequestMetadata) Deadline() (time.Time, bool) {
	if r.DeadlineSecs <= 0 {
		return time.Time{}, false
	}
	return r.EnqueuedAt.Add(time.Duration(r.DeadlineSecs * float64(time.Second))), true
}

// RemainingToDeadline returns time left before the deadline at now.
// Negative means the deadline already passed. ok is false when no deadline
// is set.
func (r RequestMetadata) RemainingToDeadline(now time.Time) (time.Duration, bool) {
	deadline, ok := r.Deadline()
	if !ok {
		return 0, false
	}
	return deadline.Sub(now), true
}

// WaitTime returns how long the request has been waiting at now.
func (r RequestMetadata) WaitTime(now time.Time) time.Duration {
	return now.Sub(r.EnqueuedAt)
}

func (r RequestMetadata) String() string {
	return fmt.Sprintf("Request: (ID: %s, User: %s, Priority: %s, Model: %s)", r.RequestID, r.User, r.Priority, r.Model)
}
