package dispatch

import "fmt"

// Priority is the request urgency class. Lower numeric value = more urgent.
// The set is closed: exactly four levels, VIP through Low.
type Priority int

const (
	PriorityVIP    Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// ErrInvalidPriority is returned by PriorityFromInt for values outside 1-4.
// This is the one true input-validation error in the core: producers must
// reject bad priorities at the boundary, before a request reaches the queue.
type ErrInvalidPriority struct {
	Value int
}

func (e *ErrInvalidPriority) Error() string {
	return fmt.Sprintf("invalid priority %d: must be in [1, 4] (1=VIP, 2=High, 3=Normal, 4=Low)", e.Value)
}

// PriorityFromInt converts a raw integer into a Priority.
// Values outside 1-4 fail with *ErrInvalidPriority.
func PriorityFromInt(v int) (Priority, error) {
	if v < int(PriorityVIP) || v > int(PriorityLow) {
		return 0, &ErrInvalidPriority{Value: v}
	}
	return Priority(v), nil
}

// MoreUrgent reports whether p outranks other in the base ordering
// (VIP > High > Normal > Low).
func (p Priority) MoreUrgent(other Priority) bool {
	return p < other
}

// Promote returns the priority boosted by n levels, capped at VIP.
// Used by the fair scheduler's aging transformation; never demotes.
func (p Priority) Promote(n int) Priority {
	if n <= 0 {
		return p
	}
	boosted := int(p) - n
	if boosted < int(PriorityVIP) {
		return PriorityVIP
	}
	return Priority(boosted)
}

func (p Priority) String() string {
	switch p {
	case PriorityVIP:
		return "vip"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Priorities lists all levels in urgency order, VIP first.
// Useful for per-class iteration in metrics and tests.
func Priorities() []Priority {
	return []Priority{PriorityVIP, PriorityHigh, PriorityNormal, PriorityLow}
}
