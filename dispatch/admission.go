// Caller-side admission helpers. The core components never reject requests
// themselves; these gates give the admission layer concrete policies for
// deciding what to enqueue when backpressure says the system is loaded.

package dispatch

import (
	"sync"
	"time"
)

// TokenBucket implements rate-limiting admission control.
// Tokens refill continuously at refillRate per second up to capacity; each
// admitted request spends cost tokens.
type TokenBucket struct {
	mu sync.Mutex

	capacity      float64
	refillRate    float64 // tokens per second
	currentTokens float64
	lastRefill    time.Time
}

// NewTokenBucket creates a full bucket with the given capacity and refill
// rate.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:      capacity,
		refillRate:    refillRate,
		currentTokens: capacity,
	}
}

// Allow reports whether a request of the given cost can be admitted at now,
// spending the tokens when it can.
func (tb *TokenBucket) Allow(now time.Time, cost float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if !tb.lastRefill.IsZero() {
		elapsed := now.Sub(tb.lastRefill).Seconds()
		if elapsed > 0 {
			tb.currentTokens = min(tb.capacity, tb.currentTokens+elapsed*tb.refillRate)
		}
	}
	tb.lastRefill = now

	if tb.currentTokens >= cost {
		tb.currentTokens -= cost
		return true
	}
	return false
}

// BackpressureGate sheds load by priority class based on the balancer's
// advisory backpressure status: everything is admitted while Healthy, Low
// traffic is shed first on Elevated, and only VIP and High survive Critical.
// VIP is always admitted.
type BackpressureGate struct {
	balancer *LoadBalancer
}

// NewBackpressureGate creates a gate consulting the given balancer.
func NewBackpressureGate(balancer *LoadBalancer) *BackpressureGate {
	return &BackpressureGate{balancer: balancer}
}

// Admit decides whether req should be enqueued given current queue depth and
// available memory. reason is non-empty only on rejection.
func (g *BackpressureGate) Admit(req RequestMetadata, queueDepth int, availableMemoryMB float64) (bool, string) {
	if req.Priority == PriorityVIP {
		return true, ""
	}
	switch g.balancer.CheckBackpressure(queueDepth, availableMemoryMB) {
	case BackpressureCritical:
		if req.Priority.MoreUrgent(PriorityNormal) {
			return true, ""
		}
		return false, "backpressure critical: shedding normal and low traffic"
	case BackpressureElevated:
		if req.Priority.MoreUrgent(PriorityLow) {
			return true, ""
		}
		return false, "backpressure elevated: shedding low traffic"
	default:
		return true, ""
	}
}
