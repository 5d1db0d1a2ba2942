package dispatch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyBundle holds unified dispatch policy configuration, loadable from a
// YAML file. Nil pointer fields mean "not set in YAML" — they do not
// override construction-time defaults. String fields use empty string for
// "not set".
type PolicyBundle struct {
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	Balancer    BalancerConfig     `yaml:"balancer"`
	Admission   AdmissionConfig    `yaml:"admission"`
	WorkerPools []WorkerPoolConfig `yaml:"worker_pools"`
}

// SchedulerConfig holds fair-scheduler configuration.
type SchedulerConfig struct {
	StarvationThresholdMs *int64   `yaml:"starvation_threshold_ms"`
	EscalationMarginSecs  *float64 `yaml:"escalation_margin_secs"`
}

// BalancerConfig holds load-balancer configuration.
type BalancerConfig struct {
	Strategy          string   `yaml:"strategy"`
	QueueDepthCeiling *int     `yaml:"queue_depth_ceiling"`
	MemoryFloorMB     *float64 `yaml:"memory_floor_mb"`
}

// AdmissionConfig holds admission gate configuration.
type AdmissionConfig struct {
	TokenBucketCapacity   *float64 `yaml:"token_bucket_capacity"`
	TokenBucketRefillRate *float64 `yaml:"token_bucket_refill_rate"`
}

// LoadPolicyBundle reads and parses a YAML policy configuration file.
func LoadPolicyBundle(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy config: %w", err)
	}
	var bundle PolicyBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parsing policy config: %w", err)
	}
	return &bundle, nil
}

// Validate checks that all policy names and parameter ranges in the bundle
// are valid.
func (b *PolicyBundle) Validate() error {
	if !ValidAssignmentStrategies[AssignmentStrategy(b.Balancer.Strategy)] {
		return fmt.Errorf("unknown assignment strategy %q", b.Balancer.Strategy)
	}
	if b.Scheduler.StarvationThresholdMs != nil && *b.Scheduler.StarvationThresholdMs <= 0 {
		return fmt.Errorf("starvation_threshold_ms must be > 0, got %d", *b.Scheduler.StarvationThresholdMs)
	}
	if b.Scheduler.EscalationMarginSecs != nil && *b.Scheduler.EscalationMarginSecs <= 0 {
		return fmt.Errorf("escalation_margin_secs must be > 0, got %v", *b.Scheduler.EscalationMarginSecs)
	}
	if b.Balancer.QueueDepthCeiling != nil && *b.Balancer.QueueDepthCeiling <= 0 {
		return fmt.Errorf("queue_depth_ceiling must be > 0, got %d", *b.Balancer.QueueDepthCeiling)
	}
	if b.Balancer.MemoryFloorMB != nil && *b.Balancer.MemoryFloorMB <= 0 {
		return fmt.Errorf("memory_floor_mb must be > 0, got %v", *b.Balancer.MemoryFloorMB)
	}
	if b.Admission.TokenBucketCapacity != nil && *b.Admission.TokenBucketCapacity < 0 {
		return fmt.Errorf("token_bucket_capacity must be >= 0, got %v", *b.Admission.TokenBucketCapacity)
	}
	if b.Admission.TokenBucketRefillRate != nil && *b.Admission.TokenBucketRefillRate < 0 {
		return fmt.Errorf("token_bucket_refill_rate must be >= 0, got %v", *b.Admission.TokenBucketRefillRate)
	}
	for i, pool := range b.WorkerPools {
		if err := pool.Validate(); err != nil {
			return fmt.Errorf("worker_pools[%d]: %w", i, err)
		}
	}
	return nil
}

// StarvationThreshold returns the configured starvation threshold, or 0
// when unset (caller falls back to the default).
func (b *PolicyBundle) StarvationThreshold() time.Duration {
	if b.Scheduler.StarvationThresholdMs == nil {
		return 0
	}
	return time.Duration(*b.Scheduler.StarvationThresholdMs) * time.Millisecond
}

// EscalationMargin returns the configured deadline escalation margin, or 0
// when unset.
func (b *PolicyBundle) EscalationMargin() time.Duration {
	if b.Scheduler.EscalationMarginSecs == nil {
		return 0
	}
	return time.Duration(*b.Scheduler.EscalationMarginSecs * float64(time.Second))
}
