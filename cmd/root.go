package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ringo380/inferno-sub008/dispatch"
)

var (
	// CLI flags for the dispatch loop
	logLevel              string  // Log verbosity level
	policyPath            string  // Optional YAML policy bundle path
	numRequests           int     // Number of synthetic requests to enqueue
	modelID               string  // Model the worker pool serves
	minWorkers            int     // Worker pool lower bound
	maxWorkers            int     // Worker pool upper bound
	targetLatencyMs       float64 // Worker pool latency target
	starvationThresholdMs int64   // Fair scheduler aging threshold
	escalationMarginSecs  float64 // Deadline escalation margin
	assignTimeoutMs       int64   // Per-assignment capacity budget
	strategy              string  // Assignment strategy name
	deadlineEvery         int     // Every n-th request gets a tight deadline
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Admission-control and dispatch core for the serving runtime",
}

// runCmd drives a synthetic enqueue -> dequeue -> assign -> complete loop
// through every component and prints the resulting metrics.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic dispatch loop and report metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)

		var bundle *dispatch.PolicyBundle
		if policyPath != "" {
			bundle, err = dispatch.LoadPolicyBundle(policyPath)
			if err != nil {
				return err
			}
			if err := bundle.Validate(); err != nil {
				return fmt.Errorf("policy bundle %s: %w", policyPath, err)
			}
		}

		starvation := time.Duration(starvationThresholdMs) * time.Millisecond
		margin := time.Duration(escalationMarginSecs * float64(time.Second))
		strategyName := dispatch.AssignmentStrategy(strategy)
		if bundle != nil {
			if t := bundle.StarvationThreshold(); t > 0 {
				starvation = t
			}
			if m := bundle.EscalationMargin(); m > 0 {
				margin = m
			}
			if bundle.Balancer.Strategy != "" {
				strategyName = dispatch.AssignmentStrategy(bundle.Balancer.Strategy)
			}
		}

		scheduler := dispatch.NewFairScheduler(starvation, margin)
		collector := dispatch.NewMetricsCollector()

		pool, err := dispatch.NewWorkerPool(dispatch.WorkerPoolConfig{
			ModelID:         modelID,
			MinWorkers:      minWorkers,
			MaxWorkers:      maxWorkers,
			TargetLatencyMs: targetLatencyMs,
		})
		if err != nil {
			return err
		}

		balancer, err := dispatch.NewLoadBalancer(strategyName)
		if err != nil {
			return err
		}
		if bundle != nil {
			ceiling, floor := 0, 0.0
			if bundle.Balancer.QueueDepthCeiling != nil {
				ceiling = *bundle.Balancer.QueueDepthCeiling
			}
			if bundle.Balancer.MemoryFloorMB != nil {
				floor = *bundle.Balancer.MemoryFloorMB
			}
			balancer.SetBackpressureThresholds(ceiling, floor)
		}
		for _, w := range pool.Workers() {
			balancer.RegisterWorker(w.ID)
		}

		gate := dispatch.NewBackpressureGate(balancer)
		availableMemoryMB := 8192.0

		logrus.Infof("dispatching %d synthetic requests to model %s (%d-%d workers, strategy=%s)",
			numRequests, modelID, minWorkers, maxWorkers, strategyName)

		// Admission: cycle through the four priority classes; every
		// deadlineEvery-th request carries a tight deadline.
		classes := dispatch.Priorities()
		admitted := 0
		for i := 0; i < numRequests; i++ {
			priority := classes[i%len(classes)]
			deadlineSecs := 0.0
			if deadlineEvery > 0 && i%deadlineEvery == 0 {
				deadlineSecs = 1.0
			}
			req := dispatch.NewRequestMetadata(
				fmt.Sprintf("req-%04d", i),
				fmt.Sprintf("user-%d", i%7),
				priority, modelID, deadlineSecs,
			)
			if ok, reason := gate.Admit(req, scheduler.QueueDepth(), availableMemoryMB); !ok {
				logrus.Warnf("request %s shed at admission: %s", req.RequestID, reason)
				continue
			}
			scheduler.Enqueue(req)
			collector.RecordQueued(priority)
			admitted++
		}
		collector.RecordQueueDepth(scheduler.QueueDepth())

		// Drain: dequeue, assign within the timeout budget, report the
		// completion back in, and run one auto-scale step per batch.
		assignBudget := time.Duration(assignTimeoutMs) * time.Millisecond
		dispatched := 0
		for {
			req, ok := scheduler.Dequeue()
			if !ok {
				break
			}
			assignment, ok := balancer.AssignRequest(req, assignBudget)
			if !ok {
				logrus.Warnf("no worker within budget for %s, dropping", req.RequestID)
				continue
			}
			pool.AssignRequest(assignment.AssignedWorkerID)

			waitMs := float64(req.WaitTime(time.Now())) / float64(time.Millisecond)
			collector.RecordProcessed(req.Priority, waitMs)
			collector.RecordQueueDepth(scheduler.QueueDepth())
			dispatched++

			// Completion frees the worker slot; push the updated load.
			for _, w := range balancer.WorkerStates() {
				if w.ID == assignment.AssignedWorkerID {
					depth := w.QueueDepth - 1
					if depth < 0 {
						depth = 0
					}
					balancer.UpdateWorkerMetrics(w.ID, depth, targetLatencyMs/2, availableMemoryMB)
					pool.UpdateWorkerMetrics(w.ID, depth, targetLatencyMs/2, availableMemoryMB)
				}
			}

			if dispatched%10 == 0 {
				delta := pool.AutoScale(scheduler.QueueDepth(), targetLatencyMs/2, availableMemoryMB)
				if delta > 0 {
					for _, w := range pool.Workers() {
						balancer.RegisterWorker(w.ID)
					}
				}
			}
		}

		snapshot := collector.Snapshot(scheduler.QueueDepth())
		fairness := scheduler.FairnessStats()

		logrus.Infof("admitted=%d dispatched=%d", admitted, dispatched)
		logrus.Infof("processed=%d throughput=%.1f req/s avg_depth=%.1f max_depth=%d",
			snapshot.TotalProcessed, snapshot.ThroughputPerSec, snapshot.AvgQueueDepth, snapshot.MaxQueueDepth)
		for _, class := range dispatch.Priorities() {
			stats := snapshot.PerPriority[class]
			logrus.Infof("  %-6s processed=%d avg_wait=%.2fms p95=%.2fms p99=%.2fms",
				class, stats.Processed, stats.AvgWaitMs, stats.P95WaitMs, stats.P99WaitMs)
		}
		logrus.Infof("fairness score=%.3f (within SLA %d/%d, aged=%d)",
			fairness.FairnessScore, fairness.WithinSLA, fairness.TotalDequeued, fairness.AgedRequests)
		logrus.Infof("backpressure: %s", balancer.CheckBackpressure(scheduler.QueueDepth(), availableMemoryMB))
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	runCmd.Flags().StringVar(&policyPath, "policy", "", "Path to YAML policy bundle")
	runCmd.Flags().IntVar(&numRequests, "requests", 50, "Number of synthetic requests")
	runCmd.Flags().StringVar(&modelID, "model", "default", "Model id the worker pool serves")
	runCmd.Flags().IntVar(&minWorkers, "min-workers", 2, "Minimum pool size")
	runCmd.Flags().IntVar(&maxWorkers, "max-workers", 8, "Maximum pool size")
	runCmd.Flags().Float64Var(&targetLatencyMs, "target-latency-ms", 250, "Pool latency target in ms")
	runCmd.Flags().Int64Var(&starvationThresholdMs, "starvation-threshold-ms", 5000, "Aging threshold in ms")
	runCmd.Flags().Float64Var(&escalationMarginSecs, "escalation-margin-secs", 5, "Deadline escalation margin in seconds")
	runCmd.Flags().Int64Var(&assignTimeoutMs, "assign-timeout-ms", 1000, "Per-assignment capacity budget in ms")
	runCmd.Flags().StringVar(&strategy, "strategy", "least-loaded", "Assignment strategy: least-loaded, round-robin")
	runCmd.Flags().IntVar(&deadlineEvery, "deadline-every", 10, "Give every n-th request a 1s deadline (0 disables)")

	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
