// Package dispatch implements the admission-control and dispatch core of the
// serving runtime: a deadline-aware priority queue, a fair scheduler with
// anti-starvation aging, an elastic per-model worker pool, a load balancer
// with backpressure classification, and a metrics collector observing all of
// them.
//
// The package decides WHEN a request runs and on WHICH worker. Actually
// executing inference, parsing wire protocols, and persisting queue state are
// the surrounding runtime's job: producers construct RequestMetadata and
// enqueue it, executors receive Assignments and report completions and worker
// load back in.
//
// Each component instance guards its own state with a single mutex; callers
// never share component internals by reference, only the value types defined
// here.
package dispatch
