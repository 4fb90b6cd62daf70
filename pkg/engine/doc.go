// Package engine decides when a multi-stage asynchronous workflow has converged.
//
// # Overview
//
// A workflow instance provisions several independent backend resources
// (a repository, a proxy, infrastructure, dashboards, ...). Each resource
// settles on its own schedule and its status may be stale or even regress.
// The engine repeatedly samples every resource and evaluates the combined
// snapshot until a terminal verdict is reached or a timeout expires:
//
//  1. Sample - read the status of every resource (StatusSampler)
//  2. Assemble - build one Snapshot containing one Observation per resource
//  3. Evaluate - derive a Verdict from the snapshot alone (Evaluate)
//  4. Refresh - optionally re-render the status view (Refresher)
//  5. Sleep - wait one interval, capped at the time left before the deadline
//
// # Core Domain Types
//
//   - Resource: one observed sub-system, identified within its workflow
//   - ResourceSet: the fixed, non-empty list of resources that must converge
//   - Status: pending, in-progress, success or failed
//   - Snapshot: one time-coherent read of every resource
//   - Verdict: pending, success, partial-failure, failed or timed-out
//   - WorkflowOutcome: the final verdict with the latest snapshot and timing
//   - PollingPolicy: interval, timeout, refresh and tolerance settings per call
//
// # Evaluation
//
// Evaluate is a pure function. A failed resource wins over everything else,
// because a decisive failure must not be masked by resources still converging.
// Only when every resource succeeded is the verdict success. There is no
// memory across snapshots: a resource that regresses from success is reported
// as of the current tick.
//
// # Errors
//
// Sampling errors never end a poll. They are recorded as a pending observation
// with a transient error count, and a warning is logged when the same resource
// keeps failing. Only the timeout and context cancellation end a poll early.
// Configuration errors (empty resource set, invalid policy) are returned before
// the first sample.
//
// # Usage
//
//	set, _ := engine.NewResourceSetFromKinds("checkout-service",
//	    engine.KindGitHubRepository, engine.KindProxy, engine.KindInfrastructure)
//	poller := engine.NewPoller(sampler, engine.WithRefresher(refresher))
//	outcome, err := poller.WaitForConvergence(ctx, set, engine.DefaultPollingPolicy())
package engine
