// Package orchestrator runs a plan of dependency-gated phases under a budget.
//
// # Overview
//
// The Coordinator is a single-threaded loop. For each ready phase it:
//
//	Activate → Size check → Route → Dispatch → Gate → Complete
//
// Work items are dispatched in parallel through the dispatch package while
// the coordinator credits usage to the budget meter as each completion
// arrives. The loop itself never runs concurrently with itself, so phase
// status transitions are strictly sequential.
//
// # Budget zones
//
// Entering Red stops dispatching, drains in-flight items up to the drain
// timeout, writes a checkpoint, and suspends the run (exit code 2). Entering
// Yellow writes a proactive checkpoint and keeps going when a large share of
// the phase is still outstanding.
//
// # Failures
//
// A permanently failed item, a routing error, or an unmet success criterion
// blocks the phase. Phases that do not depend on the blocked phase still
// run; the run ends Blocked (exit code 1) once nothing else is ready.
//
// # Resume
//
// Resume consumes a checkpoint: completed items are never re-dispatched, the
// in-progress item runs again from scratch, and the remaining items follow
// in their original order.
//
// # Usage
//
//	coord, err := orchestrator.New(pool, store,
//	    orchestrator.WithLogger(logger),
//	    orchestrator.WithDrainTimeout(30*time.Second),
//	)
//	report := coord.Run(ctx, p)
//	os.Exit(report.ExitCode())
package orchestrator
