// Package poolz provides an active worker pool: a process-resident set of
// pre-spawned workers that dequeue user-supplied tasks from a single shared
// FIFO backlog, execute them, and publish per-item completion state.
//
// # Overview
//
// poolz is for programs that need finer control than a generic runtime pool:
// bounded backlogs with enqueue backpressure, explicit waiting on individual
// items or batches, per-item abort before execution starts, elastic sizing
// tied to observed load, and per-item wall-clock and CPU diagnostics.
//
// # Core Concepts
//
//   - Pool: owns the backlog and the worker set, admits and dispatches tasks
//   - Item: the handle returned by every enqueue; the sole way to observe
//     completion, failure, abort, and timing for one task
//   - Child: a typed, bounded facade that groups a batch of items enqueued
//     into the same Pool and aggregates their durations
//
// Tasks are plain functions. A task that returns an error, or panics, marks
// its item as failed; the error never unwinds past the worker loop. Workers
// are pre-spawned and alive regardless of load. A spin-then-park discipline
// keeps dispatch latency low without burning CPU when the backlog is empty.
//
// # Usage Example
//
//	pool, err := poolz.New("uploads", poolz.Config{
//	    InitialWorkers: 4,
//	    MaxWorkers:     16,
//	    MaxBacklog:     256,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close()
//
//	item, err := pool.Enqueue(ctx, func() error {
//	    return upload(payload)
//	}, poolz.WithName("upload-1"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := item.Wait(ctx); err != nil {
//	    log.Fatal(err) // pool shut down while waiting
//	}
//	if item.HadError() {
//	    log.Printf("upload failed: %v", item.Err())
//	}
//
// Typed batches go through a child pool:
//
//	child := poolz.NewChild[string](pool, 32)
//	for _, path := range paths {
//	    _, err := child.Enqueue(ctx, path, func(p string) error {
//	        return index(p)
//	    })
//	    if err != nil {
//	        break
//	    }
//	}
//	if err := child.WaitAll(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if child.AnyFailed() {
//	    log.Print(child.ThrowAggregate())
//	}
//
// # Elastic Sizing
//
// A per-pool controller observes load on a periodic tick. Sustained overload
// (no idle worker and a backlog at least as deep as the worker set) grows the
// pool by one worker, with an exponentially rising threshold between
// successive growths. Sustained idleness shrinks it back down, never below
// the initial size and never above the configured maximum.
//
// # Semantics
//
//   - Dequeue order is FIFO; completion order is unconstrained
//   - Abort affects only items that have not started; a running task is
//     never preempted or cancelled
//   - Stop waits for in-flight tasks, discards the remaining backlog, and
//     fails blocked producers and waiters with ErrShuttingDown
//   - Multiple independent pools in one process are supported and isolated
//
// # Observability
//
// Every pool carries a metricz registry (enqueue/complete/fail/abort
// counters, backlog and worker gauges), a tracez tracer (a span per task
// execution), hookz event hooks (item completion, pool growth and shrink),
// and emits capitan signals for saturation and lifecycle transitions. Time
// is read through an injectable clockz clock, so elastic behavior is
// testable without wall-clock sleeps.
package poolz
