// Package timer provides tickd's deferred-execution scheduler.
//
// # Overview
//
// Callers register one-shot or repeating callbacks with a delay or interval.
// A single background loop waits for the next deadline, pops expired timers,
// re-arms repeating ones, and hands the callbacks to a worker-pool executor
// so a slow callback can never stall timekeeping.
//
// # Timer ids
//
// Every schedule call returns a non-zero uint64 id, assigned from a
// monotonically increasing counter scoped to the Service. Id 0 is the
// "nothing was scheduled" sentinel, returned when the service is not running.
//
// # Ordering and drift
//
// Timers fire in deadline order; equal deadlines fire in insertion order.
// Repeating timers re-arm from the previous scheduled deadline (not from the
// wall clock at fire time), so execution jitter does not accumulate as drift.
//
// # Overflow
//
// Submission to the executor is non-blocking. If the executor queue is full
// the callback for that firing is dropped, a counter is incremented, and a
// rate-limited warning is logged. Bookkeeping (re-arming, store consistency)
// is unaffected by drops.
//
// # Lifecycle
//
// Start/Stop can be toggled at runtime. Stop joins the background loop,
// stops the executor and clears all pending timers, so a later Start begins
// from an empty schedule.
package timer
