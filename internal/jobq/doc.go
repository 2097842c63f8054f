// ============================================================================
// Job Queue - worker thread pools behind a single-threaded reactor
// ============================================================================
//
// Package: internal/jobq
// Function: Lets code running on a reactor.Loop hand blocking or long work
//           to pools of OS-thread-pinned workers and get the outcome back on
//           the loop goroutine.
//
// Components:
//   ┌────────────┐ Submit  ┌───────────┐ sem  ┌──────────┐
//   │  caller    │ ──────> │   Queue   │ ───> │ worker N │ (LockOSThread)
//   │ (reactor)  │         │  FIFO     │      └────┬─────┘
//   └─────▲──────┘         └───────────┘           │ finalize (CAS gate)
//         │                                         ▼
//         │  ConsumeAvailable               ┌──────────────┐
//         └──────────────────────────────── │    Bridge    │
//                                           └──────▲───────┘
//   deadline timer (reactor) ── ExecuteTimeout ────┘
//
// Finalization:
//   A job is finalized exactly once, by whichever of the worker or the
//   deadline timer wins Job.inFlight (CAS 0 -> 1). The winner records the
//   outcome, runs Cleanup and posts the job to the Bridge. A worker that
//   loses keeps running the orphaned payload to completion and discards
//   its result; it is never interrupted.
//
// Pool sizing:
//   IncreaseConcurrency spawns one worker. DecreaseConcurrency posts a
//   retirement token; some worker claims it at its next idle point and
//   exits. Nothing is killed mid-job.
//
// Statistics:
//   Hot counters are atomics. Average wait and run times are exponentially
//   smoothed with factor 0.8 on every finalization, timeouts included.
//
// ============================================================================
package jobq
