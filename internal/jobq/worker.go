// ============================================================================
// Worker Loop - Job Execution Unit
// ============================================================================
//
// Package: internal/jobq
// File: worker.go
// Function: Body of each worker. A worker is a goroutine locked to its own
//           OS thread for its whole life, so blocking payloads never share
//           a thread with the reactor.
//
// State machine:
//   Idle ──Dequeue──> Running ──> Idle
//                        │
//                        └──pending retirement──> Exited
//
// Per job:
//   1. record start time, publish executor and active job
//   2. skip it if the deadline already finalized it while queued
//   3. run the payload (panics become *PanicError)
//   4. win the finalizer gate: record stats, cleanup, post to the bridge
//      lose it: the deadline got there first, drop the result
//
// ============================================================================

package jobq

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

type worker struct {
	id     uint64
	queue  *Queue
	tid    atomic.Int64
	active atomic.Pointer[Job]
	env    any
}

func (w *worker) threadID() int { return int(w.tid.Load()) }

func (w *worker) stats() types.WorkerStats {
	s := types.WorkerStats{ID: w.id, ThreadID: w.threadID()}
	if j := w.active.Load(); j != nil {
		s.ActiveJob = j.id
	}
	return s
}

func (w *worker) run() {
	// Never unlocked: the OS thread is torn down when this goroutine exits.
	runtime.LockOSThread()
	w.tid.Store(int64(gettid()))

	q := w.queue
	if q.newEnv != nil {
		w.env = q.newEnv(w.id)
	}
	q.logger.Info("worker started", "worker", w.id, "tid", w.threadID())
	defer w.exit()

	for {
		if job := q.Dequeue(); job != nil {
			w.runJob(job)
		}
		if q.claimRetirement() {
			return
		}
	}
}

func (w *worker) exit() {
	q := w.queue
	if q.releaseEnv != nil && w.env != nil {
		q.releaseEnv(w.env)
	}

	q.mu.Lock()
	delete(q.workers, w.id)
	q.mu.Unlock()

	if q.concurrency.Add(-1) < 0 {
		fatalf(q.logger, "queue %s: concurrency underflow", q.name)
	}
	q.logger.Info("worker exited", "worker", w.id, "tid", w.threadID())
	q.wg.Done()
}

func (w *worker) runJob(job *Job) {
	q := w.queue
	if job.finalized() {
		q.decInflight()
		q.logger.Debug("skipping job finalized while queued", "job", job.id)
		return
	}

	start := hrtime()
	job.startNS.Store(start)
	job.executor.Store(w)
	w.active.Store(job)
	defer w.active.Store(nil)

	err := w.execute(job)
	q.decInflight()

	if !job.claim() {
		// orphaned: the timeout already reported this job
		job.cancel(nil)
		q.logger.Debug("discarding orphaned job result", "job", job.id, "worker", w.id, "error", err)
		return
	}

	finish := hrtime()
	job.finishNS.Store(finish)
	wait, run := start-job.createNS, finish-start
	q.avgWait.observe(float64(wait))
	q.avgRun.observe(float64(run))

	outcome := types.OutcomeCompleted
	if err != nil {
		outcome = types.OutcomeFailed
	}
	job.setResult(q, outcome, err, wait, run)
	job.cancel(nil)
	job.runCleanup(q.logger)
	q.bridge.post(job)
}

func (w *worker) execute(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			w.queue.logger.Error("payload panicked", "job", job.id, "worker", w.id, "panic", r)
		}
	}()
	return job.payload.Execute(context.WithValue(job.ctx, workerKey{}, w))
}

// IsPanic reports whether err came from a recovered payload panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
