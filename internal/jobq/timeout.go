package jobq

import "github.com/ChuLiYu/reactor-jobq/pkg/types"

// ExecuteTimeout is the deadline timer callback. It must run on the reactor
// goroutine. If the worker has not finalized the job yet, the job is
// finalized here as timed out and the worker, if any, is left running.
func (q *Queue) ExecuteTimeout(job *Job) {
	if !job.claim() {
		return
	}
	job.timeoutFired.Store(true)
	q.timeouts.Add(1)

	now := hrtime()
	job.finishNS.Store(now)
	var wait, run int64
	if start := job.startNS.Load(); start != 0 {
		wait, run = start-job.createNS, now-start
	} else {
		wait = now - job.createNS
	}
	q.avgWait.observe(float64(wait))
	q.avgRun.observe(float64(run))

	job.setResult(q, types.OutcomeTimedOut, ErrTimedOut, wait, run)
	job.cancel(ErrTimedOut)

	attrs := []any{"job", job.id, "waited", job.result.Wait, "ran", job.result.Run}
	if w := job.executor.Load(); w != nil {
		attrs = append(attrs, "worker", w.id, "tid", w.threadID())
	} else {
		attrs = append(attrs, "state", "queued")
	}
	q.logger.Warn("job timed out", attrs...)

	job.runCleanup(q.logger)
	q.bridge.post(job)
}
