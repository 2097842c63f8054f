package jobq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/reactor-jobq/internal/reactor"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// Payload is the work carried by a job. Execute runs on a worker thread.
// Cleanup runs exactly once, on whichever side finalizes the job.
type Payload interface {
	Execute(ctx context.Context) error
	Cleanup()
}

// Func adapts a function to a Payload with no cleanup.
type Func func(ctx context.Context) error

func (f Func) Execute(ctx context.Context) error { return f(ctx) }
func (Func) Cleanup()                            {}

// Funcs builds a Payload from separate execute and cleanup functions.
type Funcs struct {
	Exec  func(ctx context.Context) error
	Clean func()
}

func (f Funcs) Execute(ctx context.Context) error {
	if f.Exec == nil {
		return nil
	}
	return f.Exec(ctx)
}

func (f Funcs) Cleanup() {
	if f.Clean != nil {
		f.Clean()
	}
}

// Result is delivered on the reactor goroutine once per job.
type Result struct {
	JobID    types.JobID
	Queue    string
	Outcome  types.Outcome
	Err      error
	Wait     time.Duration // creation to start of execution
	Run      time.Duration // start of execution to finalization
	Executor uint64        // worker id, 0 if the job never started
	ThreadID int
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithDeadline sets the absolute time after which the job is timed out.
func WithDeadline(t time.Time) JobOption {
	return func(j *Job) { j.deadline = t }
}

// WithTimeout sets the deadline relative to job creation.
func WithTimeout(d time.Duration) JobOption {
	return func(j *Job) { j.timeout = d }
}

// WithCompletion sets the continuation invoked on the reactor goroutine.
func WithCompletion(fn func(Result)) JobOption {
	return func(j *Job) { j.onDone = fn }
}

// WithContext sets the parent of the context passed to Execute.
func WithContext(ctx context.Context) JobOption {
	return func(j *Job) { j.parent = ctx }
}

var jobSeq atomic.Uint64

// Job is a unit of work submitted to a Queue.
type Job struct {
	id       types.JobID
	payload  Payload
	deadline time.Time
	timeout  time.Duration
	onDone   func(Result)
	parent   context.Context

	ctx    context.Context
	cancel context.CancelCauseFunc

	createNS     int64
	startNS      atomic.Int64
	finishNS     atomic.Int64
	executor     atomic.Pointer[worker]
	timeoutFired atomic.Bool
	inFlight     atomic.Int32 // finalizer gate
	cleanedUp    atomic.Bool
	queued       atomic.Bool

	next  *Job // guarded by the owning queue's mu
	queue atomic.Pointer[Queue]
	timer atomic.Pointer[reactor.Timer]

	// written by the finalizer before the job is posted to the bridge
	result Result
}

// NewJob wraps p into a job. The creation timestamp is taken here.
func NewJob(p Payload, opts ...JobOption) *Job {
	j := &Job{
		id:       types.JobID(jobSeq.Add(1)),
		payload:  p,
		parent:   context.Background(),
		createNS: hrtime(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.deadline.IsZero() && j.timeout > 0 {
		j.deadline = time.Now().Add(j.timeout)
	}
	j.ctx, j.cancel = context.WithCancelCause(j.parent)
	return j
}

func (j *Job) ID() types.JobID { return j.id }

// Deadline returns the job's deadline, if it has one.
func (j *Job) Deadline() (time.Time, bool) {
	return j.deadline, !j.deadline.IsZero()
}

// CreatedAt, StartedAt and FinishedAt are monotonic nanosecond readings;
// zero means the event has not happened.
func (j *Job) CreatedAt() int64  { return j.createNS }
func (j *Job) StartedAt() int64  { return j.startNS.Load() }
func (j *Job) FinishedAt() int64 { return j.finishNS.Load() }

// Executor returns the id of the worker that ran (or is running) the job.
func (j *Job) Executor() uint64 {
	if w := j.executor.Load(); w != nil {
		return w.id
	}
	return 0
}

// TimedOut reports whether the deadline timer finalized the job.
func (j *Job) TimedOut() bool { return j.timeoutFired.Load() }

// Queue returns the queue the job was enqueued on, or nil.
func (j *Job) Queue() *Queue { return j.queue.Load() }

func (j *Job) claim() bool     { return j.inFlight.CompareAndSwap(0, 1) }
func (j *Job) finalized() bool { return j.inFlight.Load() != 0 }

func (j *Job) runCleanup(logger *slog.Logger) {
	if !j.cleanedUp.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job cleanup panicked", "job", j.id, "panic", r)
		}
	}()
	j.payload.Cleanup()
}

// setResult fills in the outcome. Only the gate winner calls it.
func (j *Job) setResult(q *Queue, outcome types.Outcome, err error, wait, run int64) {
	r := Result{
		JobID:   j.id,
		Queue:   q.name,
		Outcome: outcome,
		Err:     err,
		Wait:    time.Duration(wait),
		Run:     time.Duration(run),
	}
	if w := j.executor.Load(); w != nil {
		r.Executor = w.id
		r.ThreadID = w.threadID()
	}
	j.result = r
}
