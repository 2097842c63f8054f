// ============================================================================
// Job Queue - FIFO + worker pool state
// ============================================================================
//
// Package: internal/jobq
// File: queue.go
// Function: Pending job list, pool sizing state and aggregate statistics
//           for one named queue.
//
// Locking:
//   - mu guards the pending list, closed and the worker table
//   - backlog changes under mu together with the list; pop also bumps
//     inflight there, but workers drop it atomically outside mu
//   - everything else on the hot path is atomic
//
// Shutdown (Destroy):
//   1. mark closed, Enqueue now fails with ErrQueueClosed
//   2. post one retirement token per desired worker
//   3. drain what is left per DrainPolicy
//   4. wait for workers to exit, bounded by ctx
//
// ============================================================================

package jobq

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// DrainPolicy decides what Destroy does with jobs still pending.
type DrainPolicy int

const (
	// DrainRun executes the remaining jobs on the destroying goroutine.
	DrainRun DrainPolicy = iota
	// DrainDiscard finalizes them as failed with ErrQueueDestroyed.
	DrainDiscard
)

func (p DrainPolicy) String() string {
	if p == DrainDiscard {
		return "discard"
	}
	return "run"
}

// ParseDrainPolicy maps "run" or "discard" to a DrainPolicy.
func ParseDrainPolicy(s string) (DrainPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "run":
		return DrainRun, nil
	case "discard":
		return DrainDiscard, nil
	}
	return DrainRun, fmt.Errorf("jobq: unknown drain policy %q", s)
}

// QueueOption configures a Queue at creation.
type QueueOption func(*Queue)

// WithWorkerEnv gives every worker a value created when it starts and
// released when it exits. Payloads read it with WorkerEnv.
func WithWorkerEnv(newEnv func(workerID uint64) any, release func(env any)) QueueOption {
	return func(q *Queue) {
		q.newEnv = newEnv
		q.releaseEnv = release
	}
}

// WithDrainPolicy sets what Destroy does with pending jobs.
func WithDrainPolicy(p DrainPolicy) QueueOption {
	return func(q *Queue) { q.drain = p }
}

// Queue is a named FIFO of jobs served by a pool of workers.
type Queue struct {
	name   string
	logger *slog.Logger
	bridge *Bridge

	newEnv     func(workerID uint64) any
	releaseEnv func(env any)
	drain      DrainPolicy

	mu      sync.Mutex
	head    *Job
	tail    *Job
	closed  bool
	workers map[uint64]*worker

	sem *semaphore
	wg  sync.WaitGroup

	concurrency        atomic.Int64
	desiredConcurrency atomic.Int64
	pendingCancels     atomic.Int64
	backlog            atomic.Int64
	inflight           atomic.Int64
	totalJobs          atomic.Uint64
	timeouts           atomic.Uint64

	avgWait ewma
	avgRun  ewma
}

func newQueue(name string, bridge *Bridge, logger *slog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		name:    name,
		logger:  logger.With("queue", name),
		bridge:  bridge,
		workers: make(map[uint64]*worker),
		sem:     newSemaphore(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string { return q.name }

// Enqueue appends job to the tail and wakes one idle worker. It never
// blocks beyond the queue mutex and is safe from any goroutine. Deadlines
// are not armed here; use Registry.Submit for that.
func (q *Queue) Enqueue(job *Job) error {
	if job == nil || job.payload == nil {
		return ErrNilJob
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if !job.queued.CompareAndSwap(false, true) {
		q.mu.Unlock()
		return ErrJobReused
	}
	job.queue.Store(q)
	if q.tail == nil {
		q.head = job
	} else {
		q.tail.next = job
	}
	q.tail = job
	q.backlog.Add(1)
	q.totalJobs.Add(1)
	q.mu.Unlock()

	q.sem.post()
	return nil
}

// Dequeue blocks until the semaphore is posted, then pops the head. It
// returns nil when the wake-up was a retirement token rather than a job.
func (q *Queue) Dequeue() *Job {
	q.sem.wait()
	return q.pop()
}

// DequeueNowait pops the head without waiting. Returns nil if empty.
func (q *Queue) DequeueNowait() *Job {
	return q.pop()
}

func (q *Queue) pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.head
	if job == nil {
		return nil
	}
	q.head = job.next
	if q.head == nil {
		q.tail = nil
	}
	job.next = nil

	if q.backlog.Add(-1) < 0 {
		fatalf(q.logger, "queue %s: backlog underflow", q.name)
	}
	q.inflight.Add(1)
	return job
}

func (q *Queue) decInflight() {
	if q.inflight.Add(-1) < 0 {
		fatalf(q.logger, "queue %s: inflight underflow", q.name)
	}
}

// Destroy retires every worker and drains pending jobs. No Enqueue may
// succeed afterwards. It waits for workers to exit until ctx is done;
// a worker stuck in an orphaned payload keeps the wait open.
func (q *Queue) Destroy(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	q.mu.Unlock()

	retired := 0
	for q.DecreaseConcurrency() == nil {
		retired++
	}

	drained := 0
	drainer := &worker{id: workerSeq.Add(1), queue: q}
	drainer.tid.Store(int64(gettid()))
	for job := q.DequeueNowait(); job != nil; job = q.DequeueNowait() {
		if q.drain == DrainDiscard {
			q.discard(job)
		} else {
			drainer.runJob(job)
		}
		drained++
	}
	q.logger.Info("queue closing", "retired", retired, "drained", drained, "policy", q.drain.String())

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("queue destroyed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobq: destroy %s: %w", q.name, ctx.Err())
	}
}

// discard finalizes a never-started job as failed.
func (q *Queue) discard(job *Job) {
	q.decInflight()
	if !job.claim() {
		return // deadline already finalized it
	}
	now := hrtime()
	job.finishNS.Store(now)
	wait := now - job.createNS
	q.avgWait.observe(float64(wait))
	q.avgRun.observe(0)
	job.setResult(q, types.OutcomeFailed, ErrQueueDestroyed, wait, 0)
	job.cancel(ErrQueueDestroyed)
	job.runCleanup(q.logger)
	q.bridge.post(job)
}

// Closed reports whether Destroy has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats reads the queue's counters under its lock.
func (q *Queue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return types.QueueStats{
		Name:               q.name,
		Backlog:            q.backlog.Load(),
		InFlight:           q.inflight.Load(),
		TotalJobs:          q.totalJobs.Load(),
		Timeouts:           q.timeouts.Load(),
		AvgWaitNS:          q.avgWait.value(),
		AvgRunNS:           q.avgRun.value(),
		Concurrency:        q.concurrency.Load(),
		DesiredConcurrency: q.desiredConcurrency.Load(),
		PendingCancels:     q.pendingCancels.Load(),
		Workers:            q.workerStatsLocked(),
	}
}

// Workers lists live workers and the job each one is running.
func (q *Queue) Workers() []types.WorkerStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workerStatsLocked()
}

func (q *Queue) workerStatsLocked() []types.WorkerStats {
	out := make([]types.WorkerStats, 0, len(q.workers))
	for _, w := range q.workers {
		out = append(out, w.stats())
	}
	slices.SortFunc(out, func(a, b types.WorkerStats) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
