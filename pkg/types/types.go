// Package types defines the reporting shapes shared by the job queue core,
// the admin API and the snapshot store.
package types

import (
	"time"
)

// JobID 任務唯一識別碼, assigned from a process-wide counter.
type JobID uint64

// Outcome is the finalization result delivered for a job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // payload returned nil
	OutcomeFailed    Outcome = "failed"    // payload returned an error or panicked
	OutcomeTimedOut  Outcome = "timed_out" // deadline fired before the payload finished
)

// Outcomes lists every outcome, in a stable order for metrics.
var Outcomes = []Outcome{OutcomeCompleted, OutcomeFailed, OutcomeTimedOut}

// QueueStats is a point-in-time view of one job queue.
type QueueStats struct {
	Name               string        `json:"name"`
	Backlog            int64         `json:"backlog"`
	InFlight           int64         `json:"inflight"`
	TotalJobs          uint64        `json:"total_jobs"`
	Timeouts           uint64        `json:"timeouts"`
	AvgWaitNS          float64       `json:"avg_wait_ns"`
	AvgRunNS           float64       `json:"avg_run_ns"`
	Concurrency        int64         `json:"concurrency"`
	DesiredConcurrency int64         `json:"desired_concurrency"`
	PendingCancels     int64         `json:"pending_cancels"`
	Workers            []WorkerStats `json:"workers,omitempty"`
}

// WorkerStats describes one live worker.
type WorkerStats struct {
	ID        uint64 `json:"id"`
	ThreadID  int    `json:"thread_id"`
	ActiveJob JobID  `json:"active_job,omitempty"` // 0 when idle
}

// SnapshotData 快照資料, a periodic dump of every queue's statistics.
type SnapshotData struct {
	Seq       uint64       `json:"seq"`
	TakenAt   time.Time    `json:"taken_at"`
	SchemaVer int          `json:"schema_ver"`
	Queues    []QueueStats `json:"queues"`
}
