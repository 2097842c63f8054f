package controller

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/reactor-jobq/internal/jobq"
	"github.com/ChuLiYu/reactor-jobq/internal/snapshot"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// createTestController starts a controller with one queue "q1" and stops it
// when the test ends.
func createTestController(t *testing.T, mutate func(*Config)) (*Controller, *prometheus.Registry) {
	t.Helper()

	config := Config{
		Queues:           []QueueConfig{{Name: "q1", Concurrency: 1}},
		ShutdownTimeout:  2 * time.Second,
		SnapshotBackend:  "file",
		SnapshotPath:     filepath.Join(t.TempDir(), "stats.json"),
		SnapshotInterval: time.Hour,
		HealthInterval:   10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}

	reg := prometheus.NewRegistry()
	ctrl, err := NewController(config, reg)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, ctrl.Stop(context.Background()))
	})
	return ctrl, reg
}

func queueStats(t *testing.T, ctrl *Controller, name string) types.QueueStats {
	t.Helper()
	for _, st := range ctrl.Stats() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("queue %s not found", name)
	return types.QueueStats{}
}

func sleeper(d time.Duration, results chan<- jobq.Result, opts ...jobq.JobOption) *jobq.Job {
	opts = append(opts, jobq.WithCompletion(func(r jobq.Result) { results <- r }))
	return jobq.NewJob(jobq.Func(func(context.Context) error {
		time.Sleep(d)
		return nil
	}), opts...)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestControllerLifecycle(t *testing.T) {
	ctrl, err := NewController(Config{}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, ctrl.Submit("q", sleeper(0, nil)), ErrNotStarted)
	require.NoError(t, ctrl.Start(context.Background()))
	assert.ErrorIs(t, ctrl.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, ctrl.Stop(context.Background()))
	require.NoError(t, ctrl.Stop(context.Background()))
	assert.ErrorIs(t, ctrl.Start(context.Background()), ErrStopped)
	assert.Nil(t, ctrl.Snapshots())
}

func TestStopWithoutStart(t *testing.T) {
	ctrl, err := NewController(Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Stop(context.Background()))
}

// ============================================================================
// End-to-end scenarios
// ============================================================================

func TestBasicRoundTrip(t *testing.T) {
	ctrl, reg := createTestController(t, nil)

	results := make(chan jobq.Result, 1)
	require.NoError(t, ctrl.Submit("q1", sleeper(10*time.Millisecond, results)))

	select {
	case res := <-results:
		assert.Equal(t, types.OutcomeCompleted, res.Outcome)
		assert.Equal(t, "q1", res.Queue)
	case <-time.After(time.Second):
		t.Fatal("no completion")
	}

	st := queueStats(t, ctrl, "q1")
	assert.Equal(t, uint64(1), st.TotalJobs)
	assert.Zero(t, st.Timeouts)

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "jobq_jobs_finished_total")
		return err == nil && n == 1
	}, time.Second, time.Millisecond)
}

func TestTimeoutRaceThroughController(t *testing.T) {
	ctrl, _ := createTestController(t, nil)

	var cleanups atomic.Int32
	results := make(chan jobq.Result, 2)
	job := jobq.NewJob(jobq.Funcs{
		Exec:  func(context.Context) error { time.Sleep(50 * time.Millisecond); return nil },
		Clean: func() { cleanups.Add(1) },
	}, jobq.WithTimeout(5*time.Millisecond), jobq.WithCompletion(func(r jobq.Result) { results <- r }))
	require.NoError(t, ctrl.Submit("q1", job))

	res := <-results
	assert.Equal(t, types.OutcomeTimedOut, res.Outcome)
	assert.Equal(t, uint64(1), queueStats(t, ctrl, "q1").Timeouts)

	require.Eventually(t, func() bool { return queueStats(t, ctrl, "q1").InFlight == 0 }, time.Second, time.Millisecond)
	select {
	case extra := <-results:
		t.Fatalf("unexpected second notification: %+v", extra)
	case <-time.After(10 * time.Millisecond):
	}
	assert.Equal(t, int32(1), cleanups.Load())
}

func TestBacklogUnderLoad(t *testing.T) {
	ctrl, _ := createTestController(t, nil)

	results := make(chan jobq.Result, 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, ctrl.Submit("q1", sleeper(10*time.Millisecond, results)))
	}
	require.Eventually(t, func() bool {
		st := queueStats(t, ctrl, "q1")
		return st.Backlog == 4 && st.InFlight == 1
	}, 100*time.Millisecond, 100*time.Microsecond)

	for i := 0; i < 5; i++ {
		<-results
	}
	require.Eventually(t, func() bool { return queueStats(t, ctrl, "q1").InFlight == 0 }, time.Second, time.Millisecond)
	st := queueStats(t, ctrl, "q1")
	assert.Zero(t, st.Backlog)
	assert.Equal(t, uint64(5), st.TotalJobs)
}

func TestSubmitCreatesQueueOnFirstUse(t *testing.T) {
	ctrl, _ := createTestController(t, func(c *Config) { c.DefaultConcurrency = 2 })

	results := make(chan jobq.Result, 1)
	require.NoError(t, ctrl.Submit("adhoc", sleeper(time.Millisecond, results)))
	<-results

	st := queueStats(t, ctrl, "adhoc")
	assert.Equal(t, int64(2), st.DesiredConcurrency)
}

// ============================================================================
// Admin surface
// ============================================================================

func TestResize(t *testing.T) {
	ctrl, _ := createTestController(t, nil)

	st, err := ctrl.Resize("q1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.DesiredConcurrency)
	require.Eventually(t, func() bool { return queueStats(t, ctrl, "q1").Concurrency == 4 }, time.Second, time.Millisecond)

	_, err = ctrl.Resize("q1", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return queueStats(t, ctrl, "q1").Concurrency == 1 }, time.Second, time.Millisecond)

	_, err = ctrl.Resize("nope", 1)
	assert.ErrorIs(t, err, jobq.ErrQueueNotFound)
}

func TestGetStatus(t *testing.T) {
	ctrl, _ := createTestController(t, nil)

	results := make(chan jobq.Result, 1)
	require.NoError(t, ctrl.Submit("q1", sleeper(time.Millisecond, results)))
	<-results

	require.Eventually(t, func() bool {
		return ctrl.GetStatus()["delivered"] == uint64(1)
	}, time.Second, time.Millisecond)
	status := ctrl.GetStatus()
	assert.Equal(t, 1, status["queues"])
	assert.Equal(t, uint64(1), status["total_jobs"])
	assert.Equal(t, uint64(0), status["dropped"])
}

func TestSnapshotOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	ctrl, err := NewController(Config{
		Queues:           []QueueConfig{{Name: "q1", Concurrency: 1}},
		SnapshotBackend:  "file",
		SnapshotPath:     path,
		SnapshotInterval: time.Hour,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	results := make(chan jobq.Result, 1)
	require.NoError(t, ctrl.Submit("q1", sleeper(time.Millisecond, results)))
	<-results
	require.NoError(t, ctrl.Stop(context.Background()))

	data, err := snapshot.NewFileStore(path, 0).Latest()
	require.NoError(t, err)
	require.Len(t, data.Queues, 1)
	assert.Equal(t, uint64(1), data.Queues[0].TotalJobs)
	assert.Zero(t, data.Queues[0].Concurrency)
	assert.Equal(t, uint64(1), data.Seq)
}

func TestBadgerSnapshots(t *testing.T) {
	ctrl, _ := createTestController(t, func(c *Config) {
		c.SnapshotBackend = "badger"
		c.SnapshotPath = filepath.Join(t.TempDir(), "badger")
		c.SnapshotRetention = 3
	})

	data, err := ctrl.Snapshots().Take()
	require.NoError(t, err)
	require.Len(t, data.Queues, 1)
	assert.Equal(t, "q1", data.Queues[0].Name)
}
