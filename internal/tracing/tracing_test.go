package tracing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ChuLiYu/reactor-jobq/internal/jobq"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

func setupObserver() (*tracetest.SpanRecorder, *Observer, time.Time) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	o := NewObserver(tp)
	end := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return end }
	return sr, o, end
}

func spanNamed(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func TestCompletedJobSpans(t *testing.T) {
	sr, o, end := setupObserver()
	o.JobFinished(jobq.Result{
		JobID: 7, Queue: "io", Outcome: types.OutcomeCompleted,
		Wait: 3 * time.Millisecond, Run: 10 * time.Millisecond, Executor: 2, ThreadID: 4242,
	})

	spans := sr.Ended()
	require.Len(t, spans, 2)

	job := spanNamed(spans, "jobq.job")
	require.NotNil(t, job)
	assert.Equal(t, end.Add(-13*time.Millisecond), job.StartTime())
	assert.Equal(t, end, job.EndTime())
	assert.Equal(t, codes.Ok, job.Status().Code)
	assert.Contains(t, job.Attributes(), attribute.String("jobq.job.id", "7"))
	assert.Contains(t, job.Attributes(), attribute.String("jobq.outcome", "completed"))

	exec := spanNamed(spans, "jobq.job.execute")
	require.NotNil(t, exec)
	assert.Equal(t, job.SpanContext().SpanID(), exec.Parent().SpanID())
	assert.Equal(t, end.Add(-10*time.Millisecond), exec.StartTime())
	assert.Contains(t, exec.Attributes(), attribute.Int("jobq.worker.tid", 4242))
}

func TestTimedOutWhileQueued(t *testing.T) {
	sr, o, _ := setupObserver()
	o.JobFinished(jobq.Result{
		JobID: 1, Queue: "q1", Outcome: types.OutcomeTimedOut,
		Err: jobq.ErrTimedOut, Wait: 5 * time.Millisecond,
	})

	spans := sr.Ended()
	require.Len(t, spans, 1, "no execute span without a worker")
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestFailedWithoutError(t *testing.T) {
	sr, o, _ := setupObserver()
	o.JobFinished(jobq.Result{Queue: "q1", Outcome: types.OutcomeFailed, Executor: 1})
	job := spanNamed(sr.Ended(), "jobq.job")
	require.NotNil(t, job)
	assert.Equal(t, codes.Error, job.Status().Code)
	assert.Equal(t, "failed", job.Status().Description)
}
