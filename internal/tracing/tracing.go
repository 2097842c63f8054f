// Package tracing turns delivered job results into OpenTelemetry spans.
//
// Spans are reconstructed after the fact from the result's wait and run
// durations, so payloads need no instrumentation. Without a configured
// TracerProvider the global noop tracer is used.
package tracing

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/reactor-jobq/internal/jobq"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

const tracerName = "github.com/ChuLiYu/reactor-jobq"

// Observer records one "jobq.job" span per result covering creation to
// finalization, with a "jobq.job.execute" child when a worker ran the job.
type Observer struct {
	tracer trace.Tracer
	now    func() time.Time
}

// NewObserver uses tp, or the global provider when tp is nil.
func NewObserver(tp trace.TracerProvider) *Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Observer{tracer: tp.Tracer(tracerName), now: time.Now}
}

func (o *Observer) JobFinished(r jobq.Result) {
	end := o.now()
	started := end.Add(-r.Run)
	created := started.Add(-r.Wait)

	attrs := []attribute.KeyValue{
		attribute.String("jobq.job.id", strconv.FormatUint(uint64(r.JobID), 10)),
		attribute.String("jobq.queue", r.Queue),
		attribute.String("jobq.outcome", string(r.Outcome)),
	}
	ctx, span := o.tracer.Start(context.Background(), "jobq.job",
		trace.WithTimestamp(created),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if r.Executor != 0 {
		_, exec := o.tracer.Start(ctx, "jobq.job.execute",
			trace.WithTimestamp(started),
			trace.WithAttributes(
				attribute.Int64("jobq.worker.id", int64(r.Executor)),
				attribute.Int("jobq.worker.tid", r.ThreadID),
			),
		)
		exec.End(trace.WithTimestamp(end))
	}

	switch {
	case r.Outcome == types.OutcomeCompleted:
		span.SetStatus(codes.Ok, "")
	case r.Err != nil:
		span.RecordError(r.Err, trace.WithTimestamp(end))
		span.SetStatus(codes.Error, r.Err.Error())
	default:
		span.SetStatus(codes.Error, string(r.Outcome))
	}
	span.End(trace.WithTimestamp(end))
}
