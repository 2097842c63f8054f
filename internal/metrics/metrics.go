// ============================================================================
// Job Queue Metrics - Prometheus exposition
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Exposes per-queue statistics and per-job outcomes to Prometheus.
//
// Metric families:
//
//   1. Scraped from the registry on every collection (const metrics):
//      - jobq_backlog{queue}               jobs waiting for a worker
//      - jobq_inflight{queue}              jobs executing, orphans included
//      - jobq_concurrency{queue}           live workers
//      - jobq_desired_concurrency{queue}   target worker count
//      - jobq_pending_cancels{queue}       workers flagged to retire
//      - jobq_avg_wait_seconds{queue}      smoothed wait estimate
//      - jobq_avg_run_seconds{queue}       smoothed run estimate
//      - jobq_jobs_total{queue}            accepted jobs (counter)
//      - jobq_timeouts_total{queue}        deadline finalizations (counter)
//
//   2. Fed by the completion path (observer on the reactor):
//      - jobq_jobs_finished_total{queue,outcome}
//      - jobq_job_run_seconds{queue,outcome}
//      - jobq_job_wait_seconds{queue}
//
// Useful queries:
//
//   # timeout ratio per queue
//   rate(jobq_timeouts_total[5m]) / rate(jobq_jobs_total[5m])
//
//   # workers needed to keep backlog flat
//   jobq_backlog / jobq_concurrency
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/reactor-jobq/internal/jobq"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

const namespace = "jobq"

// StatsSource provides point-in-time queue statistics.
type StatsSource interface {
	Stats() []types.QueueStats
}

type queueGauge struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(types.QueueStats) float64
}

// Collector 指標收集器
type Collector struct {
	source StatsSource
	gauges []queueGauge

	jobsFinished *prometheus.CounterVec
	runLatency   *prometheus.HistogramVec
	waitLatency  *prometheus.HistogramVec
}

// NewCollector creates a collector reading queue statistics from source.
// source may be nil until SetSource is called.
func NewCollector(source StatsSource) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"queue"}, nil)
	}
	seconds := func(ns float64) float64 { return ns / float64(time.Second) }

	return &Collector{
		source: source,
		gauges: []queueGauge{
			{desc("backlog", "Jobs queued but not yet started"), prometheus.GaugeValue,
				func(s types.QueueStats) float64 { return float64(s.Backlog) }},
			{desc("inflight", "Jobs currently executing on a worker"), prometheus.GaugeValue,
				func(s types.QueueStats) float64 { return float64(s.InFlight) }},
			{desc("concurrency", "Live worker threads"), prometheus.GaugeValue,
				func(s types.QueueStats) float64 { return float64(s.Concurrency) }},
			{desc("desired_concurrency", "Target worker thread count"), prometheus.GaugeValue,
				func(s types.QueueStats) float64 { return float64(s.DesiredConcurrency) }},
			{desc("pending_cancels", "Workers flagged to retire but not yet exited"), prometheus.GaugeValue,
				func(s types.QueueStats) float64 { return float64(s.PendingCancels) }},
			{desc("avg_wait_seconds", "Smoothed time from creation to start"), prometheus.GaugeValue,
				func(s types.QueueStats) float64 { return seconds(s.AvgWaitNS) }},
			{desc("avg_run_seconds", "Smoothed time from start to finalization"), prometheus.GaugeValue,
				func(s types.QueueStats) float64 { return seconds(s.AvgRunNS) }},
			{desc("jobs_total", "Jobs accepted by the queue"), prometheus.CounterValue,
				func(s types.QueueStats) float64 { return float64(s.TotalJobs) }},
			{desc("timeouts_total", "Jobs finalized by their deadline"), prometheus.CounterValue,
				func(s types.QueueStats) float64 { return float64(s.Timeouts) }},
		},
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs delivered to their continuation, by outcome",
		}, []string{"queue", "outcome"}),
		runLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_seconds",
			Help:      "Execution time until finalization",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "outcome"}),
		waitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_wait_seconds",
			Help:      "Time spent queued before a worker picked the job up",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}
}

// SetSource attaches the statistics source. Call before registering.
func (c *Collector) SetSource(source StatsSource) {
	c.source = source
}

// Register adds every metric family to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c, c.jobsFinished, c.runLatency, c.waitLatency} {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("metrics: register: %w", err)
		}
	}
	return nil
}

// Describe implements prometheus.Collector for the scraped families.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

// Collect implements prometheus.Collector for the scraped families.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	for _, s := range c.source.Stats() {
		for _, g := range c.gauges {
			ch <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(s), s.Name)
		}
	}
}

// JobFinished records one delivered result. It implements jobq.Observer.
func (c *Collector) JobFinished(r jobq.Result) {
	outcome := string(r.Outcome)
	c.jobsFinished.WithLabelValues(r.Queue, outcome).Inc()
	c.runLatency.WithLabelValues(r.Queue, outcome).Observe(r.Run.Seconds())
	if r.Executor != 0 {
		c.waitLatency.WithLabelValues(r.Queue).Observe(r.Wait.Seconds())
	}
}

// StartServer serves /metrics from g on port until ctx is done.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics server listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
