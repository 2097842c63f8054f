// ============================================================================
// Controller - composition root
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Owns the reactor loop, the queue registry and every collaborator
//           around them, and brings them up and down in order.
//
// Components:
//   - reactor.Loop:      single goroutine running continuations and timers
//   - jobq.Registry:     named queues and their worker pools
//   - metrics.Collector: Prometheus view of the registry, fed by the bridge
//   - snapshot.Manager:  periodic statistics dumps (optional)
//   - tracing.Observer:  OpenTelemetry span per delivered result
//   - server.Server:     gRPC admin + health, refreshed by a reactor timer
//
// Startup:
//   1. start the loop goroutine
//   2. create the configured queues at their configured concurrency
//   3. start the snapshot loop and the recurring health refresh
//
// Shutdown (Stop):
//   1. stop the health timer
//   2. close the registry: retire workers, drain queues, bounded wait
//   3. stop the loop; continuations already posted still run once
//   4. final snapshot, stop admin server, close the store
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/reactor-jobq/internal/jobq"
	"github.com/ChuLiYu/reactor-jobq/internal/metrics"
	"github.com/ChuLiYu/reactor-jobq/internal/reactor"
	"github.com/ChuLiYu/reactor-jobq/internal/server"
	"github.com/ChuLiYu/reactor-jobq/internal/snapshot"
	"github.com/ChuLiYu/reactor-jobq/internal/tracing"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

var log = slog.Default()

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrNotStarted     = errors.New("controller not started")
	ErrStopped        = errors.New("controller stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// QueueConfig declares a queue created at startup.
type QueueConfig struct {
	Name        string
	Concurrency int
}

// Config Controller 配置
type Config struct {
	Queues             []QueueConfig
	DefaultConcurrency int              // workers for queues created on first use
	DrainPolicy        jobq.DrainPolicy // what Destroy does with pending jobs
	TaskBudget         int              // reactor tasks per tick, 0 for default
	ShutdownTimeout    time.Duration    // bound on waiting for workers in Stop

	SnapshotBackend   string // "file" or "badger"
	SnapshotPath      string // empty disables snapshots
	SnapshotInterval  time.Duration
	SnapshotRetention int

	HealthInterval time.Duration        // admin health refresh, 0 disables
	TracerProvider trace.TracerProvider // nil uses the global provider
	Logger         *slog.Logger
}

// Controller 核心控制器
type Controller struct {
	config   Config
	logger   *slog.Logger
	loop     *reactor.Loop
	registry *jobq.Registry
	metrics  *metrics.Collector
	store    snapshot.Store
	snapshot *snapshot.Manager
	admin    *server.Server

	mu          sync.Mutex
	started     bool
	stopped     bool
	startTime   time.Time
	cancel      context.CancelFunc
	healthTimer *reactor.Timer
	loopWg      sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController wires every component. reg may be nil to skip metrics
// registration.
func NewController(config Config, reg prometheus.Registerer) (*Controller, error) {
	logger := config.Logger
	if logger == nil {
		logger = log
	}
	if config.DefaultConcurrency <= 0 {
		config.DefaultConcurrency = 1
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	loop := reactor.New(reactor.WithLogger(logger), reactor.WithTaskBudget(config.TaskBudget))
	collector := metrics.NewCollector(nil)
	registry := jobq.NewRegistry(loop,
		jobq.WithLogger(logger),
		jobq.WithDefaultConcurrency(config.DefaultConcurrency),
		jobq.WithObserver(collector),
		jobq.WithObserver(tracing.NewObserver(config.TracerProvider)),
		jobq.WithQueueOptions(jobq.WithDrainPolicy(config.DrainPolicy)),
	)
	collector.SetSource(registry)
	if reg != nil {
		if err := collector.Register(reg); err != nil {
			return nil, err
		}
	}

	c := &Controller{
		config:   config,
		logger:   logger.With("component", "controller"),
		loop:     loop,
		registry: registry,
		metrics:  collector,
	}

	if config.SnapshotPath != "" {
		store, err := snapshot.Open(config.SnapshotBackend, config.SnapshotPath, config.SnapshotRetention)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
		mgr, err := snapshot.NewManager(store, registry, config.SnapshotInterval, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		c.store, c.snapshot = store, mgr
	}

	c.admin = server.NewServer(c, logger)
	return c, nil
}

// Start runs the loop and creates the configured queues.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startTime = time.Now()

	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		if err := c.loop.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("reactor loop exited", "error", err)
		}
	}()

	for _, qc := range c.config.Queues {
		q, err := c.registry.Init(qc.Name)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create queue %s: %w", qc.Name, err)
		}
		if err := q.SetConcurrency(qc.Concurrency); err != nil {
			cancel()
			return fmt.Errorf("failed to size queue %s: %w", qc.Name, err)
		}
	}

	if c.snapshot != nil {
		c.loopWg.Add(1)
		go func() {
			defer c.loopWg.Done()
			_ = c.snapshot.Run(runCtx)
		}()
	}

	if c.config.HealthInterval > 0 {
		if err := c.loop.Submit(c.refreshHealth); err != nil {
			cancel()
			return err
		}
	}

	c.started = true
	c.logger.Info("controller started", "queues", len(c.config.Queues))
	return nil
}

// refreshHealth runs on the loop and re-arms itself.
func (c *Controller) refreshHealth() {
	c.admin.RefreshHealth()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	t, err := c.loop.ScheduleTimer(c.config.HealthInterval, c.refreshHealth)
	if err != nil {
		return
	}
	c.healthTimer = t
}

// Submit sends job to the named queue, creating the queue on first use.
func (c *Controller) Submit(queue string, job *jobq.Job) error {
	c.mu.Lock()
	ok := c.started && !c.stopped
	c.mu.Unlock()
	if !ok {
		return ErrNotStarted
	}
	return c.registry.SubmitTo(queue, job)
}

// Stats returns every queue's statistics.
func (c *Controller) Stats() []types.QueueStats {
	return c.registry.Stats()
}

// Resize moves a queue's desired concurrency to n.
func (c *Controller) Resize(queue string, n int) (types.QueueStats, error) {
	q, ok := c.registry.Lookup(queue)
	if !ok {
		return types.QueueStats{}, fmt.Errorf("%w: %s", jobq.ErrQueueNotFound, queue)
	}
	if err := q.SetConcurrency(n); err != nil {
		return types.QueueStats{}, err
	}
	return q.Stats(), nil
}

func (c *Controller) Registry() *jobq.Registry { return c.registry }
func (c *Controller) Loop() *reactor.Loop { return c.loop }
func (c *Controller) Admin() *server.Server { return c.admin }

// Snapshots returns nil when snapshots are disabled.
func (c *Controller) Snapshots() *snapshot.Manager { return c.snapshot }

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	var backlog, inflight int64
	var total, timeouts uint64
	stats := c.registry.Stats()
	for _, st := range stats {
		backlog += st.Backlog
		inflight += st.InFlight
		total += st.TotalJobs
		timeouts += st.Timeouts
	}
	bridge := c.registry.Bridge()
	return map[string]interface{}{
		"uptime":     uptime.Round(time.Millisecond).String(),
		"queues":     len(stats),
		"backlog":    backlog,
		"in_flight":  inflight,
		"total_jobs": total,
		"timeouts":   timeouts,
		"delivered":  bridge.Delivered(),
		"dropped":    bridge.Dropped(),
		"loop_ticks": c.loop.Ticks(),
	}
}

// Stop shuts everything down. Workers stuck in orphaned payloads are
// abandoned once ShutdownTimeout (or ctx) expires.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Info("controller already stopped")
		return nil
	}
	c.stopped = true
	started := c.started
	if c.healthTimer != nil {
		c.healthTimer.Stop()
	}
	c.mu.Unlock()

	c.logger.Info("stopping controller")

	ctx, cancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := c.registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	c.loop.Stop()
	if started {
		<-c.loop.Done()
		c.cancel()
	}
	c.loopWg.Wait()

	c.admin.Stop()
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("controller stopped")
	return errors.Join(errs...)
}
