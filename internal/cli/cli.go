// ============================================================================
// jobqd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the job queue daemon and its admin tools
//
// Command Structure:
//   jobqd                          # Root command
//   ├── run                        # Start reactor, queues, metrics, admin
//   ├── enqueue                    # Run jobs from a JSON file in-process
//   │   ├── --file, -f             # Job definitions
//   │   └── --rate                 # Submissions per second (0 = unlimited)
//   ├── status                     # Queue table from a running daemon
//   │   └── --addr                 # Admin address
//   ├── resize <queue> <n>         # Change a queue's concurrency remotely
//   ├── inspect                    # Print the latest stats snapshot
//   │   ├── --snapshot             # Snapshot path
//   │   └── --backend              # file | badger
//   ├── --config, -c               # YAML config (default configs/jobqd.yaml)
//   ├── --log-level                # debug | info | warn | error
//   └── --log-format               # text | json
//
// run Command:
//   1. load config and configure slog
//   2. build and start the controller
//   3. supervise metrics HTTP + gRPC admin with an errgroup
//   4. SIGINT / SIGTERM cancels the group, controller stops gracefully
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/reactor-jobq/internal/controller"
	"github.com/ChuLiYu/reactor-jobq/internal/jobq"
	"github.com/ChuLiYu/reactor-jobq/internal/metrics"
	"github.com/ChuLiYu/reactor-jobq/internal/server"
	"github.com/ChuLiYu/reactor-jobq/internal/snapshot"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// QueueDef declares a queue created at startup.
type QueueDef struct {
	Name        string `yaml:"name"`
	Concurrency int    `yaml:"concurrency"`
}

type Config struct {
	Reactor struct {
		TaskBudget int `yaml:"task_budget"`
	} `yaml:"reactor"`

	Queues struct {
		DefaultConcurrency int           `yaml:"default_concurrency"`
		DrainPolicy        string        `yaml:"drain_policy"`
		ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
		Definitions        []QueueDef    `yaml:"definitions"`
	} `yaml:"queues"`

	Snapshot struct {
		Backend        string        `yaml:"backend"`
		Path           string        `yaml:"path"`
		Interval       time.Duration `yaml:"interval"`
		RetentionCount int           `yaml:"retention_count"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Admin struct {
		Enabled        bool          `yaml:"enabled"`
		Port           int           `yaml:"port"`
		HealthInterval time.Duration `yaml:"health_interval"`
	} `yaml:"admin"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

var (
	configFile string
	logLevel   string
	logFormat  string
)

var errSimulatedFailure = errors.New("simulated failure")

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jobqd",
		Short: "jobqd: worker pools feeding a single-threaded reactor",
		Long: `jobqd runs named job queues with:
- per-queue worker pools resizable at runtime
- reactor-armed deadlines with exactly-once finalization
- Prometheus metrics and periodic stats snapshots
- a gRPC admin and health service`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/jobqd.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildResizeCommand())
	rootCmd.AddCommand(buildInspectCommand())

	return rootCmd
}

// ============================================================================
// Config and logging
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// newLogger builds a slog handler writing to w. Empty values mean info/text.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// configureLogging installs the default logger. Flags win over the config
// file; cfg may be nil.
func configureLogging(cfg *Config) (*slog.Logger, error) {
	level, format := logLevel, logFormat
	if cfg != nil {
		if level == "" {
			level = cfg.Log.Level
		}
		if format == "" {
			format = cfg.Log.Format
		}
	}
	logger, err := newLogger(os.Stderr, level, format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func controllerConfig(cfg *Config, logger *slog.Logger) (controller.Config, error) {
	policy, err := jobq.ParseDrainPolicy(cfg.Queues.DrainPolicy)
	if err != nil {
		return controller.Config{}, err
	}

	queues := make([]controller.QueueConfig, 0, len(cfg.Queues.Definitions))
	for _, d := range cfg.Queues.Definitions {
		if d.Name == "" {
			return controller.Config{}, errors.New("queue definition without a name")
		}
		queues = append(queues, controller.QueueConfig{Name: d.Name, Concurrency: d.Concurrency})
	}

	c := controller.Config{
		Queues:             queues,
		DefaultConcurrency: cfg.Queues.DefaultConcurrency,
		DrainPolicy:        policy,
		TaskBudget:         cfg.Reactor.TaskBudget,
		ShutdownTimeout:    cfg.Queues.ShutdownTimeout,
		SnapshotBackend:    cfg.Snapshot.Backend,
		SnapshotPath:       cfg.Snapshot.Path,
		SnapshotInterval:   cfg.Snapshot.Interval,
		SnapshotRetention:  cfg.Snapshot.RetentionCount,
		Logger:             logger,
	}
	if cfg.Admin.Enabled {
		c.HealthInterval = cfg.Admin.HealthInterval
		if c.HealthInterval <= 0 {
			c.HealthInterval = 5 * time.Second
		}
	}
	return c, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the job queue daemon",
		Long:  "Start the reactor, the configured queues, the metrics endpoint and the gRPC admin service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(cmd.Context())
		},
	}
	return cmd
}

func runSystem(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := configureLogging(cfg)
	if err != nil {
		return err
	}
	ctrlCfg, err := controllerConfig(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ctrl, err := controller.NewController(ctrlCfg, reg)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	// the controller outlives the signal context so shutdown can still
	// deliver completions through the loop
	if err := ctrl.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	var lis net.Listener
	if cfg.Admin.Enabled {
		lis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Admin.Port))
		if err != nil {
			_ = ctrl.Stop(context.Background())
			return fmt.Errorf("failed to listen for admin: %w", err)
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.StartServer(gctx, cfg.Metrics.Port, reg)
		})
	}
	if lis != nil {
		logger.Info("admin server listening", "addr", lis.Addr().String())
		g.Go(func() error {
			return ctrl.Admin().Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal, stopping gracefully")
		return ctrl.Stop(context.Background())
	})

	logger.Info("system started", "queues", len(ctrlCfg.Queues))
	err = g.Wait()
	logger.Info("system stopped")
	return err
}

// ============================================================================
// enqueue
// ============================================================================

// jobSpec is one entry of an enqueue file.
type jobSpec struct {
	Queue   string `json:"queue"`
	Sleep   string `json:"sleep"`
	Timeout string `json:"timeout"`
	Fail    bool   `json:"fail"`
	Count   int    `json:"count"`
}

type plannedJob struct {
	queue   string
	sleep   time.Duration
	timeout time.Duration
	fail    bool
}

func (p plannedJob) payload() jobq.Payload {
	return jobq.Func(func(ctx context.Context) error {
		t := time.NewTimer(p.sleep)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		if p.fail {
			return errSimulatedFailure
		}
		return nil
	})
}

func loadJobs(path string) ([]plannedJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var specs []jobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	var jobs []plannedJob
	for i, s := range specs {
		p := plannedJob{queue: s.Queue, fail: s.Fail}
		if p.queue == "" {
			p.queue = "default"
		}
		if s.Sleep != "" {
			if p.sleep, err = time.ParseDuration(s.Sleep); err != nil {
				return nil, fmt.Errorf("job %d: bad sleep: %w", i, err)
			}
		}
		if s.Timeout != "" {
			if p.timeout, err = time.ParseDuration(s.Timeout); err != nil {
				return nil, fmt.Errorf("job %d: bad timeout: %w", i, err)
			}
		}
		n := s.Count
		if n <= 0 {
			n = 1
		}
		for j := 0; j < n; j++ {
			jobs = append(jobs, p)
		}
	}
	return jobs, nil
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string
	var perSecond float64

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Run jobs from a JSON file",
		Long:  "Start an in-process controller, submit the jobs described in a JSON file and print the outcome per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return enqueueJobs(cmd.Context(), jobFile, perSecond, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().Float64Var(&perSecond, "rate", 0, "submissions per second, 0 for unlimited")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// enqueueSummary counts outcomes per queue.
type enqueueSummary map[string]map[types.Outcome]int

func enqueueJobs(ctx context.Context, filePath string, perSecond float64, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	jobs, err := loadJobs(filePath)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		// enqueue works without a config file
		cfg = &Config{}
	}
	logger, err := configureLogging(cfg)
	if err != nil {
		return err
	}
	ctrlCfg, err := controllerConfig(cfg, logger)
	if err != nil {
		return err
	}
	ctrlCfg.SnapshotPath = ""
	ctrlCfg.HealthInterval = 0

	ctrl, err := controller.NewController(ctrlCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	summary, runErr := submitAll(ctx, ctrl, jobs, perSecond)
	stats := ctrl.Stats()
	stopErr := ctrl.Stop(context.Background())

	printSummary(out, summary, stats)
	return errors.Join(runErr, stopErr)
}

func submitAll(ctx context.Context, ctrl *controller.Controller, jobs []plannedJob, perSecond float64) (enqueueSummary, error) {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	results := make(chan jobq.Result, len(jobs))
	submitted := 0
	for _, p := range jobs {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		opts := []jobq.JobOption{jobq.WithCompletion(func(r jobq.Result) { results <- r })}
		if p.timeout > 0 {
			opts = append(opts, jobq.WithTimeout(p.timeout))
		}
		if err := ctrl.Submit(p.queue, jobq.NewJob(p.payload(), opts...)); err != nil {
			return nil, fmt.Errorf("failed to submit job to %s: %w", p.queue, err)
		}
		submitted++
	}

	summary := make(enqueueSummary)
	for i := 0; i < submitted; i++ {
		select {
		case r := <-results:
			if summary[r.Queue] == nil {
				summary[r.Queue] = make(map[types.Outcome]int)
			}
			summary[r.Queue][r.Outcome]++
		case <-ctx.Done():
			return summary, ctx.Err()
		}
	}
	return summary, ctx.Err()
}

func printSummary(w io.Writer, summary enqueueSummary, stats []types.QueueStats) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           jobqd Enqueue Summary                           ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	for _, st := range stats {
		counts := summary[st.Name]
		fmt.Fprintf(w, "\n📦 %s\n", st.Name)
		fmt.Fprintf(w, "  ├─ ✅ Completed: %d\n", counts[types.OutcomeCompleted])
		fmt.Fprintf(w, "  ├─ ❌ Failed:    %d\n", counts[types.OutcomeFailed])
		fmt.Fprintf(w, "  ├─ ⏰ Timed out: %d\n", counts[types.OutcomeTimedOut])
		fmt.Fprintf(w, "  ├─ Avg wait:     %s\n", time.Duration(st.AvgWaitNS))
		fmt.Fprintf(w, "  └─ Avg run:      %s\n", time.Duration(st.AvgRunNS))
	}
	fmt.Fprintln(w, "\n═══════════════════════════════════════════════════════════")
}

// ============================================================================
// status / resize
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status of a running daemon",
		Long:  "Query the admin service for every queue's statistics and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), addr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "admin server address")
	return cmd
}

func showStatus(ctx context.Context, addr string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stats, err := client.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queues: %w", err)
	}
	health := make(map[string]string, len(stats))
	for _, st := range stats {
		if hs, err := client.QueueHealth(ctx, st.Name); err == nil {
			health[st.Name] = hs.String()
		} else {
			health[st.Name] = "UNKNOWN"
		}
	}
	printStatus(w, addr, stats, health)
	return nil
}

func printStatus(w io.Writer, addr string, stats []types.QueueStats, health map[string]string) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           jobqd System Status                             ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "\n📡 Admin: %s\n", addr)

	if len(stats) == 0 {
		fmt.Fprintln(w, "\n📊 Queues:")
		fmt.Fprintln(w, "  └─ none")
	}
	for _, st := range stats {
		fmt.Fprintf(w, "\n📊 %s [%s]\n", st.Name, health[st.Name])
		fmt.Fprintf(w, "  ├─ ⏳ Backlog:     %d\n", st.Backlog)
		fmt.Fprintf(w, "  ├─ 🔄 In-Flight:   %d\n", st.InFlight)
		fmt.Fprintf(w, "  ├─ Total Jobs:     %d\n", st.TotalJobs)
		fmt.Fprintf(w, "  ├─ ⏰ Timeouts:    %d\n", st.Timeouts)
		fmt.Fprintf(w, "  ├─ Avg Wait:       %s\n", time.Duration(st.AvgWaitNS))
		fmt.Fprintf(w, "  ├─ Avg Run:        %s\n", time.Duration(st.AvgRunNS))
		fmt.Fprintf(w, "  └─ Workers:        %d (desired %d, retiring %d)\n",
			st.Concurrency, st.DesiredConcurrency, st.PendingCancels)
		for i, ws := range st.Workers {
			branch := "├─"
			if i == len(st.Workers)-1 {
				branch = "└─"
			}
			active := "idle"
			if ws.ActiveJob != 0 {
				active = fmt.Sprintf("job %d", ws.ActiveJob)
			}
			fmt.Fprintf(w, "     %s #%d tid=%d %s\n", branch, ws.ID, ws.ThreadID, active)
		}
	}
	fmt.Fprintln(w, "\n═══════════════════════════════════════════════════════════")
}

func buildResizeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "resize <queue> <concurrency>",
		Short: "Change a queue's worker count",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return fmt.Errorf("concurrency must be a non-negative integer, got %q", args[1])
			}
			return resizeQueue(cmd.Context(), addr, args[0], n, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "admin server address")
	return cmd
}

func resizeQueue(ctx context.Context, addr, queue string, n int, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := client.Resize(ctx, queue, n)
	if err != nil {
		return fmt.Errorf("failed to resize %s: %w", queue, err)
	}
	fmt.Fprintf(w, "✓ %s: desired concurrency %d (running %d)\n", st.Name, st.DesiredConcurrency, st.Concurrency)
	return nil
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand() *cobra.Command {
	var path, backend string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the latest stats snapshot",
		Long:  "Read the most recent statistics snapshot written by a daemon. Defaults come from the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" || backend == "" {
				if cfg, err := loadConfig(configFile); err == nil {
					if path == "" {
						path = cfg.Snapshot.Path
					}
					if backend == "" {
						backend = cfg.Snapshot.Backend
					}
				}
			}
			if path == "" {
				return errors.New("snapshot path is required (use --snapshot or the config file)")
			}
			return inspectSnapshot(backend, path, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&path, "snapshot", "", "snapshot file (file backend) or directory (badger backend)")
	cmd.Flags().StringVar(&backend, "backend", "", "snapshot backend: file or badger")
	return cmd
}

func inspectSnapshot(backend, path string, w io.Writer) error {
	store, err := snapshot.Open(backend, path, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	data, err := store.Latest()
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	fmt.Fprintf(w, "💾 Snapshot #%d taken %s (schema v%d)\n", data.Seq, data.TakenAt.Format(time.RFC3339), data.SchemaVer)
	queues := append([]types.QueueStats(nil), data.Queues...)
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	for i, st := range queues {
		branch := "├─"
		if i == len(queues)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %s: backlog=%d in_flight=%d total=%d timeouts=%d workers=%d avg_wait=%s avg_run=%s\n",
			branch, st.Name, st.Backlog, st.InFlight, st.TotalJobs, st.Timeouts, st.Concurrency,
			time.Duration(st.AvgWaitNS), time.Duration(st.AvgRunNS))
	}
	return nil
}
