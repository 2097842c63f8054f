// Demo walks through the three canonical queue scenarios (round trip,
// timeout race, backlog under load) and then runs a rate-limited load phase
// against two queues while printing live statistics.
//
//	go run ./cmd/demo            # scenarios + load
//	go run ./cmd/demo scenarios  # scenarios only
//	go run ./cmd/demo load       # load only
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/reactor-jobq/internal/controller"
	"github.com/ChuLiYu/reactor-jobq/internal/jobq"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

func main() {
	mode := "all"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctrl, err := controller.NewController(controller.Config{
		Queues: []controller.QueueConfig{
			{Name: "q1", Concurrency: 1},
			{Name: "io", Concurrency: 4},
			{Name: "cpu", Concurrency: 2},
		},
		ShutdownTimeout: 3 * time.Second,
		Logger:          logger,
	}, nil)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "all":
		runScenarios(ctrl)
		runLoad(ctx, ctrl)
	case "scenarios":
		runScenarios(ctrl)
	case "load":
		runLoad(ctx, ctrl)
	default:
		fmt.Println("Usage: go run ./cmd/demo [all|scenarios|load]")
	}

	fmt.Println("\nStopping gracefully...")
	if err := ctrl.Stop(context.Background()); err != nil {
		log.Printf("stop: %v", err)
	}
	fmt.Println("✓ Controller stopped")
}

func sleepJob(d time.Duration, done chan<- jobq.Result, opts ...jobq.JobOption) *jobq.Job {
	opts = append(opts, jobq.WithCompletion(func(r jobq.Result) { done <- r }))
	return jobq.NewJob(jobq.Func(func(context.Context) error {
		time.Sleep(d)
		return nil
	}), opts...)
}

func queueStats(ctrl *controller.Controller, name string) types.QueueStats {
	for _, st := range ctrl.Stats() {
		if st.Name == name {
			return st
		}
	}
	return types.QueueStats{}
}

func runScenarios(ctrl *controller.Controller) {
	done := make(chan jobq.Result, 8)

	fmt.Println("\n═══ Scenario 1: basic round trip ═══")
	start := time.Now()
	_ = ctrl.Submit("q1", sleepJob(10*time.Millisecond, done))
	r := <-done
	st := queueStats(ctrl, "q1")
	fmt.Printf("  job %d %s after %s (total_jobs=%d timeouts=%d)\n",
		r.JobID, r.Outcome, time.Since(start).Round(time.Millisecond), st.TotalJobs, st.Timeouts)

	fmt.Println("\n═══ Scenario 2: timeout race ═══")
	var cleanups atomic.Int32
	start = time.Now()
	job := jobq.NewJob(jobq.Funcs{
		Exec:  func(context.Context) error { time.Sleep(50 * time.Millisecond); return nil },
		Clean: func() { cleanups.Add(1) },
	}, jobq.WithTimeout(5*time.Millisecond), jobq.WithCompletion(func(r jobq.Result) { done <- r }))
	_ = ctrl.Submit("q1", job)
	r = <-done
	fmt.Printf("  job %d %s after %s (%v)\n", r.JobID, r.Outcome, time.Since(start).Round(time.Millisecond), r.Err)
	time.Sleep(60 * time.Millisecond)
	select {
	case extra := <-done:
		fmt.Printf("  ⚠️  unexpected second notification: %+v\n", extra)
	default:
		fmt.Printf("  orphan finished silently, cleanups=%d timeouts=%d\n", cleanups.Load(), queueStats(ctrl, "q1").Timeouts)
	}

	fmt.Println("\n═══ Scenario 3: backlog under load ═══")
	for i := 0; i < 5; i++ {
		_ = ctrl.Submit("q1", sleepJob(10*time.Millisecond, done))
	}
	st = queueStats(ctrl, "q1")
	fmt.Printf("  right after submit: backlog=%d in_flight=%d\n", st.Backlog, st.InFlight)
	for i := 0; i < 5; i++ {
		<-done
	}
	time.Sleep(time.Millisecond)
	st = queueStats(ctrl, "q1")
	fmt.Printf("  after drain:        backlog=%d in_flight=%d total_jobs=%d\n", st.Backlog, st.InFlight, st.TotalJobs)
}

var errFlaky = errors.New("flaky payload")

func runLoad(ctx context.Context, ctrl *controller.Controller) {
	const total = 400
	fmt.Printf("\n═══ Load: %d jobs at 200/s over io + cpu ═══\n", total)

	limiter := rate.NewLimiter(200, 10)
	var finished atomic.Int64
	onDone := jobq.WithCompletion(func(jobq.Result) { finished.Add(1) })

	go func() {
		for i := 0; i < total; i++ {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			queue, d := "io", time.Duration(5+rand.Intn(20))*time.Millisecond
			if i%4 == 0 {
				queue, d = "cpu", time.Duration(20+rand.Intn(60))*time.Millisecond
			}
			fail := rand.Intn(20) == 0
			payload := jobq.Func(func(context.Context) error {
				time.Sleep(d)
				if fail {
					return errFlaky
				}
				return nil
			})
			_ = ctrl.Submit(queue, jobq.NewJob(payload, onDone, jobq.WithTimeout(60*time.Millisecond)))
		}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for finished.Load() < total {
		select {
		case <-ctx.Done():
			fmt.Println("\nReceived shutdown signal")
			return
		case <-ticker.C:
			for _, st := range ctrl.Stats() {
				if st.Name == "q1" {
					continue
				}
				fmt.Printf("📊 %-3s backlog=%-3d in_flight=%d total=%-3d timeouts=%-3d avg_wait=%-10s avg_run=%s\n",
					st.Name, st.Backlog, st.InFlight, st.TotalJobs, st.Timeouts,
					time.Duration(st.AvgWaitNS).Round(time.Microsecond), time.Duration(st.AvgRunNS).Round(time.Microsecond))
			}
		}
	}

	status := ctrl.GetStatus()
	fmt.Printf("\n✓ Load finished: delivered=%v timeouts=%v loop_ticks=%v\n",
		status["delivered"], status["timeouts"], status["loop_ticks"])
}
