// ============================================================================
// Reactor - single-threaded event loop
// ============================================================================
//
// Package: internal/reactor
// File: loop.go
// Function: Runs every callback on one goroutine. Other goroutines hand work
//           to the loop through Submit; timers fire on the loop as well.
//
// Tick:
//   1. admit timers registered since the previous tick
//   2. drain submitted tasks (bounded by the task budget)
//   3. fire expired timers (earliest deadline first)
//   4. sleep until the next deadline, a wake-up, Stop or ctx cancellation
//
// Thread safety:
//   - Submit, ScheduleAt, ScheduleTimer, Stop and Timer.Stop are safe from
//     any goroutine.
//   - The timer heap is touched only by the loop goroutine.
//
// ============================================================================

package reactor

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLoopAlreadyRunning is returned when Run is called twice.
	ErrLoopAlreadyRunning = errors.New("reactor: loop is already running")
	// ErrLoopTerminated is returned when work is handed to a stopped loop.
	ErrLoopTerminated = errors.New("reactor: loop has been terminated")
)

const (
	defaultTaskBudget = 1024
	idleWait          = 10 * time.Second
)

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for recovered panics.
func WithLogger(l *slog.Logger) Option {
	return func(loop *Loop) { loop.logger = l }
}

// WithTaskBudget caps the number of submitted tasks run per tick so timers
// are not starved by a busy producer.
func WithTaskBudget(n int) Option {
	return func(loop *Loop) {
		if n > 0 {
			loop.budget = n
		}
	}
}

// Loop is a single-threaded reactor.
type Loop struct {
	logger *slog.Logger
	budget int

	mu         sync.Mutex
	tasks      []func()
	spare      []func()
	incoming   []*Timer
	terminated bool

	timers timerHeap // loop goroutine only

	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
	running atomic.Bool
	ticks   atomic.Uint64
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger: slog.Default(),
		budget: defaultTaskBudget,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "reactor")
	return l
}

// Run dispatches callbacks on the calling goroutine until Stop is called
// or ctx is done. Tasks already submitted when the loop stops are still
// run once; pending timers are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopAlreadyRunning
	}
	defer l.terminate()

	wait := time.NewTimer(idleWait)
	defer wait.Stop()

	for {
		l.tick()

		d := idleWait
		if next, ok := l.nextDeadline(); ok {
			d = time.Until(next)
			if d < 0 {
				d = 0
			}
		}
		if l.hasTasks() {
			d = 0
		}
		wait.Reset(d)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-l.wakeCh:
		case <-wait.C:
		}
	}
}

// Stop asks the loop to return from Run. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopped.Do(func() { close(l.stopCh) })
}

// Done is closed once Run has returned and the loop rejects new work.
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}

// Ticks reports how many loop iterations have run.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

// Submit queues fn to run on the loop goroutine.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
	return nil
}

// ScheduleAt arranges for fn to run on the loop at or after when.
func (l *Loop) ScheduleAt(when time.Time, fn func()) (*Timer, error) {
	t := &Timer{when: when, fn: fn, index: -1}
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return nil, ErrLoopTerminated
	}
	l.incoming = append(l.incoming, t)
	l.mu.Unlock()
	l.wake()
	return t, nil
}

// ScheduleTimer arranges for fn to run on the loop after delay.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (*Timer, error) {
	return l.ScheduleAt(time.Now().Add(delay), fn)
}

func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Loop) tick() {
	l.ticks.Add(1)
	l.admitTimers()
	l.drainTasks(l.budget)
	l.runTimers(time.Now())
}

func (l *Loop) admitTimers() {
	l.mu.Lock()
	incoming := l.incoming
	l.incoming = nil
	l.mu.Unlock()

	for _, t := range incoming {
		heap.Push(&l.timers, t)
	}
}

func (l *Loop) drainTasks(budget int) {
	l.mu.Lock()
	batch := l.tasks
	if len(batch) > budget {
		// keep the overflow for the next tick
		l.tasks = append([]func(){}, batch[budget:]...)
		batch = batch[:budget]
	} else {
		l.tasks = l.spare
		l.spare = nil
	}
	l.mu.Unlock()

	for i, fn := range batch {
		l.safeExecute(fn)
		batch[i] = nil
	}

	l.mu.Lock()
	if l.spare == nil {
		l.spare = batch[:0]
	}
	l.mu.Unlock()
}

func (l *Loop) hasTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) > 0 || len(l.incoming) > 0
}

func (l *Loop) runTimers(now time.Time) {
	for l.timers.Len() > 0 {
		t := l.timers[0]
		if t.when.After(now) {
			return
		}
		heap.Pop(&l.timers)
		if t.state.CompareAndSwap(timerPending, timerFired) {
			l.safeExecute(t.fn)
		}
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	// drop cancelled timers sitting at the head
	for l.timers.Len() > 0 && l.timers[0].state.Load() == timerStopped {
		heap.Pop(&l.timers)
	}
	if l.timers.Len() == 0 {
		return time.Time{}, false
	}
	return l.timers[0].when, true
}

func (l *Loop) terminate() {
	l.mu.Lock()
	l.terminated = true
	rest := l.tasks
	l.tasks = nil
	l.incoming = nil
	l.mu.Unlock()

	for _, fn := range rest {
		l.safeExecute(fn)
	}
	l.timers = nil
	close(l.doneCh)
}

func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "panic", r)
		}
	}()
	fn()
}
