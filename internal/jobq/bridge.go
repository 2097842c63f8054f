package jobq

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/reactor-jobq/internal/reactor"
)

// Observer sees every delivered result on the reactor goroutine.
type Observer interface {
	JobFinished(Result)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Result)

func (f ObserverFunc) JobFinished(r Result) { f(r) }

// Bridge carries finalized jobs from workers to the reactor. Workers post;
// the reactor drains the batch in ConsumeAvailable and runs continuations
// there. At most one drain is scheduled on the loop at a time.
type Bridge struct {
	loop      *reactor.Loop
	logger    *slog.Logger
	observers []Observer

	mu      sync.Mutex
	pending []*Job
	armed   bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newBridge(loop *reactor.Loop, logger *slog.Logger, observers []Observer) *Bridge {
	return &Bridge{loop: loop, logger: logger.With("component", "bridge"), observers: observers}
}

func (b *Bridge) post(job *Job) {
	b.mu.Lock()
	b.pending = append(b.pending, job)
	arm := !b.armed
	b.armed = true
	b.mu.Unlock()

	if !arm {
		return
	}
	if err := b.loop.Submit(b.ConsumeAvailable); err != nil {
		b.mu.Lock()
		lost := b.pending
		b.pending = nil
		b.armed = false
		b.mu.Unlock()
		b.dropped.Add(uint64(len(lost)))
		for _, j := range lost {
			b.logger.Warn("completion dropped", "job", j.id, "queue", j.result.Queue, "error", err)
		}
	}
}

// ConsumeAvailable delivers every posted result. Runs on the reactor.
func (b *Bridge) ConsumeAvailable() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.armed = false
	b.mu.Unlock()

	for _, job := range batch {
		b.deliver(job)
	}
}

func (b *Bridge) deliver(job *Job) {
	if t := job.timer.Load(); t != nil {
		t.Stop()
	}
	res := job.result
	for _, obs := range b.observers {
		b.call(job, func() { obs.JobFinished(res) })
	}
	if job.onDone != nil {
		b.call(job, func() { job.onDone(res) })
	}
	b.delivered.Add(1)
}

func (b *Bridge) call(job *Job, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("completion handler panicked", "job", job.id, "panic", r)
		}
	}()
	fn()
}

// Pending is the number of results posted but not yet delivered.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Delivered counts results handed to continuations.
func (b *Bridge) Delivered() uint64 { return b.delivered.Load() }

// Dropped counts results lost because the reactor had stopped.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }
