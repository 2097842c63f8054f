package jobq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/reactor-jobq/internal/reactor"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithDefaultConcurrency sets the worker count Retrieve gives new queues.
func WithDefaultConcurrency(n int) RegistryOption {
	return func(r *Registry) {
		if n >= 0 {
			r.defaultConcurrency = n
		}
	}
}

// WithObserver adds an observer of every delivered result.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithQueueOptions sets options applied to every queue the registry creates.
func WithQueueOptions(opts ...QueueOption) RegistryOption {
	return func(r *Registry) { r.queueOpts = append(r.queueOpts, opts...) }
}

// Registry maps queue names to queues. It is owned by whoever builds it
// and tied to one reactor loop.
type Registry struct {
	loop               *reactor.Loop
	logger             *slog.Logger
	bridge             *Bridge
	observers          []Observer
	defaultConcurrency int
	queueOpts          []QueueOption

	mu     sync.RWMutex
	queues map[string]*Queue
	closed bool
}

func NewRegistry(loop *reactor.Loop, opts ...RegistryOption) *Registry {
	r := &Registry{
		loop:               loop,
		logger:             slog.Default(),
		defaultConcurrency: 1,
		queues:             make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "jobq")
	r.bridge = newBridge(loop, r.logger, r.observers)
	return r
}

// Bridge returns the completion bridge shared by all queues.
func (r *Registry) Bridge() *Bridge { return r.bridge }

// Init registers a new queue with no workers.
func (r *Registry) Init(name string, opts ...QueueOption) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrQueueClosed
	}
	if _, ok := r.queues[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, name)
	}
	q := r.newQueueLocked(name, opts)
	r.logger.Info("queue created", "queue", name, "concurrency", 0)
	return q, nil
}

// Retrieve returns the named queue, creating it with the default
// concurrency if it does not exist yet.
func (r *Registry) Retrieve(name string) (*Queue, error) {
	r.mu.RLock()
	q, ok := r.queues[name]
	r.mu.RUnlock()
	if ok {
		return q, nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if q, ok := r.queues[name]; ok {
		r.mu.Unlock()
		return q, nil
	}
	q = r.newQueueLocked(name, nil)
	r.mu.Unlock()

	for i := 0; i < r.defaultConcurrency; i++ {
		if err := q.IncreaseConcurrency(); err != nil {
			return nil, err
		}
	}
	r.logger.Info("queue created", "queue", name, "concurrency", r.defaultConcurrency)
	return q, nil
}

func (r *Registry) newQueueLocked(name string, opts []QueueOption) *Queue {
	all := append(append([]QueueOption{}, r.queueOpts...), opts...)
	q := newQueue(name, r.bridge, r.logger, all...)
	r.queues[name] = q
	return q
}

// Lookup returns the named queue without creating it.
func (r *Registry) Lookup(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// ProcessEach calls fn for every queue in name order. The registry lock is
// released before fn runs.
func (r *Registry) ProcessEach(fn func(*Queue)) {
	r.mu.RLock()
	qs := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.mu.RUnlock()

	sort.Slice(qs, func(i, j int) bool { return qs[i].name < qs[j].name })
	for _, q := range qs {
		fn(q)
	}
}

// Stats returns every queue's statistics in name order.
func (r *Registry) Stats() []types.QueueStats {
	var out []types.QueueStats
	r.ProcessEach(func(q *Queue) { out = append(out, q.Stats()) })
	return out
}

// Submit enqueues job on q and, if it has a deadline, arms the deadline
// timer on the reactor.
func (r *Registry) Submit(q *Queue, job *Job) error {
	if q == nil {
		return ErrQueueNotFound
	}
	if err := q.Enqueue(job); err != nil {
		return err
	}

	deadline, ok := job.Deadline()
	if !ok {
		return nil
	}
	t, err := r.loop.ScheduleAt(deadline, func() { q.ExecuteTimeout(job) })
	if err != nil {
		// the job is already queued and still completes normally
		q.logger.Warn("deadline not armed", "job", job.id, "error", err)
		return nil
	}
	job.timer.Store(t)
	return nil
}

// SubmitTo resolves (or creates) the named queue and submits job to it.
func (r *Registry) SubmitTo(name string, job *Job) error {
	q, err := r.Retrieve(name)
	if err != nil {
		return err
	}
	return r.Submit(q, job)
}

// Destroy unregisters the named queue and destroys it.
func (r *Registry) Destroy(ctx context.Context, name string) error {
	r.mu.Lock()
	q, ok := r.queues[name]
	delete(r.queues, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q.Destroy(ctx)
}

// Close destroys every queue. Retrieve and Init fail afterwards; the
// destroyed queues stay listed so their final statistics remain readable.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	qs := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.mu.Unlock()

	var errs []error
	for _, q := range qs {
		if err := q.Destroy(ctx); err != nil && !errors.Is(err, ErrQueueClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
