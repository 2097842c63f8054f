package jobq

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrQueueClosed is returned when enqueueing to a destroyed queue.
	ErrQueueClosed = errors.New("jobq: queue is closed")
	// ErrQueueExists is returned by Init for a name already registered.
	ErrQueueExists = errors.New("jobq: queue already exists")
	// ErrQueueNotFound is returned when a named queue is not registered.
	ErrQueueNotFound = errors.New("jobq: queue not found")
	// ErrNilJob is returned when a nil job or payload is submitted.
	ErrNilJob = errors.New("jobq: nil job")
	// ErrJobReused is returned when a job is enqueued a second time.
	ErrJobReused = errors.New("jobq: job already submitted")
	// ErrTimedOut is the error carried by a timed-out result and the
	// cancellation cause of the job's context.
	ErrTimedOut = errors.New("jobq: job deadline exceeded")
	// ErrQueueDestroyed is carried by jobs discarded during Destroy.
	ErrQueueDestroyed = errors.New("jobq: queue destroyed")
	// ErrConcurrencyFloor is returned when shrinking a queue with no
	// desired workers left.
	ErrConcurrencyFloor = errors.New("jobq: desired concurrency already zero")
)

// PanicError wraps a value recovered from a panicking payload.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("jobq: payload panicked: %v", e.Value)
}

// fatalf reports corrupted shared state. Pool sizing and statistics are
// unreliable past this point so the process is not allowed to continue.
func fatalf(logger *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Error("fatal job queue state", "reason", msg)
	panic("jobq: " + msg)
}
