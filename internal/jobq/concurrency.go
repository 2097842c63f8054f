package jobq

import "sync/atomic"

var workerSeq atomic.Uint64

// IncreaseConcurrency raises the desired worker count by one. A retirement
// that no worker has claimed yet is withdrawn instead of spawning a worker.
func (q *Queue) IncreaseConcurrency() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.desiredConcurrency.Add(1)
	if q.claimRetirement() {
		// its token stays posted and costs one spurious wake-up
		q.mu.Unlock()
		return nil
	}
	w := &worker{id: workerSeq.Add(1), queue: q}
	q.workers[w.id] = w
	q.concurrency.Add(1)
	q.wg.Add(1)
	q.mu.Unlock()

	go w.run()
	return nil
}

// DecreaseConcurrency lowers the desired worker count by one. The next
// worker to reach an idle point retires; running jobs are never cut short.
func (q *Queue) DecreaseConcurrency() error {
	for {
		d := q.desiredConcurrency.Load()
		if d <= 0 {
			return ErrConcurrencyFloor
		}
		if q.desiredConcurrency.CompareAndSwap(d, d-1) {
			break
		}
	}
	q.pendingCancels.Add(1)
	q.sem.post()
	return nil
}

// SetConcurrency moves the desired worker count to n.
func (q *Queue) SetConcurrency(n int) error {
	if n < 0 {
		n = 0
	}
	for int(q.desiredConcurrency.Load()) < n {
		if err := q.IncreaseConcurrency(); err != nil {
			return err
		}
	}
	for int(q.desiredConcurrency.Load()) > n {
		if err := q.DecreaseConcurrency(); err != nil {
			return err
		}
	}
	q.logger.Info("concurrency set", "desired", n, "live", q.concurrency.Load())
	return nil
}

// claimRetirement takes one pending retirement, if any.
func (q *Queue) claimRetirement() bool {
	for {
		n := q.pendingCancels.Load()
		if n <= 0 {
			return false
		}
		if q.pendingCancels.CompareAndSwap(n, n-1) {
			return true
		}
	}
}
