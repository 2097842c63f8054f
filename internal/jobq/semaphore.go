package jobq

import "sync"

// semaphore counts pending jobs plus retirement tokens. Workers block in
// wait while idle.
type semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

func newSemaphore() *semaphore {
	s := &semaphore{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *semaphore) post() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *semaphore) wait() {
	s.mu.Lock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
	s.mu.Unlock()
}

func (s *semaphore) value() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
