package reactor

import (
	"sync/atomic"
	"time"
)

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

// Timer is a one-shot callback scheduled on a Loop.
type Timer struct {
	when  time.Time
	fn    func()
	index int // heap position, loop goroutine only
	state atomic.Int32
}

// When returns the time the timer is due.
func (t *Timer) When() time.Time {
	return t.when
}

// Stop prevents the timer from firing. It reports false if the callback
// has already run or the timer was already stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.state.CompareAndSwap(timerPending, timerStopped)
}

// Fired reports whether the callback has been dispatched.
func (t *Timer) Fired() bool {
	return t != nil && t.state.Load() == timerFired
}

// timerHeap is a min-heap ordered by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
