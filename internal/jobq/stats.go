package jobq

import (
	"math"
	"sync/atomic"
)

const smoothingFactor = 0.8

// ewma is a lock-free exponentially weighted moving average:
// avg = 0.8*avg + 0.2*sample. It starts at zero.
type ewma struct {
	bits atomic.Uint64
}

func (e *ewma) observe(sample float64) {
	for {
		old := e.bits.Load()
		next := smoothingFactor*math.Float64frombits(old) + (1-smoothingFactor)*sample
		if e.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (e *ewma) value() float64 {
	return math.Float64frombits(e.bits.Load())
}
