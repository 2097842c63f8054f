package jobq

import "time"

var epoch = time.Now()

// hrtime returns monotonic nanoseconds. It never returns 0.
func hrtime() int64 {
	return int64(time.Since(epoch)) + 1
}
