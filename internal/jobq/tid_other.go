//go:build !linux

package jobq

// gettid has no portable equivalent; workers report thread id 0.
func gettid() int { return 0 }
