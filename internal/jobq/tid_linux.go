//go:build linux

package jobq

import "golang.org/x/sys/unix"

func gettid() int { return unix.Gettid() }
