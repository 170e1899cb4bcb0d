//go:build linux

package worker

import "golang.org/x/sys/unix"

func currentOSThreadID() int {
	return unix.Gettid()
}
