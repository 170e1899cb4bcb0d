//go:build !linux

package worker

func currentOSThreadID() int {
	return 0
}
