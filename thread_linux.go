//go:build linux

package bufmem

import "golang.org/x/sys/unix"

// CurrentThreadID returns the OS thread id of the calling goroutine's
// current thread. Only meaningful for goroutines locked to their thread,
// such as a DeviceContext thread.
func CurrentThreadID() int64 {
	return int64(unix.Gettid())
}
