//go:build !linux

package bufmem

// CurrentThreadID returns 0: thread ids are not exposed on this platform.
func CurrentThreadID() int64 {
	return 0
}
