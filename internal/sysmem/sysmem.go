// Package sysmem allocates the aligned system-memory slices used as CPU
// mirrors of device buffers.
package sysmem

import "unsafe"

// Alloc returns a zeroed slice of size bytes whose first element is aligned
// to align bytes. align must be a power of two; values below 1 mean no
// alignment. The slice's capacity equals its length so appends never move
// it off the aligned block.
func Alloc(size, align int) []byte {
	if size <= 0 {
		return nil
	}
	if align <= 1 {
		return make([]byte, size)
	}
	raw := make([]byte, size+align-1)
	off := Offset(unsafe.Pointer(unsafe.SliceData(raw)), align)
	return raw[off : off+size : off+size]
}

// Offset returns how many bytes must be skipped from p to reach the next
// align-byte boundary.
func Offset(p unsafe.Pointer, align int) int {
	mask := uintptr(align - 1)
	addr := uintptr(p)
	return int((align - int(addr&mask)) & int(mask))
}

// IsAligned reports whether b starts on an align-byte boundary.
func IsAligned(b []byte, align int) bool {
	if len(b) == 0 || align <= 1 {
		return true
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))&uintptr(align-1) == 0
}
