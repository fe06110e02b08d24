package bufmem

import (
	"fmt"
	"sync/atomic"
)

// Stats is a snapshot of allocator activity.
type Stats struct {
	// Allocated is the number of buffers whose device object was created.
	Allocated uint64

	// Freed is the number of buffers whose device object was destroyed.
	Freed uint64

	// Live is the number of buffers currently holding a device object.
	Live int

	// LiveBytes is the device memory reserved by live buffers.
	LiveBytes uint64

	// CreateFailures is the number of Allocate calls that yielded an
	// invalid buffer.
	CreateFailures uint64

	// Uploads is the number of mirror-to-device transfers.
	Uploads uint64

	// Downloads is the number of device-to-mirror transfers.
	Downloads uint64

	// DeviceCopies is the number of Copy calls served on the device.
	DeviceCopies uint64

	// FallbackCopies is the number of Copy calls served through the CPU.
	FallbackCopies uint64
}

// String returns a human-readable string of allocator stats.
func (s Stats) String() string {
	return fmt.Sprintf("Buffers[%d live, %d KB, %d allocated, %d freed, %d failed, %d up, %d down, %d/%d copies]",
		s.Live,
		s.LiveBytes/1024,
		s.Allocated,
		s.Freed,
		s.CreateFailures,
		s.Uploads,
		s.Downloads,
		s.DeviceCopies,
		s.FallbackCopies)
}

// allocStats holds the counters behind Stats.
type allocStats struct {
	allocated      atomic.Uint64
	freed          atomic.Uint64
	createFailures atomic.Uint64
	uploads        atomic.Uint64
	downloads      atomic.Uint64
	deviceCopies   atomic.Uint64
	fallbackCopies atomic.Uint64
}
