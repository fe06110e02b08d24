// Package bufmem provides coherent buffers shared between the CPU and a
// GPU device.
//
// # Overview
//
// A coherent buffer has two views of the same bytes: a CPU mirror in
// system memory and a device object owned by a backend. Applications map
// the buffer into whichever domain they need; bufmem tracks which view
// is newer and transfers lazily, so each side always sees the most recent
// write.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/bufmem"
//	    "github.com/gogpu/bufmem/backend/software"
//	)
//
//	dc := bufmem.NewDeviceContext("main")
//	defer dc.Close()
//
//	alloc, err := bufmem.NewAllocator("software", software.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	buf, err := alloc.Allocate(ctx, dc, 4096)
//	m, _ := alloc.Map(ctx, buf, bufmem.MapWrite, 0)
//	copy(m.Data, payload)
//	_ = alloc.Unmap(ctx, buf, bufmem.MapWrite)
//
//	// The next device-domain map uploads the mirror first.
//	m, _ = alloc.Map(ctx, buf, bufmem.MapRead|bufmem.MapGPU, 0)
//
// # Architecture
//
// The package is organized into:
//   - DeviceContext: one OS-locked goroutine that runs every device call
//   - Backend: the device operation table (create, map, unmap, copy, destroy)
//   - Buffer: the coherence engine and per-buffer map bookkeeping
//   - Allocator: the facade binding a Backend under a name
//   - Registry: backend name to allocator, with Init/Shutdown for the process
//
// Backends live in subpackages: backend/software keeps device memory in Go
// memory, backend/wgpu creates buffers through the wgpu HAL.
//
// # Map Rules
//
// While a buffer is mapped, further maps must request a subset of the
// read/write access of the first one. Every map needs a matching Unmap with
// the same flags. Violations are returned as errors wrapping
// ErrContractViolation; build with -tags bufmemdebug to panic instead.
package bufmem
