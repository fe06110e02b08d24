package bufmem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/bufmem/internal/sysmem"
)

// Buffer is a reference-counted memory block with a CPU-domain view (the
// mirror, allocated on first CPU map) and a device-domain view (the device
// object, created by Allocate). The coherence engine tracks which view is
// newer and transfers on demand, so callers never need to know which
// domain last wrote the data.
//
// Thread Safety:
// Buffer is safe for concurrent use. Map bookkeeping, the dirty state and
// the lazy mirror allocation are guarded by one mutex that is held across
// the device dispatch of each map and unmap, so only one transition is in
// flight per buffer.
//
// Lifecycle:
//  1. Allocate creates the device object on the owning DeviceContext.
//  2. Map/Unmap pairs access either domain, any number of times.
//  3. Ref hands out extra references; Allocator.Free drops one.
//  4. The last Free destroys the device object on the owning context,
//     then drops the mirror.
type Buffer struct {
	mu sync.Mutex

	id    uint64
	alloc *Allocator
	dc    *DeviceContext

	// Immutable after Allocate.
	size        int
	maxReserved int
	alignment   int
	target      Target
	usage       Usage
	label       string

	// handle is the device object; nil once destroyed or if creation failed.
	handle Handle

	// err holds the creation cause of an invalid buffer.
	err error

	// mirror is allocated at most once and never moves afterwards.
	mirror   []byte
	transfer Transfer

	mapFlags    MapFlags
	mapCount    int
	gpuMapCount int

	refs     atomic.Int32
	released bool
}

// ID returns the allocator-unique buffer id.
func (b *Buffer) ID() uint64 { return b.id }

// Size returns the usable size in bytes.
func (b *Buffer) Size() int { return b.size }

// MaxSize returns the number of bytes reserved on the device.
func (b *Buffer) MaxSize() int { return b.maxReserved }

// Alignment returns the CPU mirror alignment.
func (b *Buffer) Alignment() int { return b.alignment }

// Target returns the device target kind.
func (b *Buffer) Target() Target { return b.target }

// Usage returns the usage hint.
func (b *Buffer) Usage() Usage { return b.usage }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Context returns the owning device context.
func (b *Buffer) Context() *DeviceContext { return b.dc }

// Allocator returns the allocator that created the buffer.
func (b *Buffer) Allocator() *Allocator { return b.alloc }

// Valid reports whether the device object was created successfully.
// Invalid buffers must not be mapped.
func (b *Buffer) Valid() bool { return b.err == nil }

// Err returns the device creation failure of an invalid buffer, or nil.
func (b *Buffer) Err() error { return b.err }

func (b *Buffer) isReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Transfer returns the current dirty state.
func (b *Buffer) Transfer() Transfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transfer
}

// MapCount returns the number of outstanding maps in either domain.
func (b *Buffer) MapCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapCount
}

// GPUMapCount returns the number of outstanding device-domain maps.
func (b *Buffer) GPUMapCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gpuMapCount
}

// ActiveFlags returns the access descriptor of the current map generation,
// or 0 when the buffer is not mapped.
func (b *Buffer) ActiveFlags() MapFlags {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapFlags
}

// HasMirror reports whether the CPU mirror has been allocated.
func (b *Buffer) HasMirror() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mirror != nil
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int { return int(b.refs.Load()) }

// Ref adds a reference and returns b. The caller must already hold one.
func (b *Buffer) Ref() *Buffer {
	b.refs.Add(1)
	return b
}

// usableLocked returns why the buffer cannot be mapped, if anything.
// Caller must hold mu.
func (b *Buffer) usableLocked() error {
	if b.err != nil {
		return fmt.Errorf("%w: buffer %d: %w", ErrInvalidBuffer, b.id, b.err)
	}
	if b.released {
		return fmt.Errorf("%w: buffer %d", ErrBufferReleased, b.id)
	}
	return nil
}

// deviceHandle returns the device object, or an error if there is none.
func (b *Buffer) deviceHandle() (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}
	return b.handle, nil
}

// mapFull runs the map side of the coherence engine.
//
// Device-domain maps first resolve a pending upload; CPU-domain maps
// allocate the mirror if needed and resolve a pending download when reading.
// The dirty flag is cleared only after the backend finished the transfer.
func (b *Buffer) mapFull(ctx context.Context, flags MapFlags, size int) (Mapping, error) {
	if size <= 0 {
		size = b.size
	}
	if size > b.size {
		return Mapping{}, fmt.Errorf("%w: map size %d exceeds buffer size %d", ErrInvalidRange, size, b.size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usableLocked(); err != nil {
		return Mapping{}, err
	}
	if flags.access() == 0 {
		return Mapping{}, contractViolation(b, "map with no access bits (%s)", flags)
	}
	if b.mapCount > 0 && !b.mapFlags.access().Contains(flags.access()) {
		return Mapping{}, contractViolation(b, "map %s is not a subset of active %s", flags, b.mapFlags)
	}

	req := MapRequest{Flags: flags, Size: b.size}
	if flags.IsGPU() {
		if b.transfer == TransferNeedUpload {
			req.Transfer = TransferNeedUpload
			req.Mirror = b.mirror
		}
	} else {
		if b.mirror == nil {
			b.mirror = sysmem.Alloc(b.size, b.alignment)
		}
		req.Mirror = b.mirror
		if b.transfer == TransferNeedDownload && flags&MapRead != 0 {
			req.Transfer = TransferNeedDownload
		}
	}

	var (
		m      Mapping
		mapErr error
	)
	backend := b.alloc.backend
	handle := b.handle
	if err := b.dc.Submit(ctx, func(context.Context) {
		m, mapErr = backend.Map(handle, &req)
	}); err != nil {
		return Mapping{}, err
	}
	if mapErr != nil {
		return Mapping{}, fmt.Errorf("%w: %s map of buffer %d: %w", ErrMapFailed, flags, b.id, mapErr)
	}

	switch req.Transfer {
	case TransferNeedUpload:
		b.transfer = TransferClean
		b.alloc.stats.uploads.Add(1)
		Logger().Debug("bufmem: uploaded mirror to device",
			slog.Uint64("buffer", b.id), slog.Int("bytes", b.size))
	case TransferNeedDownload:
		b.transfer = TransferClean
		b.alloc.stats.downloads.Add(1)
		Logger().Debug("bufmem: downloaded device to mirror",
			slog.Uint64("buffer", b.id), slog.Int("bytes", b.size))
	}

	if b.mapCount == 0 {
		b.mapFlags = flags
	} else {
		b.mapFlags |= flags & MapGPU
	}
	b.mapCount++

	m.Flags = flags
	if flags.IsGPU() {
		b.gpuMapCount++
		m.Data = nil
		if m.Handle == nil {
			m.Handle = handle
		}
	} else {
		m.Data = b.mirror[:size:size]
		m.Handle = nil
	}
	return m, nil
}

// unmapFull runs the unmap side of the coherence engine: a write marks the
// other domain stale.
func (b *Buffer) unmapFull(ctx context.Context, flags MapFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usableLocked(); err != nil {
		return err
	}
	if b.mapCount == 0 {
		return contractViolation(b, "unmap %s without a matching map", flags)
	}
	if flags.IsGPU() && b.gpuMapCount == 0 {
		return contractViolation(b, "unmap %s without a matching gpu map", flags)
	}
	if !flags.IsGPU() && b.mapCount == b.gpuMapCount {
		return contractViolation(b, "unmap %s without a matching cpu map", flags)
	}
	if !b.mapFlags.access().Contains(flags.access()) {
		return contractViolation(b, "unmap %s does not match active %s", flags, b.mapFlags)
	}

	backend := b.alloc.backend
	if _, nop := backend.(nopUnmapper); !nop {
		handle := b.handle
		var unmapErr error
		err := b.dc.Submit(ctx, func(context.Context) {
			unmapErr = backend.Unmap(handle, flags)
		})
		if err == nil {
			err = unmapErr
		}
		if err != nil {
			Logger().Warn("bufmem: backend unmap failed",
				slog.Uint64("buffer", b.id),
				slog.String("flags", flags.String()),
				slog.String("error", err.Error()))
		}
	}

	if flags&MapWrite != 0 {
		if flags.IsGPU() {
			b.transfer = TransferNeedDownload
		} else {
			b.transfer = TransferNeedUpload
		}
	}

	if flags.IsGPU() {
		b.gpuMapCount--
		if b.gpuMapCount == 0 {
			b.mapFlags &^= MapGPU
		}
	}
	b.mapCount--
	if b.mapCount == 0 {
		b.mapFlags = 0
	}
	return nil
}

// markDeviceWritten records that the device object was written outside of
// a map, e.g. as the destination of a device-side copy.
func (b *Buffer) markDeviceWritten() {
	b.mu.Lock()
	b.transfer = TransferNeedDownload
	b.mu.Unlock()
}

// destroy releases the device object on the owning context and drops the
// mirror. It is called once the last reference is gone.
func (b *Buffer) destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	if b.mapCount > 0 {
		Logger().Warn("bufmem: buffer destroyed while mapped",
			slog.Uint64("buffer", b.id), slog.Int("maps", b.mapCount))
	}

	var err error
	if handle := b.handle; handle != nil {
		backend := b.alloc.backend
		err = b.dc.Submit(ctx, func(context.Context) {
			backend.Destroy(handle)
		})
		if err != nil {
			err = fmt.Errorf("bufmem: destroy buffer %d: %w", b.id, err)
			Logger().Warn("bufmem: device object leaked",
				slog.Uint64("buffer", b.id), slog.String("error", err.Error()))
		}
	}
	b.handle = nil
	b.mirror = nil
	b.mapCount = 0
	b.gpuMapCount = 0
	b.mapFlags = 0
	valid := b.err == nil
	b.mu.Unlock()

	if valid {
		b.alloc.untrack(b)
	}
	return err
}

// IsCoherent reports whether v is a Buffer from a bufmem Allocator, i.e.
// whether the device-domain fast path is available for it.
func IsCoherent(v any) bool {
	b, ok := v.(*Buffer)
	return ok && b != nil && b.alloc != nil
}
