package bufmem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Allocator is the facade applications allocate, map, copy and free
// coherent buffers through. It binds one Backend under a name.
//
// Thread safety: Allocator is safe for concurrent use. Backend calls are
// always dispatched to the DeviceContext a buffer was allocated on.
type Allocator struct {
	name    string
	backend Backend

	stats allocStats

	mu     sync.Mutex
	nextID uint64
	live   map[uint64]*Buffer
	closed bool
}

// NewAllocator validates backend and binds it under name.
//
// Returns an error wrapping ErrConfiguration if name is empty, backend is
// nil, or backend reports a broken configuration through CheckConfig.
func NewAllocator(name string, backend Backend) (*Allocator, error) {
	if err := checkBackend(name, backend); err != nil {
		return nil, err
	}
	return &Allocator{
		name:    name,
		backend: backend,
		live:    make(map[uint64]*Buffer),
	}, nil
}

func checkBackend(name string, backend Backend) error {
	if name == "" {
		return fmt.Errorf("%w: empty allocator name", ErrConfiguration)
	}
	if isNil(backend) {
		return fmt.Errorf("%w: allocator %q has no backend", ErrConfiguration, name)
	}
	if c, ok := backend.(configChecker); ok {
		if err := c.CheckConfig(); err != nil {
			return fmt.Errorf("%w: allocator %q: %w", ErrConfiguration, name, err)
		}
	}
	return nil
}

// isNil also catches typed nil pointers stored in the interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// Name returns the name the allocator was registered under.
func (a *Allocator) Name() string { return a.name }

// Backend returns the bound device operation table.
func (a *Allocator) Backend() Backend { return a.backend }

// Allocate creates a buffer of size bytes whose device object lives on dc.
//
// Parameter errors (size, alignment, reserve) return a nil buffer. If the
// device object cannot be created, Allocate returns a non-nil but invalid
// buffer together with an error wrapping ErrDeviceCreate; the buffer must
// still be freed and must never be mapped.
func (a *Allocator) Allocate(ctx context.Context, dc *DeviceContext, size int, opts ...AllocOption) (*Buffer, error) {
	if dc == nil {
		return nil, fmt.Errorf("bufmem: allocator %q: nil device context", a.name)
	}
	p := defaultAllocParams(size)
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAllocatorClosed, a.name)
	}
	a.nextID++
	id := a.nextID
	a.mu.Unlock()

	b := &Buffer{
		id:          id,
		alloc:       a,
		dc:          dc,
		size:        p.size,
		maxReserved: p.maxReserved(),
		alignment:   p.alignment,
		target:      p.target,
		usage:       p.usage,
		label:       p.label,
	}
	b.refs.Store(1)
	if p.wrapped != nil {
		b.mirror = p.wrapped
		b.transfer = TransferNeedUpload
	}

	desc := Descriptor{
		Label:  p.label,
		Size:   b.maxReserved,
		Target: p.target,
		Usage:  p.usage,
	}
	var (
		h         Handle
		createErr error
	)
	if err := dc.Submit(ctx, func(context.Context) {
		h, createErr = a.backend.Create(&desc)
	}); err != nil {
		createErr = err
	}
	if createErr == nil && isNil(h) {
		createErr = errors.New("backend returned no device object")
	}
	if createErr != nil {
		b.err = fmt.Errorf("%w: %s buffer of %d bytes on %q: %w",
			ErrDeviceCreate, a.name, b.maxReserved, dc.Name(), createErr)
		b.mirror = nil
		a.stats.createFailures.Add(1)
		Logger().Error("bufmem: device object creation failed",
			slog.String("allocator", a.name),
			slog.Uint64("buffer", id),
			slog.Int("size", b.maxReserved),
			slog.String("error", createErr.Error()))
		return b, b.err
	}
	b.handle = h

	if !a.track(b) {
		_ = b.destroy(ctx)
		return nil, fmt.Errorf("%w: %q", ErrAllocatorClosed, a.name)
	}
	a.stats.allocated.Add(1)
	Logger().Debug("bufmem: buffer allocated",
		slog.String("allocator", a.name),
		slog.Uint64("buffer", id),
		slog.Int("size", b.size),
		slog.Int("reserved", b.maxReserved),
		slog.String("target", b.target.String()))
	return b, nil
}

// Map maps buf in the domain selected by flags and returns the view.
//
// size <= 0 maps the whole buffer; size larger than the buffer returns
// ErrInvalidRange. CPU-domain maps return the mirror in Mapping.Data;
// device-domain maps (MapGPU) return the device object in Mapping.Handle.
// Dirty data is transferred before Map returns.
//
// While a map is outstanding, further maps must request a subset of its
// read/write access; anything else is a contract violation.
func (a *Allocator) Map(ctx context.Context, buf *Buffer, flags MapFlags, size int) (Mapping, error) {
	if err := a.owns(buf); err != nil {
		return Mapping{}, err
	}
	return buf.mapFull(ctx, flags, size)
}

// Unmap ends one map of buf. flags must be the flags the map was made
// with. After a CPU write the device becomes stale; after a device write
// the mirror becomes stale.
//
// Only contract violations are returned. Backend unmap failures are
// logged.
func (a *Allocator) Unmap(ctx context.Context, buf *Buffer, flags MapFlags) error {
	if err := a.owns(buf); err != nil {
		return err
	}
	return buf.unmapFull(ctx, flags)
}

// Copy returns a new buffer holding size bytes of src starting at offset.
//
// The copy is done on the device when the backend supports it, and
// through CPU maps otherwise; both yield the same contents. size <= 0
// returns (nil, nil).
func (a *Allocator) Copy(ctx context.Context, src *Buffer, offset, size int) (*Buffer, error) {
	if err := a.owns(src); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, nil
	}
	if offset < 0 || offset > src.size || size > src.size-offset {
		return nil, fmt.Errorf("%w: copy %d bytes at %d of %d byte buffer",
			ErrInvalidRange, size, offset, src.size)
	}
	if _, err := src.deviceHandle(); err != nil {
		return nil, err
	}

	dst, err := a.Allocate(ctx, src.dc, size,
		WithAlignment(src.alignment),
		WithTarget(src.target),
		WithUsage(src.usage),
		WithLabel(src.label))
	if err != nil {
		if dst != nil {
			a.Free(ctx, dst)
		}
		return nil, err
	}

	err = a.deviceCopy(ctx, src, dst, offset, size)
	switch {
	case err == nil:
		a.stats.deviceCopies.Add(1)
		return dst, nil
	case errors.Is(err, ErrUnsupported):
		Logger().Debug("bufmem: device copy unsupported, using cpu",
			slog.String("allocator", a.name),
			slog.Uint64("buffer", src.id))
	default:
		a.Free(ctx, dst)
		return nil, err
	}

	if err := a.cpuCopy(ctx, src, dst, offset, size); err != nil {
		a.Free(ctx, dst)
		return nil, err
	}
	a.stats.fallbackCopies.Add(1)
	return dst, nil
}

// deviceCopy maps src for device reading, which uploads pending CPU
// writes, and asks the backend to copy on the device.
func (a *Allocator) deviceCopy(ctx context.Context, src, dst *Buffer, offset, size int) error {
	dstHandle, err := dst.deviceHandle()
	if err != nil {
		return err
	}
	m, err := src.mapFull(ctx, MapRead|MapGPU, 0)
	if err != nil {
		return err
	}

	var copyErr error
	err = src.dc.Submit(ctx, func(context.Context) {
		copyErr = a.backend.Copy(m.Handle, dstHandle, offset, size)
	})
	if uerr := src.unmapFull(ctx, MapRead|MapGPU); uerr != nil && err == nil {
		err = uerr
	}
	if err == nil {
		err = copyErr
	}
	if err != nil {
		return err
	}
	dst.markDeviceWritten()
	return nil
}

// cpuCopy copies through the CPU mirrors of both buffers.
func (a *Allocator) cpuCopy(ctx context.Context, src, dst *Buffer, offset, size int) error {
	sm, err := src.mapFull(ctx, MapRead, 0)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.unmapFull(ctx, MapRead)
	}()

	dm, err := dst.mapFull(ctx, MapWrite, 0)
	if err != nil {
		return err
	}
	copy(dm.Data, sm.Data[offset:offset+size])
	return dst.unmapFull(ctx, MapWrite)
}

// Free drops one reference to buf. Dropping the last reference destroys
// the device object on the buffer's context and releases the mirror.
// Freeing an already released buffer is logged as a contract violation,
// except after Close, which releases every live buffer itself.
func (a *Allocator) Free(ctx context.Context, buf *Buffer) {
	if buf == nil {
		return
	}
	if err := a.owns(buf); err != nil {
		Logger().Error("bufmem: free of foreign buffer",
			slog.String("allocator", a.name),
			slog.String("error", err.Error()))
		return
	}
	if a.isClosed() && buf.isReleased() {
		return
	}
	n := buf.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		buf.refs.Store(0)
		_ = contractViolation(buf, "free of buffer %d with no references", buf.id)
		return
	}
	_ = buf.destroy(ctx)
}

// Stats returns a snapshot of allocator activity.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	live := len(a.live)
	var bytes uint64
	for _, b := range a.live {
		bytes += uint64(b.maxReserved)
	}
	a.mu.Unlock()

	return Stats{
		Allocated:      a.stats.allocated.Load(),
		Freed:          a.stats.freed.Load(),
		Live:           live,
		LiveBytes:      bytes,
		CreateFailures: a.stats.createFailures.Load(),
		Uploads:        a.stats.uploads.Load(),
		Downloads:      a.stats.downloads.Load(),
		DeviceCopies:   a.stats.deviceCopies.Load(),
		FallbackCopies: a.stats.fallbackCopies.Load(),
	}
}

// Close stops the allocator from handing out buffers and destroys every
// buffer that is still live, logging each as leaked. Close is idempotent.
func (a *Allocator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	leaked := make([]*Buffer, 0, len(a.live))
	for _, b := range a.live {
		leaked = append(leaked, b)
	}
	a.mu.Unlock()

	var errs []error
	for _, b := range leaked {
		Logger().Warn("bufmem: buffer leaked at allocator close",
			slog.String("allocator", a.name),
			slog.Uint64("buffer", b.id),
			slog.Int("refs", b.Refs()))
		b.refs.Store(0)
		if err := b.destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Allocator) owns(buf *Buffer) error {
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidBuffer)
	}
	if buf.alloc != a {
		return fmt.Errorf("%w: buffer %d does not belong to allocator %q", ErrInvalidBuffer, buf.id, a.name)
	}
	return nil
}

func (a *Allocator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// track records a live buffer. It fails once the allocator is closed.
func (a *Allocator) track(b *Buffer) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.live[b.id] = b
	return true
}

func (a *Allocator) untrack(b *Buffer) {
	a.mu.Lock()
	_, ok := a.live[b.id]
	delete(a.live, b.id)
	a.mu.Unlock()
	if ok {
		a.stats.freed.Add(1)
	}
}
