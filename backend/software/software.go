// Package software implements a bufmem backend whose device memory is
// plain Go memory.
//
// It behaves like a device with a separate address space: data only moves
// between the CPU mirror and the device object when the coherence engine
// asks for a transfer. That makes it the reference backend for tests and
// for hosts without a GPU.
package software

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/bufmem"
)

// Name is the backend identifier.
const Name = "software"

// ErrOutOfMemory is returned by Create when the configured capacity would
// be exceeded.
var ErrOutOfMemory = errors.New("software: out of device memory")

// Object is a device object of the software backend.
type Object struct {
	id     uint64
	label  string
	target bufmem.Target
	data   []byte
}

// ID returns the backend-unique object id.
func (o *Object) ID() uint64 { return o.id }

// Label returns the debug label given at creation.
func (o *Object) Label() string { return o.label }

// Target returns the target kind given at creation.
func (o *Object) Target() bufmem.Target { return o.target }

// Bytes returns the device storage. It must only be touched on the owning
// device context thread, e.g. from a task passed to Submit.
func (o *Object) Bytes() []byte { return o.data }

// Option configures a Backend.
type Option func(*options)

type options struct {
	mappedRange bool
	deviceCopy  bool
	capacity    int
	hook        func(op string)
}

// WithoutMappedRange makes downloads go through a temporary readback copy
// instead of reading the device object directly, like a device without
// mapped-range support.
func WithoutMappedRange() Option {
	return func(o *options) {
		o.mappedRange = false
	}
}

// WithoutDeviceCopy removes the device-side copy primitive so every
// Allocator.Copy takes the CPU fallback.
func WithoutDeviceCopy() Option {
	return func(o *options) {
		o.deviceCopy = false
	}
}

// WithCapacity limits the total bytes of live device objects.
// Zero means unlimited.
func WithCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

// WithCallHook installs fn to be called at the start of every backend
// entry with the operation name ("create", "map", "copy", "destroy").
// fn runs on the device context thread.
func WithCallHook(fn func(op string)) Option {
	return func(o *options) {
		o.hook = fn
	}
}

// Stats is a snapshot of backend activity.
type Stats struct {
	Live              int
	UsedBytes         int
	Uploads           uint64
	MappedDownloads   uint64
	ReadbackDownloads uint64
	DeviceCopies      uint64
}

// String returns a human-readable string of backend stats.
func (s Stats) String() string {
	return fmt.Sprintf("Software[%d objects, %d bytes, %d up, %d/%d down, %d copies]",
		s.Live, s.UsedBytes, s.Uploads, s.MappedDownloads, s.ReadbackDownloads, s.DeviceCopies)
}

// Backend is the software device operation table.
//
// Thread safety: the operation table is only called on device context
// threads; Stats may be called from anywhere.
type Backend struct {
	bufmem.NopUnmap

	opts options

	nextID            atomic.Uint64
	live              atomic.Int64
	used              atomic.Int64
	uploads           atomic.Uint64
	mappedDownloads   atomic.Uint64
	readbackDownloads atomic.Uint64
	deviceCopies      atomic.Uint64
}

var _ bufmem.Backend = (*Backend)(nil)

// New creates a software backend.
func New(opts ...Option) *Backend {
	o := options{mappedRange: true, deviceCopy: true}
	for _, opt := range opts {
		opt(&o)
	}
	return &Backend{opts: o}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return Name }

// CheckConfig rejects a negative capacity.
func (b *Backend) CheckConfig() error {
	if b.opts.capacity < 0 {
		return fmt.Errorf("software: negative capacity %d", b.opts.capacity)
	}
	return nil
}

// Create allocates desc.Size bytes of device memory.
func (b *Backend) Create(desc *bufmem.Descriptor) (bufmem.Handle, error) {
	b.called("create")
	if desc.Size <= 0 {
		return nil, fmt.Errorf("software: invalid size %d", desc.Size)
	}
	if c := b.opts.capacity; c > 0 && int(b.used.Load())+desc.Size > c {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrOutOfMemory, desc.Size, b.used.Load(), c)
	}
	o := &Object{
		id:     b.nextID.Add(1),
		label:  desc.Label,
		target: desc.Target,
		data:   make([]byte, desc.Size),
	}
	b.live.Add(1)
	b.used.Add(int64(desc.Size))
	return o, nil
}

// Map performs the requested transfer between the mirror and the object.
func (b *Backend) Map(h bufmem.Handle, req *bufmem.MapRequest) (bufmem.Mapping, error) {
	b.called("map")
	o, err := object(h)
	if err != nil {
		return bufmem.Mapping{}, err
	}
	if req.Size > len(o.data) {
		return bufmem.Mapping{}, fmt.Errorf("software: map of %d bytes on %d byte object", req.Size, len(o.data))
	}

	switch req.Transfer {
	case bufmem.TransferNeedUpload:
		copy(o.data[:req.Size], req.Mirror)
		b.uploads.Add(1)
	case bufmem.TransferNeedDownload:
		if b.opts.mappedRange {
			copy(req.Mirror, o.data[:req.Size])
			b.mappedDownloads.Add(1)
		} else {
			readback := make([]byte, req.Size)
			copy(readback, o.data)
			copy(req.Mirror, readback)
			b.readbackDownloads.Add(1)
		}
	}

	if req.Flags.IsGPU() {
		return bufmem.Mapping{Handle: o}, nil
	}
	return bufmem.Mapping{}, nil
}

// Copy copies size bytes at srcOffset of src to the start of dst.
func (b *Backend) Copy(src, dst bufmem.Handle, srcOffset, size int) error {
	b.called("copy")
	if !b.opts.deviceCopy {
		return bufmem.ErrUnsupported
	}
	s, err := object(src)
	if err != nil {
		return err
	}
	d, err := object(dst)
	if err != nil {
		return err
	}
	if srcOffset < 0 || size < 0 || srcOffset > len(s.data) || size > len(s.data)-srcOffset || size > len(d.data) {
		return fmt.Errorf("software: copy %d bytes at %d from %d byte object into %d byte object",
			size, srcOffset, len(s.data), len(d.data))
	}
	copy(d.data[:size], s.data[srcOffset:srcOffset+size])
	b.deviceCopies.Add(1)
	return nil
}

// Destroy releases the object.
func (b *Backend) Destroy(h bufmem.Handle) {
	b.called("destroy")
	o, err := object(h)
	if err != nil {
		bufmem.Logger().Warn("software: destroy of foreign handle", slog.String("error", err.Error()))
		return
	}
	if o.data == nil {
		return
	}
	b.live.Add(-1)
	b.used.Add(-int64(len(o.data)))
	o.data = nil
}

// Stats returns a snapshot of backend activity.
func (b *Backend) Stats() Stats {
	return Stats{
		Live:              int(b.live.Load()),
		UsedBytes:         int(b.used.Load()),
		Uploads:           b.uploads.Load(),
		MappedDownloads:   b.mappedDownloads.Load(),
		ReadbackDownloads: b.readbackDownloads.Load(),
		DeviceCopies:      b.deviceCopies.Load(),
	}
}

func (b *Backend) called(op string) {
	if b.opts.hook != nil {
		b.opts.hook(op)
	}
}

func object(h bufmem.Handle) (*Object, error) {
	o, ok := h.(*Object)
	if !ok || o == nil {
		return nil, fmt.Errorf("software: handle %T is not a software object", h)
	}
	return o, nil
}
