package wgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bufmem"
)

// Name is the backend identifier.
const Name = "wgpu"

// DefaultFenceTimeout bounds the wait for a submitted copy.
const DefaultFenceTimeout = 5 * time.Second

// copyAlignment is the WebGPU alignment of buffer sizes and copy ranges.
const copyAlignment = 4

// ErrFenceTimeout is returned when the GPU did not finish a copy in time.
var ErrFenceTimeout = errors.New("wgpu: fence wait timed out")

// Object is a device object of the wgpu backend.
type Object struct {
	buf   hal.Buffer
	size  uint64
	label string
}

// Buffer returns the HAL buffer, for binding in the caller's own passes.
func (o *Object) Buffer() hal.Buffer { return o.buf }

// Size returns the padded device size in bytes.
func (o *Object) Size() uint64 { return o.size }

// Label returns the debug label given at creation.
func (o *Object) Label() string { return o.label }

// Option configures a Backend.
type Option func(*Backend)

// WithFenceTimeout sets how long downloads and copies wait for the GPU.
func WithFenceTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// Backend is the wgpu device operation table.
type Backend struct {
	bufmem.NopUnmap

	device  hal.Device
	queue   hal.Queue
	timeout time.Duration

	live atomic.Int64
}

var _ bufmem.Backend = (*Backend)(nil)

// New creates a backend on an already opened device and queue.
// A nil device or queue is reported by CheckConfig at registration.
func New(device hal.Device, queue hal.Queue, opts ...Option) *Backend {
	b := &Backend{
		device:  device,
		queue:   queue,
		timeout: DefaultFenceTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromProvider creates a backend on a device shared by a provider that
// implements HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue.
func NewFromProvider(provider any, opts ...Option) (*Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: wgpu: provider does not expose HAL types", bufmem.ErrConfiguration)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: wgpu: provider HalDevice is not hal.Device", bufmem.ErrConfiguration)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: wgpu: provider HalQueue is not hal.Queue", bufmem.ErrConfiguration)
	}
	return New(device, queue, opts...), nil
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return Name }

// CheckConfig reports a missing device or queue.
func (b *Backend) CheckConfig() error {
	if b.device == nil {
		return errors.New("wgpu: no device")
	}
	if b.queue == nil {
		return errors.New("wgpu: no queue")
	}
	return nil
}

// Live returns the number of buffers created and not yet destroyed.
func (b *Backend) Live() int { return int(b.live.Load()) }

// Create allocates a GPU buffer of at least desc.Size bytes. The usage is
// derived from the target; every buffer is also a copy source and
// destination so the coherence engine can move data in both directions.
func (b *Backend) Create(desc *bufmem.Descriptor) (bufmem.Handle, error) {
	if desc.Size <= 0 {
		return nil, fmt.Errorf("wgpu: invalid size %d", desc.Size)
	}
	size := alignUp(uint64(desc.Size))
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: usageFor(desc.Target) | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create buffer: %w", err)
	}
	b.live.Add(1)
	return &Object{buf: buf, size: size, label: desc.Label}, nil
}

// Map performs the requested transfer. Device-domain maps return the
// Object; CPU-domain maps leave the mirror in place.
func (b *Backend) Map(h bufmem.Handle, req *bufmem.MapRequest) (bufmem.Mapping, error) {
	o, err := object(h)
	if err != nil {
		return bufmem.Mapping{}, err
	}
	if uint64(req.Size) > o.size {
		return bufmem.Mapping{}, fmt.Errorf("wgpu: map of %d bytes on %d byte buffer", req.Size, o.size)
	}

	switch req.Transfer {
	case bufmem.TransferNeedUpload:
		b.upload(o, req.Mirror[:req.Size])
	case bufmem.TransferNeedDownload:
		if err := b.download(o, req.Mirror[:req.Size]); err != nil {
			return bufmem.Mapping{}, err
		}
	}

	if req.Flags.IsGPU() {
		return bufmem.Mapping{Handle: o}, nil
	}
	return bufmem.Mapping{}, nil
}

// upload writes data to the start of o, padding to the copy alignment.
func (b *Backend) upload(o *Object, data []byte) {
	if len(data)%copyAlignment != 0 {
		padded := make([]byte, alignUp(uint64(len(data))))
		copy(padded, data)
		data = padded
	}
	b.queue.WriteBuffer(o.buf, 0, data)
}

// download copies o into a staging buffer and reads it into dst.
func (b *Backend) download(o *Object, dst []byte) error {
	size := alignUp(uint64(len(dst)))
	staging, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "bufmem_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	defer b.device.DestroyBuffer(staging)

	if err := b.copyAndWait("bufmem_download", o.buf, staging, 0, size); err != nil {
		return err
	}

	readback := make([]byte, size)
	if err := b.queue.ReadBuffer(staging, 0, readback); err != nil {
		return fmt.Errorf("wgpu: readback: %w", err)
	}
	copy(dst, readback)
	return nil
}

// Copy copies size bytes at srcOffset of src to the start of dst on the GPU.
func (b *Backend) Copy(src, dst bufmem.Handle, srcOffset, size int) error {
	s, err := object(src)
	if err != nil {
		return err
	}
	d, err := object(dst)
	if err != nil {
		return err
	}
	if srcOffset%copyAlignment != 0 || size%copyAlignment != 0 {
		return bufmem.ErrUnsupported
	}
	if srcOffset < 0 || size < 0 || uint64(srcOffset) > s.size ||
		uint64(size) > s.size-uint64(srcOffset) || uint64(size) > d.size {
		return fmt.Errorf("wgpu: copy %d bytes at %d from %d byte buffer into %d byte buffer",
			size, srcOffset, s.size, d.size)
	}
	return b.copyAndWait("bufmem_copy", s.buf, d.buf, uint64(srcOffset), uint64(size))
}

// copyAndWait encodes one buffer copy, submits it and waits on a fence.
func (b *Backend) copyAndWait(label string, src, dst hal.Buffer, srcOffset, size uint64) error {
	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(src, dst, []hal.BufferCopy{
		{SrcOffset: srcOffset, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer b.device.FreeCommandBuffer(cmdBuf)

	fence, err := b.device.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer b.device.DestroyFence(fence)

	if err := b.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	ok, err := b.device.Wait(fence, 1, b.timeout)
	if err != nil {
		return fmt.Errorf("wgpu: wait for GPU: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w after %s", ErrFenceTimeout, b.timeout)
	}
	return nil
}

// Destroy releases the GPU buffer.
func (b *Backend) Destroy(h bufmem.Handle) {
	o, err := object(h)
	if err != nil {
		bufmem.Logger().Warn("wgpu: destroy of foreign handle", slog.String("error", err.Error()))
		return
	}
	if o.buf == nil {
		return
	}
	b.device.DestroyBuffer(o.buf)
	o.buf = nil
	b.live.Add(-1)
}

func usageFor(t bufmem.Target) gputypes.BufferUsage {
	switch t {
	case bufmem.TargetUniform:
		return gputypes.BufferUsageUniform
	case bufmem.TargetStorage:
		return gputypes.BufferUsageStorage
	case bufmem.TargetTransfer:
		return 0
	default:
		return gputypes.BufferUsageVertex
	}
}

func alignUp(n uint64) uint64 {
	return (n + copyAlignment - 1) &^ (copyAlignment - 1)
}

func object(h bufmem.Handle) (*Object, error) {
	o, ok := h.(*Object)
	if !ok || o == nil {
		return nil, fmt.Errorf("wgpu: handle %T is not a wgpu object", h)
	}
	return o, nil
}
