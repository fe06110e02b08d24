package wgpu

import (
	"context"
	"errors"
	"testing"

	"github.com/gogpu/bufmem"
)

// openNoop opens a noop device for testing.
func openNoop(t *testing.T) *Device {
	t.Helper()
	dev, err := OpenNoop()
	if err != nil {
		t.Fatalf("OpenNoop failed: %v", err)
	}
	t.Cleanup(dev.Close)
	return dev
}

func TestCheckConfig(t *testing.T) {
	if err := New(nil, nil).CheckConfig(); err == nil {
		t.Error("backend without device should be rejected")
	}

	dev := openNoop(t)
	if err := New(dev.Device, nil).CheckConfig(); err == nil {
		t.Error("backend without queue should be rejected")
	}
	if err := New(dev.Device, dev.Queue).CheckConfig(); err != nil {
		t.Errorf("CheckConfig() = %v", err)
	}
}

func TestNewAllocatorRejectsMissingDevice(t *testing.T) {
	_, err := bufmem.NewAllocator(Name, New(nil, nil))
	if !errors.Is(err, bufmem.ErrConfiguration) {
		t.Errorf("NewAllocator() = %v, want ErrConfiguration", err)
	}
}

type provider struct {
	device, queue any
}

func (p provider) HalDevice() any { return p.device }
func (p provider) HalQueue() any  { return p.queue }

func TestNewFromProvider(t *testing.T) {
	dev := openNoop(t)

	tests := []struct {
		name     string
		provider any
		wantErr  bool
	}{
		{"valid", provider{dev.Device, dev.Queue}, false},
		{"not a provider", struct{}{}, true},
		{"wrong device type", provider{"device", dev.Queue}, true},
		{"nil queue", provider{dev.Device, nil}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewFromProvider(tt.provider)
			if tt.wantErr {
				if !errors.Is(err, bufmem.ErrConfiguration) {
					t.Errorf("NewFromProvider() = %v, want ErrConfiguration", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewFromProvider() = %v", err)
			}
			if b.device != dev.Device || b.queue != dev.Queue {
				t.Error("provider device/queue not stored")
			}
		})
	}
}

func TestCreateDestroy(t *testing.T) {
	dev := openNoop(t)
	b := New(dev.Device, dev.Queue)

	h, err := b.Create(&bufmem.Descriptor{Label: "test", Size: 10, Target: bufmem.TargetStorage})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	o := h.(*Object)
	if o.Size() != 12 {
		t.Errorf("Size() = %d, want 12 (padded)", o.Size())
	}
	if o.Buffer() == nil {
		t.Error("Buffer() is nil")
	}
	if b.Live() != 1 {
		t.Errorf("Live() = %d, want 1", b.Live())
	}

	b.Destroy(o)
	b.Destroy(o)
	if b.Live() != 0 {
		t.Errorf("Live() = %d after Destroy, want 0", b.Live())
	}
}

func TestMapUpload(t *testing.T) {
	dev := openNoop(t)
	b := New(dev.Device, dev.Queue)

	h, err := b.Create(&bufmem.Descriptor{Size: 7})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer b.Destroy(h)

	m, err := b.Map(h, &bufmem.MapRequest{
		Flags:    bufmem.MapRead | bufmem.MapGPU,
		Size:     7,
		Mirror:   make([]byte, 7),
		Transfer: bufmem.TransferNeedUpload,
	})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if m.Handle != h {
		t.Error("device-domain map should return the object")
	}

	if _, err := b.Map(h, &bufmem.MapRequest{Flags: bufmem.MapRead, Size: 64}); err == nil {
		t.Error("oversized map should fail")
	}
}

func TestCopyUnaligned(t *testing.T) {
	dev := openNoop(t)
	b := New(dev.Device, dev.Queue)

	src, _ := b.Create(&bufmem.Descriptor{Size: 16})
	dst, _ := b.Create(&bufmem.Descriptor{Size: 16})
	defer b.Destroy(src)
	defer b.Destroy(dst)

	if err := b.Copy(src, dst, 1, 4); !errors.Is(err, bufmem.ErrUnsupported) {
		t.Errorf("Copy(offset 1) = %v, want ErrUnsupported", err)
	}
	if err := b.Copy(src, dst, 0, 3); !errors.Is(err, bufmem.ErrUnsupported) {
		t.Errorf("Copy(size 3) = %v, want ErrUnsupported", err)
	}
}

func TestForeignHandle(t *testing.T) {
	dev := openNoop(t)
	b := New(dev.Device, dev.Queue)
	if _, err := b.Map(42, &bufmem.MapRequest{}); err == nil {
		t.Error("Map with foreign handle should fail")
	}
	if err := b.Copy(42, 43, 0, 4); err == nil {
		t.Error("Copy with foreign handles should fail")
	}
}

func TestAllocatorOnNoopDevice(t *testing.T) {
	dev := openNoop(t)
	dc := bufmem.NewDeviceContext("wgpu-test")
	defer dc.Close()

	alloc, err := bufmem.NewAllocator(Name, New(dev.Device, dev.Queue))
	if err != nil {
		t.Fatalf("NewAllocator failed: %v", err)
	}
	ctx := context.Background()

	buf, err := alloc.Allocate(ctx, dc, 256, bufmem.WithTarget(bufmem.TargetUniform))
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	m, err := alloc.Map(ctx, buf, bufmem.MapWrite, 0)
	if err != nil {
		t.Fatalf("cpu Map failed: %v", err)
	}
	for i := range m.Data {
		m.Data[i] = byte(i)
	}
	if err := alloc.Unmap(ctx, buf, bufmem.MapWrite); err != nil {
		t.Fatalf("cpu Unmap failed: %v", err)
	}

	m, err = alloc.Map(ctx, buf, bufmem.MapRead|bufmem.MapGPU, 0)
	if err != nil {
		t.Fatalf("gpu Map failed: %v", err)
	}
	if _, ok := m.Handle.(*Object); !ok {
		t.Errorf("gpu Map handle = %T, want *Object", m.Handle)
	}
	if buf.Transfer() != bufmem.TransferClean {
		t.Errorf("Transfer() = %v after gpu map, want Clean", buf.Transfer())
	}
	if err := alloc.Unmap(ctx, buf, bufmem.MapRead|bufmem.MapGPU); err != nil {
		t.Fatalf("gpu Unmap failed: %v", err)
	}

	alloc.Free(ctx, buf)
	if s := alloc.Stats(); s.Live != 0 || s.Uploads != 1 {
		t.Errorf("Stats() = %v", s)
	}
}
