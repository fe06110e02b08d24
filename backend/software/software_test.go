package software

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/bufmem"
)

func mustCreate(t *testing.T, b *Backend, size int) *Object {
	t.Helper()
	h, err := b.Create(&bufmem.Descriptor{Label: "test", Size: size})
	if err != nil {
		t.Fatalf("Create(%d) failed: %v", size, err)
	}
	return h.(*Object)
}

func TestCreateDestroy(t *testing.T) {
	b := New()
	o := mustCreate(t, b, 64)
	if len(o.Bytes()) != 64 {
		t.Errorf("len(Bytes()) = %d, want 64", len(o.Bytes()))
	}
	if o.Label() != "test" {
		t.Errorf("Label() = %q, want %q", o.Label(), "test")
	}
	if s := b.Stats(); s.Live != 1 || s.UsedBytes != 64 {
		t.Errorf("after Create: %v", s)
	}

	b.Destroy(o)
	if s := b.Stats(); s.Live != 0 || s.UsedBytes != 0 {
		t.Errorf("after Destroy: %v", s)
	}
	// Second destroy is ignored.
	b.Destroy(o)
	if s := b.Stats(); s.Live != 0 {
		t.Errorf("after double Destroy: Live = %d", s.Live)
	}
}

func TestCreateInvalidSize(t *testing.T) {
	b := New()
	if _, err := b.Create(&bufmem.Descriptor{Size: 0}); err == nil {
		t.Error("Create(0) should fail")
	}
}

func TestCapacity(t *testing.T) {
	b := New(WithCapacity(100))
	o := mustCreate(t, b, 64)
	if _, err := b.Create(&bufmem.Descriptor{Size: 64}); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Create over capacity = %v, want ErrOutOfMemory", err)
	}
	b.Destroy(o)
	mustCreate(t, b, 64)
}

func TestCheckConfig(t *testing.T) {
	if err := New().CheckConfig(); err != nil {
		t.Errorf("default CheckConfig() = %v", err)
	}
	if err := New(WithCapacity(-1)).CheckConfig(); err == nil {
		t.Error("negative capacity should be rejected")
	}
}

func TestMapTransfers(t *testing.T) {
	tests := []struct {
		name        string
		opts        []Option
		wantMapped  uint64
		wantReadbck uint64
	}{
		{"mapped range", nil, 1, 0},
		{"readback", []Option{WithoutMappedRange()}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.opts...)
			o := mustCreate(t, b, 16)

			mirror := bytes.Repeat([]byte{0x5A}, 16)
			m, err := b.Map(o, &bufmem.MapRequest{
				Flags:    bufmem.MapRead | bufmem.MapGPU,
				Size:     16,
				Mirror:   mirror,
				Transfer: bufmem.TransferNeedUpload,
			})
			if err != nil {
				t.Fatalf("upload Map failed: %v", err)
			}
			if m.Handle != o {
				t.Error("device-domain map should return the object")
			}
			if !bytes.Equal(o.Bytes(), mirror) {
				t.Error("upload did not reach the device object")
			}

			for i := range o.Bytes() {
				o.Bytes()[i] = 0xC3
			}
			got := make([]byte, 16)
			m, err = b.Map(o, &bufmem.MapRequest{
				Flags:    bufmem.MapRead,
				Size:     16,
				Mirror:   got,
				Transfer: bufmem.TransferNeedDownload,
			})
			if err != nil {
				t.Fatalf("download Map failed: %v", err)
			}
			if m.Handle != nil {
				t.Error("cpu-domain map should not return a handle")
			}
			if !bytes.Equal(got, bytes.Repeat([]byte{0xC3}, 16)) {
				t.Errorf("download = %x", got)
			}

			s := b.Stats()
			if s.Uploads != 1 || s.MappedDownloads != tt.wantMapped || s.ReadbackDownloads != tt.wantReadbck {
				t.Errorf("Stats() = %v", s)
			}
		})
	}
}

func TestMapForeignHandle(t *testing.T) {
	b := New()
	if _, err := b.Map("not an object", &bufmem.MapRequest{Flags: bufmem.MapRead}); err == nil {
		t.Error("Map with foreign handle should fail")
	}
}

func TestCopy(t *testing.T) {
	b := New()
	src := mustCreate(t, b, 8)
	dst := mustCreate(t, b, 4)
	copy(src.Bytes(), []byte{0, 1, 2, 3, 4, 5, 6, 7})

	if err := b.Copy(src, dst, 2, 4); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if !bytes.Equal(dst.Bytes(), []byte{2, 3, 4, 5}) {
		t.Errorf("dst = %v", dst.Bytes())
	}
	for _, r := range [][2]int{{6, 4}, {math.MaxInt, 1}, {1, math.MaxInt}, {0, -1}} {
		if err := b.Copy(src, dst, r[0], r[1]); err == nil {
			t.Errorf("Copy(%d, %d) should fail", r[0], r[1])
		}
	}
}

func TestCopyUnsupported(t *testing.T) {
	b := New(WithoutDeviceCopy())
	src := mustCreate(t, b, 8)
	dst := mustCreate(t, b, 8)
	if err := b.Copy(src, dst, 0, 8); !errors.Is(err, bufmem.ErrUnsupported) {
		t.Errorf("Copy() = %v, want ErrUnsupported", err)
	}
}

func TestCallHook(t *testing.T) {
	var ops []string
	b := New(WithCallHook(func(op string) { ops = append(ops, op) }))
	o := mustCreate(t, b, 8)
	_, _ = b.Map(o, &bufmem.MapRequest{Flags: bufmem.MapRead, Size: 8, Mirror: make([]byte, 8)})
	_ = b.Copy(o, o, 0, 8)
	b.Destroy(o)

	want := []string{"create", "map", "copy", "destroy"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %q, want %q", i, ops[i], want[i])
		}
	}
}
