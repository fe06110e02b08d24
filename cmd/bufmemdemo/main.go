// Command bufmemdemo exercises coherent buffers on a chosen backend.
//
// It writes a buffer on the CPU, reads it in the device domain, writes it
// in the device domain where the backend allows that, reads it back on the
// CPU, copies it, and then runs concurrent readers against one buffer.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/bufmem"
	"github.com/gogpu/bufmem/backend/software"
	"github.com/gogpu/bufmem/backend/wgpu"
)

func main() {
	var (
		backendName = flag.String("backend", "software", "backend: software, noop or vulkan")
		size        = flag.Int("size", 4096, "buffer size in bytes")
		readers     = flag.Int("readers", 8, "concurrent readers in the stress phase")
		iterations  = flag.Int("iterations", 100, "map/unmap pairs per reader")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn or error")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}
	bufmem.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx := context.Background()
	registry, err := bufmem.Init()
	if err != nil {
		log.Fatalf("Failed to init: %v", err)
	}

	dc := bufmem.NewDeviceContext("demo")

	backend, closeDevice, err := openBackend(*backendName)
	if err != nil {
		log.Fatalf("Failed to open backend: %v", err)
	}

	alloc, err := registry.Register(*backendName, backend)
	if err != nil {
		log.Fatalf("Failed to register backend: %v", err)
	}

	// The noop device accepts every call but stores nothing.
	verifyDevice := *backendName != "noop"

	if err := roundTrip(ctx, alloc, dc, *size, verifyDevice); err != nil {
		log.Fatalf("Round trip failed: %v", err)
	}
	if err := stress(ctx, alloc, dc, *size, *readers, *iterations); err != nil {
		log.Fatalf("Stress failed: %v", err)
	}

	log.Printf("%s backend: %s", *backendName, alloc.Stats())

	// Buffers must be destroyed on the context before the device goes away.
	if err := bufmem.Shutdown(ctx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	dc.Close()
	closeDevice()
}

// openBackend returns the backend and a function releasing its device.
func openBackend(name string) (bufmem.Backend, func(), error) {
	switch name {
	case "software":
		return software.New(), func() {}, nil
	case "noop", "vulkan":
		var (
			dev *wgpu.Device
			err error
		)
		if name == "noop" {
			dev, err = wgpu.OpenNoop()
		} else {
			dev, err = wgpu.Open(gputypes.BackendVulkan)
		}
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Using adapter %q", dev.Adapter)
		return wgpu.New(dev.Device, dev.Queue), dev.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
}

func roundTrip(ctx context.Context, alloc *bufmem.Allocator, dc *bufmem.DeviceContext, size int, verify bool) error {
	buf, err := alloc.Allocate(ctx, dc, size, bufmem.WithLabel("demo"))
	if err != nil {
		return err
	}
	defer alloc.Free(ctx, buf)

	if err := cpuFill(ctx, alloc, buf, 0xAB); err != nil {
		return err
	}
	log.Printf("CPU wrote 0xAB: transfer=%s", buf.Transfer())

	if _, err := alloc.Map(ctx, buf, bufmem.MapRead|bufmem.MapGPU, 0); err != nil {
		return err
	}
	if err := alloc.Unmap(ctx, buf, bufmem.MapRead|bufmem.MapGPU); err != nil {
		return err
	}
	log.Printf("GPU read: transfer=%s", buf.Transfer())

	want := byte(0xAB)
	if m, err := alloc.Map(ctx, buf, bufmem.MapWrite|bufmem.MapGPU, 0); err != nil {
		return err
	} else if obj, ok := m.Handle.(*software.Object); ok {
		// Stands in for a shader writing the buffer.
		err = dc.Submit(ctx, func(context.Context) {
			for i := range obj.Bytes()[:size] {
				obj.Bytes()[i] = 0xCD
			}
		})
		if err != nil {
			return err
		}
		want = 0xCD
	}
	if err := alloc.Unmap(ctx, buf, bufmem.MapWrite|bufmem.MapGPU); err != nil {
		return err
	}
	log.Printf("GPU wrote: transfer=%s", buf.Transfer())

	if err := cpuCheck(ctx, alloc, buf, want, verify); err != nil {
		return err
	}

	dup, err := alloc.Copy(ctx, buf, 0, size)
	if err != nil {
		return err
	}
	defer alloc.Free(ctx, dup)
	return cpuCheck(ctx, alloc, dup, want, verify)
}

func cpuFill(ctx context.Context, alloc *bufmem.Allocator, buf *bufmem.Buffer, v byte) error {
	m, err := alloc.Map(ctx, buf, bufmem.MapWrite, 0)
	if err != nil {
		return err
	}
	for i := range m.Data {
		m.Data[i] = v
	}
	return alloc.Unmap(ctx, buf, bufmem.MapWrite)
}

func cpuCheck(ctx context.Context, alloc *bufmem.Allocator, buf *bufmem.Buffer, want byte, verify bool) error {
	m, err := alloc.Map(ctx, buf, bufmem.MapRead, 0)
	if err != nil {
		return err
	}
	defer func() { _ = alloc.Unmap(ctx, buf, bufmem.MapRead) }()

	if verify && !bytes.Equal(m.Data, bytes.Repeat([]byte{want}, len(m.Data))) {
		return fmt.Errorf("buffer %d: CPU read does not match 0x%02X", buf.ID(), want)
	}
	log.Printf("CPU read %d bytes of buffer %d (0x%02X)", len(m.Data), buf.ID(), m.Data[0])
	return nil
}

func stress(ctx context.Context, alloc *bufmem.Allocator, dc *bufmem.DeviceContext, size, readers, iterations int) error {
	buf, err := alloc.Allocate(ctx, dc, size, bufmem.WithUsage(bufmem.UsageDynamic))
	if err != nil {
		return err
	}
	defer alloc.Free(ctx, buf)
	if err := cpuFill(ctx, alloc, buf, 0x5A); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < readers; r++ {
		flags := bufmem.MapRead
		if r%2 == 1 {
			flags |= bufmem.MapGPU
		}
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				if _, err := alloc.Map(gctx, buf, flags, 0); err != nil {
					return err
				}
				if err := alloc.Unmap(gctx, buf, flags); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("Stress: %d readers x %d maps, map count back to %d", readers, iterations, buf.MapCount())
	return nil
}
