package wgpu

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	_ "github.com/gogpu/wgpu/hal/vulkan" // registers the Vulkan HAL backend

	"github.com/gogpu/bufmem"
)

// Device is a standalone HAL device opened by this package.
type Device struct {
	Device hal.Device
	Queue  hal.Queue

	// Adapter is the name of the selected adapter.
	Adapter string

	instance hal.Instance
}

// Close destroys the device and its instance.
func (d *Device) Close() {
	if d.Device != nil {
		d.Device.Destroy()
		d.Device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}

// Open creates a standalone device on the given HAL backend, preferring a
// discrete or integrated GPU over software adapters.
func Open(backend gputypes.Backend) (*Device, error) {
	b, ok := hal.GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("wgpu: %v backend not available", backend)
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	return openInstance(instance)
}

// OpenNoop creates a device on the noop HAL. It accepts every call and
// moves no data, which is enough to exercise the backend without a GPU.
func OpenNoop() (*Device, error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("wgpu: create noop instance: %w", err)
	}
	return openInstance(instance)
}

func openInstance(instance hal.Instance) (*Device, error) {
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: no GPU adapters found")
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	bufmem.Logger().Info("wgpu: device opened", slog.String("adapter", selected.Info.Name))
	return &Device{
		Device:   openDev.Device,
		Queue:    openDev.Queue,
		Adapter:  selected.Info.Name,
		instance: instance,
	}, nil
}
