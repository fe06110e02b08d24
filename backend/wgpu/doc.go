// Package wgpu provides a bufmem backend that keeps device objects in GPU
// buffers created through the gogpu/wgpu HAL.
//
// The HAL itself supports Vulkan, Metal and DX12 depending on the platform.
// This package only needs a hal.Device and its hal.Queue:
//
//	dev, err := wgpu.Open(gputypes.BackendVulkan)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	alloc, err := bufmem.NewAllocator("wgpu", wgpu.New(dev.Device, dev.Queue))
//
// Or share a device with another gogpu component:
//
//	b, err := wgpu.NewFromProvider(app)
//
// # Transfers
//
// Uploads use Queue.WriteBuffer. Downloads copy the buffer into a MapRead
// staging buffer, wait on a fence and read the staging buffer back.
// Device-side copies are encoded with CopyBufferToBuffer. WebGPU requires
// copy offsets and sizes to be multiples of 4; copies that are not aligned
// return bufmem.ErrUnsupported and take the CPU path.
//
// All entries run on the owning bufmem.DeviceContext thread, which is what
// the HAL expects of a single-threaded device.
package wgpu
