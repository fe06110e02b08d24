package bufmem

import "errors"

// Configuration and lifecycle errors.
var (
	// ErrConfiguration is returned when a backend cannot serve as a device
	// operation table (nil backend, missing device, empty name).
	ErrConfiguration = errors.New("bufmem: backend configuration error")

	// ErrAlreadyRegistered is returned when a backend name is registered twice.
	ErrAlreadyRegistered = errors.New("bufmem: backend already registered")

	// ErrRegistryClosed is returned when using a registry after Close.
	ErrRegistryClosed = errors.New("bufmem: registry closed")

	// ErrAllocatorClosed is returned when allocating from a closed allocator.
	ErrAllocatorClosed = errors.New("bufmem: allocator closed")

	// ErrContextClosed is returned by Submit once the device context is gone.
	ErrContextClosed = errors.New("bufmem: device context closed")

	// ErrAlreadyInitialized is returned by Init when the process-wide
	// registry already exists.
	ErrAlreadyInitialized = errors.New("bufmem: already initialized")
)

// Buffer operation errors.
var (
	// ErrDeviceCreate wraps the backend cause when the device object for a
	// buffer could not be created.
	ErrDeviceCreate = errors.New("bufmem: device object creation failed")

	// ErrUnsupported is returned by a backend that has no device-side
	// implementation of a primitive. The allocator falls back to the CPU.
	ErrUnsupported = errors.New("bufmem: operation not supported by backend")

	// ErrContractViolation marks a programming error by the caller, such as
	// an unmap without a matching map or incompatible concurrent map flags.
	ErrContractViolation = errors.New("bufmem: contract violation")

	// ErrInvalidBuffer is returned when operating on a buffer whose device
	// object was never created.
	ErrInvalidBuffer = errors.New("bufmem: invalid buffer")

	// ErrBufferReleased is returned when operating on a buffer after its
	// last reference was freed.
	ErrBufferReleased = errors.New("bufmem: buffer released")

	// ErrInvalidRange is returned when a map or copy range is out of bounds.
	ErrInvalidRange = errors.New("bufmem: range out of bounds")

	// ErrMapFailed wraps a backend failure during map.
	ErrMapFailed = errors.New("bufmem: map failed")
)
