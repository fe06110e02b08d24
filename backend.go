package bufmem

// Handle is a backend-owned device object. The allocator stores it and
// passes it back to the same backend; it never inspects it.
type Handle any

// Descriptor describes the device object to create for a buffer.
type Descriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the number of bytes to reserve on the device (maxReservedBytes).
	Size int

	// Target is the kind of device object.
	Target Target

	// Usage is the update-frequency hint.
	Usage Usage
}

// MapRequest is handed to Backend.Map. The coherence engine decides which
// transfer, if any, the backend must perform before returning.
type MapRequest struct {
	// Flags is the access descriptor of the map.
	Flags MapFlags

	// Size is the number of bytes to transfer (the buffer size).
	Size int

	// Mirror is the CPU mirror. It is nil for a device-domain map that
	// needs no upload.
	Mirror []byte

	// Transfer is TransferNeedUpload when the mirror must be copied to the
	// device first, TransferNeedDownload when the device contents must be
	// copied into the mirror first, and TransferClean otherwise.
	Transfer Transfer
}

// Mapping is the result of a successful map.
type Mapping struct {
	// Data is the CPU-domain view. It is nil for device-domain maps.
	Data []byte

	// Handle is the device object for device-domain maps.
	Handle Handle

	// Flags echoes the access descriptor.
	Flags MapFlags
}

// Backend is the device operation table of one kind of device object.
//
// Every method is only ever called on the owning DeviceContext's thread.
// Implementations need no locking for state that is only touched from that
// thread.
type Backend interface {
	// Name returns the backend identifier (e.g., "software", "wgpu").
	Name() string

	// Create allocates a device object of desc.Size bytes.
	Create(desc *Descriptor) (Handle, error)

	// Map performs the transfer requested in req and returns the mapping.
	// For device-domain maps the returned Mapping carries the handle; for
	// CPU-domain maps it may leave Data nil and the mirror is used.
	Map(h Handle, req *MapRequest) (Mapping, error)

	// Unmap ends a mapping. Most backends embed NopUnmap.
	Unmap(h Handle, flags MapFlags) error

	// Copy copies size bytes starting at srcOffset of src to the start of
	// dst on the device. Returns ErrUnsupported when there is no
	// device-side path.
	Copy(src, dst Handle, srcOffset, size int) error

	// Destroy releases the device object.
	Destroy(h Handle)
}

// configChecker is implemented by backends that can detect a broken
// configuration at registration time.
type configChecker interface {
	CheckConfig() error
}

// NopUnmap provides the default Unmap entry. Embedding it also lets the
// allocator skip the dispatch round trip for unmaps.
type NopUnmap struct{}

// Unmap does nothing.
func (NopUnmap) Unmap(Handle, MapFlags) error { return nil }

func (NopUnmap) unmapIsNop() {}

type nopUnmapper interface {
	unmapIsNop()
}

// NoDeviceCopy provides a Copy entry for backends without a device-side
// copy primitive; every copy takes the CPU fallback.
type NoDeviceCopy struct{}

// Copy always returns ErrUnsupported.
func (NoDeviceCopy) Copy(Handle, Handle, int, int) error { return ErrUnsupported }
