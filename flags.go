package bufmem

import (
	"fmt"
	"strings"
)

// MapFlags is the access descriptor of a map request.
type MapFlags uint32

const (
	// MapRead requests read access.
	MapRead MapFlags = 1 << iota

	// MapWrite requests write access.
	MapWrite

	// MapGPU requests the device-domain view instead of the CPU mirror.
	MapGPU
)

// mapAccessMask selects the access bits that take part in the subset check.
const mapAccessMask = MapRead | MapWrite

// MapReadWrite is shorthand for MapRead | MapWrite.
const MapReadWrite = MapRead | MapWrite

// Contains reports whether every bit of other is set in f.
func (f MapFlags) Contains(other MapFlags) bool {
	return f&other == other
}

// IsGPU reports whether the device domain is requested.
func (f MapFlags) IsGPU() bool { return f&MapGPU != 0 }

// access returns only the Read/Write bits.
func (f MapFlags) access() MapFlags { return f & mapAccessMask }

// String returns a "|"-joined list of the set flags.
func (f MapFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f&MapRead != 0 {
		parts = append(parts, "read")
	}
	if f&MapWrite != 0 {
		parts = append(parts, "write")
	}
	if f&MapGPU != 0 {
		parts = append(parts, "gpu")
	}
	if rest := f &^ (MapRead | MapWrite | MapGPU); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Transfer records which domain holds the authoritative copy of a buffer.
type Transfer uint8

const (
	// TransferClean means the CPU mirror and the device object agree
	// (or only one of them exists).
	TransferClean Transfer = iota

	// TransferNeedUpload means the CPU mirror is newer than the device.
	TransferNeedUpload

	// TransferNeedDownload means the device is newer than the CPU mirror.
	TransferNeedDownload
)

// String returns the string representation of Transfer.
func (t Transfer) String() string {
	switch t {
	case TransferClean:
		return "Clean"
	case TransferNeedUpload:
		return "NeedUpload"
	case TransferNeedDownload:
		return "NeedDownload"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}
