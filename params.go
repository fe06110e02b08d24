package bufmem

import (
	"fmt"
	"math"

	"github.com/gogpu/bufmem/internal/sysmem"
)

// Target is the kind of device object a buffer is bound as.
type Target uint8

const (
	// TargetVertex is a vertex/array buffer.
	TargetVertex Target = iota
	// TargetUniform is a uniform buffer.
	TargetUniform
	// TargetStorage is a storage buffer.
	TargetStorage
	// TargetTransfer is only ever a copy source or destination.
	TargetTransfer
)

// String returns the string representation of Target.
func (t Target) String() string {
	switch t {
	case TargetVertex:
		return "Vertex"
	case TargetUniform:
		return "Uniform"
	case TargetStorage:
		return "Storage"
	case TargetTransfer:
		return "Transfer"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Usage is a hint about how often the buffer contents change.
type Usage uint8

const (
	// UsageStatic is written once and used many times.
	UsageStatic Usage = iota
	// UsageDynamic is rewritten repeatedly.
	UsageDynamic
	// UsageStream is written once and used a few times.
	UsageStream
)

// String returns the string representation of Usage.
func (u Usage) String() string {
	switch u {
	case UsageStatic:
		return "Static"
	case UsageDynamic:
		return "Dynamic"
	case UsageStream:
		return "Stream"
	default:
		return fmt.Sprintf("Unknown(%d)", int(u))
	}
}

// DefaultAlignment is the CPU mirror alignment used when none is requested.
const DefaultAlignment = 16

// AllocOption configures a buffer during Allocate.
//
// Example:
//
//	buf, err := alloc.Allocate(ctx, dc, 4096,
//	    bufmem.WithTarget(bufmem.TargetStorage),
//	    bufmem.WithAlignment(64))
type AllocOption func(*allocParams)

// allocParams holds the resolved allocation request.
type allocParams struct {
	size      int
	alignment int
	reserve   int
	target    Target
	usage     Usage
	label     string
	wrapped   []byte
}

func defaultAllocParams(size int) allocParams {
	return allocParams{
		size:      size,
		alignment: DefaultAlignment,
		target:    TargetVertex,
		usage:     UsageStatic,
	}
}

// maxBufferSize bounds size plus reserve so the aligned device size fits
// in an int.
const maxBufferSize = math.MaxInt

// maxReserved returns the number of device bytes to reserve: the size plus
// any extra reserve, rounded up to the alignment.
func (p *allocParams) maxReserved() int {
	n := p.size + p.reserve
	a := p.alignment
	return (n + a - 1) / a * a
}

func (p *allocParams) validate() error {
	if p.size <= 0 {
		return fmt.Errorf("%w: size %d must be positive", ErrInvalidRange, p.size)
	}
	if p.alignment <= 0 || p.alignment&(p.alignment-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidRange, p.alignment)
	}
	if p.reserve < 0 {
		return fmt.Errorf("%w: negative reserve %d", ErrInvalidRange, p.reserve)
	}
	if p.reserve > maxBufferSize-p.size || p.size+p.reserve > maxBufferSize-(p.alignment-1) {
		return fmt.Errorf("%w: size %d with reserve %d exceeds %d bytes",
			ErrInvalidRange, p.size, p.reserve, maxBufferSize)
	}
	if p.wrapped != nil {
		if len(p.wrapped) != p.size {
			return fmt.Errorf("%w: wrapped data is %d bytes, buffer is %d", ErrInvalidRange, len(p.wrapped), p.size)
		}
		if !sysmem.IsAligned(p.wrapped, p.alignment) {
			return fmt.Errorf("%w: wrapped data is not aligned to %d bytes", ErrInvalidRange, p.alignment)
		}
	}
	return nil
}

// WithAlignment sets the CPU mirror and device size alignment in bytes.
// The value must be a power of two.
func WithAlignment(n int) AllocOption {
	return func(p *allocParams) {
		p.alignment = n
	}
}

// WithReserve reserves n extra device bytes beyond the buffer size.
func WithReserve(n int) AllocOption {
	return func(p *allocParams) {
		p.reserve = n
	}
}

// WithTarget sets the device target kind.
func WithTarget(t Target) AllocOption {
	return func(p *allocParams) {
		p.target = t
	}
}

// WithUsage sets the usage hint passed to the backend.
func WithUsage(u Usage) AllocOption {
	return func(p *allocParams) {
		p.usage = u
	}
}

// WithLabel sets a debug label for the buffer and its device object.
func WithLabel(label string) AllocOption {
	return func(p *allocParams) {
		p.label = label
	}
}

// WithWrappedData adopts data as the CPU mirror instead of allocating one.
// The buffer starts out needing an upload. len(data) must equal the size
// and data must start on the buffer alignment.
// The caller must not touch data outside of CPU-domain maps afterwards.
func WithWrappedData(data []byte) AllocOption {
	return func(p *allocParams) {
		p.wrapped = data
	}
}
